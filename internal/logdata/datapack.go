package logdata

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
)

// PackStatus only advances: a partial pack is replaced by a complete or an
// error pack, never the other way around within one refresh.
type PackStatus uint8

const (
	PackPartial PackStatus = iota
	PackComplete
	PackError
)

func (s PackStatus) String() string {
	switch s {
	case PackPartial:
		return "partial"
	case PackComplete:
		return "complete"
	case PackError:
		return "error"
	default:
		return fmt.Sprintf("PackStatus(%d)", s)
	}
}

// DataPack is an immutable snapshot of the commit DAG of a set of roots.
type DataPack struct {
	version uint64
	roots   []Root
	commits []Commit
	index   map[CommitID]int
	refs    []Ref
	status  PackStatus
	err     error

	truncated []Root
}

// NewDataPack takes ownership of commits and refs. Commits are ordered by
// committer time, newest first, with ties kept in input order.
func NewDataPack(version uint64, roots []Root, commits []Commit, refs []Ref, status PackStatus) *DataPack {
	slices.SortStableFunc(commits, func(a, b Commit) int {
		return b.Committer.When.Compare(a.Committer.When)
	})
	index := make(map[CommitID]int, len(commits))
	for i, c := range commits {
		index[c.ID] = i
	}
	return &DataPack{
		version: version,
		roots:   slices.Clone(roots),
		commits: commits,
		index:   index,
		refs:    refs,
		status:  status,
	}
}

// NewLoadedDataPack builds the pack of a load in which the truncated roots
// stopped before the end of their history. It is complete only when no root
// was truncated.
func NewLoadedDataPack(version uint64, roots []Root, commits []Commit, refs []Ref, truncated []Root) *DataPack {
	status := PackComplete
	if len(truncated) > 0 {
		status = PackPartial
	}
	p := NewDataPack(version, roots, commits, refs, status)
	p.truncated = SortRoots(truncated)
	return p
}

// ErrorDataPack is published when loading failed.
func ErrorDataPack(version uint64, roots []Root, err error) *DataPack {
	return &DataPack{
		version: version,
		roots:   slices.Clone(roots),
		index:   map[CommitID]int{},
		status:  PackError,
		err:     err,
	}
}

// EmptyDataPack stands in before the first load completes.
func EmptyDataPack(roots []Root) *DataPack {
	return NewDataPack(0, roots, nil, nil, PackPartial)
}

func (p *DataPack) Version() uint64    { return p.version }
func (p *DataPack) Roots() []Root      { return p.roots }
func (p *DataPack) Status() PackStatus { return p.status }
func (p *DataPack) Err() error         { return p.err }
func (p *DataPack) IsError() bool      { return p.status == PackError }
func (p *DataPack) IsComplete() bool   { return p.status == PackComplete }
func (p *DataPack) Len() int           { return len(p.commits) }

// Commits returns the commits in graph order. The slice must not be modified.
func (p *DataPack) Commits() []Commit { return p.commits }

// Refs returns the refs of every root. The slice must not be modified.
func (p *DataPack) Refs() []Ref { return p.refs }

// TruncatedRoots lists the roots of a partial pack whose history was cut
// short, sorted.
func (p *DataPack) TruncatedRoots() []Root { return p.truncated }

func (p *DataPack) Commit(id CommitID) (Commit, bool) {
	i, ok := p.index[id]
	if !ok {
		return Commit{}, false
	}
	return p.commits[i], true
}

func (p *DataPack) ContainsCommit(id CommitID) bool {
	_, ok := p.index[id]
	return ok
}

func (p *DataPack) CommitIDs() iter.Seq[CommitID] {
	return func(yield func(CommitID) bool) {
		for _, c := range p.commits {
			if !yield(c.ID) {
				return
			}
		}
	}
}

// CommitsOf returns the commits of root in graph order.
func (p *DataPack) CommitsOf(root Root) []Commit {
	var out []Commit
	for _, c := range p.commits {
		if c.ID.Root == root {
			out = append(out, c)
		}
	}
	return out
}

// RefsOf returns the refs of root.
func (p *DataPack) RefsOf(root Root) []Ref {
	var out []Ref
	for _, r := range p.refs {
		if r.Root == root {
			out = append(out, r)
		}
	}
	return out
}

// RootIndex is the position of root in Roots, or len(Roots) when unknown.
func (p *DataPack) RootIndex(root Root) int {
	if i := slices.Index(p.roots, root); i >= 0 {
		return i
	}
	return len(p.roots)
}

// SortRoots orders roots the way every pack lists them.
func SortRoots(roots []Root) []Root {
	out := slices.Clone(roots)
	slices.SortFunc(out, func(a, b Root) int { return cmp.Compare(a, b) })
	return slices.Compact(out)
}
