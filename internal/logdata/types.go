// Package logdata holds the immutable commit-graph snapshots shared by the
// refresh and navigation machinery.
package logdata

import (
	"fmt"
	"iter"
	"strings"
	"time"
)

// Root identifies one monitored repository directory.
type Root string

func (r Root) String() string { return string(r) }

// CommitID names a commit within a root. A hash alone is not unique across roots.
type CommitID struct {
	Root Root
	Hash string
}

func (id CommitID) String() string {
	return fmt.Sprintf("%s@%s", id.Hash, id.Root)
}

// NormalizeHash lower-cases and trims a user supplied hash or prefix.
func NormalizeHash(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type Signature struct {
	Name  string
	Email string
	When  time.Time
}

type Commit struct {
	ID        CommitID
	Parents   []string
	Author    Signature
	Committer Signature
	Message   string
}

// Summary is the first line of the message.
func (c Commit) Summary() string {
	return strings.SplitN(strings.TrimSpace(c.Message), "\n", 2)[0]
}

// SearchText is the lower-cased text the text filter matches against.
func (c Commit) SearchText() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(c.ID.Hash))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(c.Author.Name))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(c.Author.Email))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(c.Message))
	return b.String()
}

type RefKind uint8

const (
	RefKindHead RefKind = iota
	RefKindBranch
	RefKindRemoteBranch
	RefKindTag
)

func (k RefKind) String() string {
	switch k {
	case RefKindHead:
		return "head"
	case RefKindBranch:
		return "branch"
	case RefKindRemoteBranch:
		return "remote"
	case RefKindTag:
		return "tag"
	default:
		return fmt.Sprintf("RefKind(%d)", k)
	}
}

type Ref struct {
	Name string // short name: HEAD, main, origin/main, v1
	Kind RefKind
	Root Root
	Hash string
}

// Target is the commit the ref points at.
func (r Ref) Target() CommitID {
	return CommitID{Root: r.Root, Hash: r.Hash}
}

// CommitExistence answers whether a commit is known to storage.
type CommitExistence interface {
	ContainsCommit(id CommitID) bool
}

// CommitIterator yields every known commit. The sequence is finite and
// restartable; callers stop early by returning false from yield.
type CommitIterator interface {
	CommitIDs() iter.Seq[CommitID]
}

// CommitStorage is what the hash resolver needs from storage.
type CommitStorage interface {
	CommitExistence
	CommitIterator
}

// RefProvider enumerates the refs of a snapshot.
type RefProvider interface {
	Refs() []Ref
}

// RootLog is the history of one root as read from the VCS.
type RootLog struct {
	Root    Root
	Commits []Commit
	Refs    []Ref
	// Truncated is set when the reader stopped before the end of history.
	Truncated bool
}
