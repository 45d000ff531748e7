package navigate

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/metrics"
	"github.com/thiagokokada/vcslog/internal/task"
	"github.com/thiagokokada/vcslog/internal/uiloop"
)

// PackSource gives access to the VisiblePack of one view.
type PackSource interface {
	VisiblePack() *logdata.VisiblePack
	// Changed is closed when the current VisiblePack is replaced.
	Changed() <-chan struct{}
	// Loading reports whether a newer VisiblePack is expected.
	Loading() bool
}

// TrailingStorage is a CommitStorage filled in after each publication. It
// serves a VisiblePack only while it covers that pack's DataPack version;
// other packs are resolved against the DataPack itself.
type TrailingStorage interface {
	logdata.CommitStorage
	Covers(version uint64) bool
}

// RefComparator orders candidate refs, best first.
type RefComparator func(pack *logdata.DataPack, a, b logdata.Ref) int

type Option func(*Resolver)

func WithRefComparator(cmp RefComparator) Option {
	return func(r *Resolver) { r.compare = cmp }
}

// WithNavigator sets the function that selects a found row. It runs on the
// executor given with WithExecutor, or else on the goroutine that resolved
// the jump.
func WithNavigator(fn func(row int, focus bool)) Option {
	return func(r *Resolver) { r.navigate = fn }
}

// WithNotifier sets the function told about failed jumps that were not
// requested silently. It runs where the navigator runs.
func WithNotifier(fn func(target string, res Result)) Option {
	return func(r *Resolver) { r.notify = fn }
}

// WithExecutor posts navigator and notifier calls to exec, usually the UI
// loop that owns the selection.
func WithExecutor(exec uiloop.Executor) Option {
	return func(r *Resolver) { r.exec = exec }
}

// Resolver answers jump requests against the latest VisiblePack of a
// source, retrying when the pack is replaced during resolution.
type Resolver struct {
	source   PackSource
	storage  logdata.CommitStorage
	compare  RefComparator
	navigate func(row int, focus bool)
	notify   func(target string, res Result)
	exec     uiloop.Executor
}

// NewResolver uses storage for hash lookups. A nil storage means the
// DataPack of the VisiblePack being resolved against; a TrailingStorage
// falls back to it for versions it does not cover.
func NewResolver(source PackSource, storage logdata.CommitStorage, opts ...Option) *Resolver {
	if source == nil {
		panic("navigate: nil pack source")
	}
	r := &Resolver{source: source, storage: storage, compare: DefaultRefComparator}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultRefComparator prefers HEAD, then local branches, remote branches
// and tags, then the root listed first in the pack, then the name.
func DefaultRefComparator(pack *logdata.DataPack, a, b logdata.Ref) int {
	return cmp.Or(
		cmp.Compare(kindRank(a.Kind), kindRank(b.Kind)),
		cmp.Compare(pack.RootIndex(a.Root), pack.RootIndex(b.Root)),
		cmp.Compare(a.Name, b.Name),
	)
}

func kindRank(k logdata.RefKind) int {
	switch k {
	case logdata.RefKindHead:
		return 0
	case logdata.RefKindBranch:
		return 1
	case logdata.RefKindRemoteBranch:
		return 2
	case logdata.RefKindTag:
		return 3
	default:
		return 4
	}
}

type locator func(vp *logdata.VisiblePack) Result

func (r *Resolver) JumpToRow(ctx context.Context, row int, silently, focus bool) *task.Future[Result] {
	return r.jump(ctx, "row", "row", silently, focus, func(vp *logdata.VisiblePack) Result {
		if row >= 0 && row < vp.VisibleCount() {
			return Found(row)
		}
		return notFound
	})
}

func (r *Resolver) JumpToHash(ctx context.Context, hash string, silently, focus bool) *task.Future[Result] {
	return r.jump(ctx, "hash", hash, silently, focus, r.hashLocator(hash))
}

// JumpToBranch jumps to the ref named name, in root when root is not nil.
func (r *Resolver) JumpToBranch(ctx context.Context, name string, root *logdata.Root, silently, focus bool) *task.Future[Result] {
	return r.jump(ctx, "branch", name, silently, focus, r.branchLocator(name, root))
}

// JumpToRefOrHash treats ref as the prefix of a ref name when some ref
// matches, and as a hash or hash prefix otherwise.
func (r *Resolver) JumpToRefOrHash(ctx context.Context, ref string, root *logdata.Root, silently, focus bool) *task.Future[Result] {
	return r.jump(ctx, "ref", ref, silently, focus, r.refOrHashLocator(ref, root))
}

func (r *Resolver) JumpToCommit(ctx context.Context, id logdata.CommitID, silently, focus bool) *task.Future[Result] {
	return r.jump(ctx, "commit", id.String(), silently, focus, r.commitLocator(id))
}

// Resolve is the blocking form of JumpToRefOrHash for callers that are not
// on the UI loop. It neither navigates nor notifies.
func (r *Resolver) Resolve(ctx context.Context, ref string, root *logdata.Root) (Result, error) {
	return r.resolve(ctx, r.refOrHashLocator(ref, root))
}

func (r *Resolver) jump(ctx context.Context, strategy, target string, silently, focus bool, locate locator) *task.Future[Result] {
	return task.Go(ctx, func(ctx context.Context) (Result, error) {
		res, err := r.resolve(ctx, locate)
		if err != nil {
			metrics.Jumps.WithLabelValues(strategy, "aborted").Inc()
			slog.Debug("jump aborted", slog.String("strategy", strategy), slog.String("target", target))
			return res, err
		}
		metrics.Jumps.WithLabelValues(strategy, res.Kind.String()).Inc()
		slog.Debug("jump resolved",
			slog.String("strategy", strategy),
			slog.String("target", target),
			slog.String("result", res.String()),
		)
		switch {
		case res.OK():
			if r.navigate != nil {
				r.deliver(func() { r.navigate(res.Row, focus) })
			}
		case !silently && r.notify != nil:
			r.deliver(func() { r.notify(target, res) })
		}
		return res, nil
	})
}

func (r *Resolver) deliver(fn func()) {
	if r.exec != nil {
		r.exec.Post(fn)
		return
	}
	fn()
}

func (r *Resolver) resolve(ctx context.Context, locate locator) (Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return notFound, task.Aborted(err)
		}
		changed := r.source.Changed()
		vp := r.source.VisiblePack()
		if vp.DataPack() == nil || vp.DataPack().IsError() {
			return notFound, nil
		}
		if vp.IsError() {
			return filteredOut, nil
		}
		res := locate(vp)
		if r.source.VisiblePack() != vp {
			slog.Debug("visible pack replaced during jump, retrying")
			continue
		}
		if res.OK() || !r.source.Loading() {
			return res, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return notFound, task.Aborted(ctx.Err())
		}
	}
}

func (r *Resolver) storageFor(vp *logdata.VisiblePack) logdata.CommitStorage {
	if r.storage == nil {
		return vp.DataPack()
	}
	if t, ok := r.storage.(TrailingStorage); ok && !t.Covers(vp.DataPack().Version()) {
		return vp.DataPack()
	}
	return r.storage
}

func (r *Resolver) commitLocator(id logdata.CommitID) locator {
	return func(vp *logdata.VisiblePack) Result {
		if row := vp.Row(id); row >= 0 {
			return Found(row)
		}
		if r.storageFor(vp).ContainsCommit(id) || vp.DataPack().ContainsCommit(id) {
			return filteredOut
		}
		return notFound
	}
}

func (r *Resolver) hashLocator(input string) locator {
	hash := logdata.NormalizeHash(strings.TrimSpace(input))
	switch {
	case plumbing.IsHash(hash):
		return r.fullHashLocator(hash)
	case isHexPrefix(hash):
		return r.prefixLocator(hash)
	default:
		return func(*logdata.VisiblePack) Result { return notFound }
	}
}

func isHexPrefix(s string) bool {
	if s == "" || len(s) >= 40 {
		return false
	}
	for _, c := range s {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// fullHashLocator tries hash in every root. A visible match wins over an
// existing but filtered out one.
func (r *Resolver) fullHashLocator(hash string) locator {
	return func(vp *logdata.VisiblePack) Result {
		storage := r.storageFor(vp)
		exists := false
		for _, root := range vp.DataPack().Roots() {
			id := logdata.CommitID{Root: root, Hash: hash}
			if !storage.ContainsCommit(id) {
				continue
			}
			if row := vp.Row(id); row >= 0 {
				return Found(row)
			}
			exists = true
		}
		if exists {
			return filteredOut
		}
		return notFound
	}
}

// prefixLocator scans every known commit. The first visible match in
// iteration order wins; an ambiguous prefix may resolve to a different root
// when the storage iterates in a different order.
func (r *Resolver) prefixLocator(prefix string) locator {
	return func(vp *logdata.VisiblePack) Result {
		matched := false
		for id := range r.storageFor(vp).CommitIDs() {
			if !strings.HasPrefix(id.Hash, prefix) {
				continue
			}
			if row := vp.Row(id); row >= 0 {
				return Found(row)
			}
			matched = true
		}
		if matched {
			return filteredOut
		}
		return notFound
	}
}

func (r *Resolver) sortRefs(pack *logdata.DataPack, refs []logdata.Ref) {
	slices.SortStableFunc(refs, func(a, b logdata.Ref) int { return r.compare(pack, a, b) })
}

func (r *Resolver) branchLocator(name string, root *logdata.Root) locator {
	return func(vp *logdata.VisiblePack) Result {
		pack := vp.DataPack()
		var candidates []logdata.Ref
		for _, ref := range pack.Refs() {
			if ref.Name == name && (root == nil || ref.Root == *root) {
				candidates = append(candidates, ref)
			}
		}
		if len(candidates) == 0 {
			return notFound
		}
		r.sortRefs(pack, candidates)
		for _, ref := range candidates {
			if row := vp.Row(ref.Target()); row >= 0 {
				return Found(row)
			}
		}
		return filteredOut
	}
}

func (r *Resolver) refOrHashLocator(input string, root *logdata.Root) locator {
	ref := strings.TrimSpace(input)
	byHash := r.hashLocator(ref)
	return func(vp *logdata.VisiblePack) Result {
		if ref == "" {
			return notFound
		}
		pack := vp.DataPack()
		var matches []logdata.Ref
		for _, candidate := range pack.Refs() {
			if strings.HasPrefix(candidate.Name, ref) && (root == nil || candidate.Root == *root) {
				matches = append(matches, candidate)
			}
		}
		if len(matches) == 0 {
			return byHash(vp)
		}
		r.sortRefs(pack, matches)
		return r.commitLocator(matches[0].Target())(vp)
	}
}
