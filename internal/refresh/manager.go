// Package refresh decides when the history of a set of roots is re-read and
// delivers every new DataPack to the views that consume it.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/metrics"
	"github.com/thiagokokada/vcslog/internal/task"
	"github.com/thiagokokada/vcslog/internal/uiloop"
)

// loadConcurrency bounds how many roots are read at the same time.
const loadConcurrency = 4

// Loader reads the history of one root.
type Loader interface {
	LoadRoot(ctx context.Context, root logdata.Root) (logdata.RootLog, error)
}

type LoaderFunc func(ctx context.Context, root logdata.Root) (logdata.RootLog, error)

func (f LoaderFunc) LoadRoot(ctx context.Context, root logdata.Root) (logdata.RootLog, error) {
	return f(ctx, root)
}

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// DataSource is the shared data source a Coordinator drives.
type DataSource interface {
	State() State
	// EnsureInitialized starts the initial load if nothing did yet. It
	// does not block.
	EnsureInitialized()
	// Refresh reloads roots in the background.
	Refresh(roots ...logdata.Root)
	// DataPack returns the latest published pack.
	DataPack() *logdata.DataPack
	// Subscribe registers fn for every published pack. fn runs on the UI
	// loop.
	Subscribe(fn func(*logdata.DataPack)) (unsubscribe func())
}

// Manager owns the DataPack of a fixed set of roots. Refresh requests that
// arrive while a load is running are coalesced into the next load.
type Manager struct {
	roots  []logdata.Root
	loader Loader
	exec   uiloop.Executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state   atomic.Int32
	pack    atomic.Pointer[logdata.DataPack]
	version atomic.Uint64
	init    singleflight.Group

	mu      sync.Mutex
	pending map[logdata.Root]struct{}
	full    bool
	running bool
	closed  bool
	subs    map[int]func(*logdata.DataPack)
	nextSub int
}

var _ DataSource = (*Manager)(nil)

func NewManager(roots []logdata.Root, loader Loader, exec uiloop.Executor) *Manager {
	if loader == nil || exec == nil {
		panic("refresh: nil loader or executor")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		roots:   logdata.SortRoots(roots),
		loader:  loader,
		exec:    exec,
		ctx:     ctx,
		cancel:  cancel,
		pending: map[logdata.Root]struct{}{},
		subs:    map[int]func(*logdata.DataPack){},
	}
}

func (m *Manager) Roots() []logdata.Root { return m.roots }

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) DataPack() *logdata.DataPack {
	if p := m.pack.Load(); p != nil {
		return p
	}
	return logdata.EmptyDataPack(m.roots)
}

func (m *Manager) Subscribe(fn func(*logdata.DataPack)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Initialize loads every root once. Concurrent callers share the same load;
// a caller whose ctx is done stops waiting and gets an aborted error while
// the load goes on.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.State() == StateReady {
		return nil
	}
	select {
	case res := <-m.initialize():
		return res.Err
	case <-ctx.Done():
		return task.Aborted(ctx.Err())
	}
}

func (m *Manager) initialize() <-chan singleflight.Result {
	return m.init.DoChan("init", func() (any, error) {
		if m.State() == StateReady {
			return nil, nil
		}
		m.state.Store(int32(StateInitializing))
		slog.Debug("initializing log data", slog.Int("roots", len(m.roots)))
		if err := m.load(m.ctx, m.roots, nil); err != nil {
			m.state.Store(int32(StateUninitialized))
			return nil, err
		}
		m.state.Store(int32(StateReady))
		return nil, nil
	})
}

// awaitInitialized runs or joins the initial load and waits for it even
// when the manager is closing, so the state is settled once it returns.
func (m *Manager) awaitInitialized() error {
	if m.State() == StateReady {
		return nil
	}
	res := <-m.initialize()
	if res.Err != nil && !task.IsAborted(res.Err) {
		slog.Error("initial load failed", slog.Any("error", res.Err))
	}
	return res.Err
}

func (m *Manager) EnsureInitialized() {
	if m.State() != StateUninitialized {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = m.awaitInitialized()
	}()
}

// Refresh schedules a reload of roots. Roots outside the managed set are
// ignored. Refreshing an uninitialized manager initializes it.
func (m *Manager) Refresh(roots ...logdata.Root) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, root := range roots {
		if !slices.Contains(m.roots, root) {
			slog.Debug("ignoring refresh of unknown root", slog.String("root", string(root)))
			continue
		}
		m.pending[root] = struct{}{}
	}
	m.startWorkerLocked()
}

// Invalidate drops what is known about the current pack and schedules a
// reload of every root. Used after the storage was found corrupted.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	slog.Info("log data invalidated, reloading every root")
	m.full = true
	for _, root := range m.roots {
		m.pending[root] = struct{}{}
	}
	m.startWorkerLocked()
}

func (m *Manager) startWorkerLocked() {
	if m.running || len(m.pending) == 0 {
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.work()
}

func (m *Manager) take() (roots []logdata.Root, full bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.pending) == 0 {
		m.running = false
		return nil, false, false
	}
	roots = slices.Sorted(maps.Keys(m.pending))
	clear(m.pending)
	full = m.full
	m.full = false
	return roots, full, true
}

func (m *Manager) work() {
	defer m.wg.Done()
	for {
		roots, full, ok := m.take()
		if !ok {
			return
		}
		switch m.State() {
		case StateUninitialized:
			// The initial load reads every root, including these.
			_ = m.awaitInitialized()
			continue
		case StateInitializing:
			// These changes may postdate the running load.
			if err := m.awaitInitialized(); err != nil {
				continue
			}
		}
		prev := m.pack.Load()
		if full {
			prev = nil
		}
		if err := m.load(m.ctx, roots, prev); err != nil && !task.IsAborted(err) {
			slog.Error("refresh failed", slog.Any("roots", roots), slog.Any("error", err))
		}
	}
}

// load reads roots and publishes a pack that combines them with the other
// roots of prev. Without a usable prev every root is read.
func (m *Manager) load(ctx context.Context, roots []logdata.Root, prev *logdata.DataPack) error {
	if err := ctx.Err(); err != nil {
		return task.Aborted(err)
	}
	if prev == nil || prev.IsError() {
		roots = m.roots
		prev = nil
	}
	start := time.Now()
	logs := make([]logdata.RootLog, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, root := range roots {
		g.Go(func() error {
			rootLog, err := m.loader.LoadRoot(gctx, root)
			if err != nil {
				return fmt.Errorf("load %s: %w", root, err)
			}
			logs[i] = rootLog
			return nil
		})
	}
	err := g.Wait()
	metrics.PackLoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return task.Aborted(ctx.Err())
		}
		m.publish(logdata.ErrorDataPack(m.version.Add(1), m.roots, err))
		return err
	}
	m.publish(merge(m.version.Add(1), m.roots, prev, logs))
	return nil
}

func merge(version uint64, roots []logdata.Root, prev *logdata.DataPack, logs []logdata.RootLog) *logdata.DataPack {
	reloaded := make(map[logdata.Root]struct{}, len(logs))
	for _, l := range logs {
		reloaded[l.Root] = struct{}{}
	}
	var commits []logdata.Commit
	var refs []logdata.Ref
	var truncated []logdata.Root
	if prev != nil {
		for _, c := range prev.Commits() {
			if _, ok := reloaded[c.ID.Root]; !ok {
				commits = append(commits, c)
			}
		}
		for _, r := range prev.Refs() {
			if _, ok := reloaded[r.Root]; !ok {
				refs = append(refs, r)
			}
		}
		for _, root := range prev.TruncatedRoots() {
			if _, ok := reloaded[root]; !ok {
				truncated = append(truncated, root)
			}
		}
	}
	for _, l := range logs {
		commits = append(commits, l.Commits...)
		refs = append(refs, l.Refs...)
		if l.Truncated {
			truncated = append(truncated, l.Root)
		}
	}
	return logdata.NewLoadedDataPack(version, roots, commits, refs, truncated)
}

func (m *Manager) publish(pack *logdata.DataPack) {
	m.pack.Store(pack)
	metrics.PackLoads.WithLabelValues(pack.Status().String()).Inc()
	if pack.IsError() {
		slog.Error("data pack load failed", slog.Uint64("version", pack.Version()), slog.Any("error", pack.Err()))
	} else {
		slog.Info("data pack published",
			slog.Uint64("version", pack.Version()),
			slog.Int("commits", pack.Len()),
			slog.String("status", pack.Status().String()),
		)
	}
	m.exec.Post(func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		subs := make([]func(*logdata.DataPack), 0, len(m.subs))
		for _, id := range slices.Sorted(maps.Keys(m.subs)) {
			subs = append(subs, m.subs[id])
		}
		m.mu.Unlock()
		for _, fn := range subs {
			fn(pack)
		}
	})
}

// Close stops background loads and waits for them to exit. Nothing is
// published after Close returns.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
