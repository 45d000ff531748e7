// Package session wires one log: the UI loop, the heavy gate, the storage
// lock and index, the data manager, the refresh coordinator and its views.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thiagokokada/vcslog/internal/heavy"
	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/logstore"
	"github.com/thiagokokada/vcslog/internal/navigate"
	"github.com/thiagokokada/vcslog/internal/refresh"
	"github.com/thiagokokada/vcslog/internal/storagelock"
	"github.com/thiagokokada/vcslog/internal/task"
	"github.com/thiagokokada/vcslog/internal/uiloop"
	"github.com/thiagokokada/vcslog/internal/visible"
	"github.com/thiagokokada/vcslog/internal/watch"
)

// ErrViewOpen is returned when a view id is opened twice.
var ErrViewOpen = errors.New("view already open")

type Options struct {
	Roots  []logdata.Root
	Loader refresh.Loader
	Gate   heavy.Config
	Store  logstore.Config

	// Watch enables file system watching of the roots.
	Watch         bool
	WatchDebounce time.Duration
	// RefreshDelay is how long a root change waits once heavy activity
	// ended.
	RefreshDelay time.Duration
	// StaleLockAfter bounds how long a git lock file counts as heavy
	// activity. Zero keeps the watcher default.
	StaleLockAfter time.Duration

	// Process-wide services. New instances are made when nil.
	Locks     *storagelock.Service
	Latch     *heavy.Latch
	PowerSave *heavy.Toggle
}

type Session struct {
	roots     []logdata.Root
	opts      Options
	loop      *uiloop.Loop
	stopLoop  func()
	latch     *heavy.Latch
	powerSave *heavy.Toggle
	gate      *heavy.Gate
	store     *logstore.Store
	manager   *refresh.Manager
	coord     *refresh.Coordinator
	watcher   *watch.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	// indexed is the DataPack version the store holds, zero until the
	// first indexing of this session completes.
	indexed atomic.Uint64

	mu       sync.Mutex
	indexing *task.Future[struct{}]
	closed   bool
}

// Open acquires the storage of opts.Roots and starts the session. The wait
// for a storage held by another session is cancelled with ctx.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Loader == nil {
		panic("session: nil loader")
	}
	if len(opts.Roots) == 0 {
		return nil, errors.New("no roots to open")
	}
	if opts.Locks == nil {
		opts.Locks = storagelock.New()
	}
	if opts.Latch == nil {
		opts.Latch = heavy.NewLatch()
	}
	if opts.PowerSave == nil {
		opts.PowerSave = heavy.NewToggle(false)
	}
	roots := logdata.SortRoots(opts.Roots)

	store, err := logstore.Open(ctx, opts.Locks, storagelock.LogID(roots), opts.Store)
	if err != nil {
		return nil, fmt.Errorf("open log storage: %w", err)
	}

	s := &Session{
		roots:     roots,
		opts:      opts,
		loop:      uiloop.New(),
		latch:     opts.Latch,
		powerSave: opts.PowerSave,
		store:     store,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stopLoop = s.loop.Start()
	s.gate = heavy.NewGate(s.latch, s.powerSave, opts.Gate, heavy.ListenerFuncs{
		Started: func() { slog.Info("heavy activity started, background work paused") },
		Ended:   func() { slog.Info("heavy activity ended") },
	})
	s.manager = refresh.NewManager(roots, opts.Loader, s.loop)
	s.manager.Subscribe(s.index)
	if err := s.loop.Invoke(ctx, func() {
		s.coord = refresh.NewCoordinator(s.manager, s.loop)
	}); err != nil {
		return nil, errors.Join(err, s.Close())
	}

	if opts.Watch {
		watchOpts := []watch.Option{watch.WithHeavyActivity(s.latch)}
		if opts.WatchDebounce > 0 {
			watchOpts = append(watchOpts, watch.WithDebounce(opts.WatchDebounce))
		}
		if opts.StaleLockAfter > 0 {
			watchOpts = append(watchOpts, watch.WithStaleLockAfter(opts.StaleLockAfter))
		}
		s.watcher, err = watch.New(roots, s.RootChanged, watchOpts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("watch roots: %w", err), s.Close())
		}
	}
	slog.Debug("session opened", slog.String("log_id", store.LogID()), slog.Int("roots", len(roots)))
	return s, nil
}

func (s *Session) Roots() []logdata.Root       { return s.roots }
func (s *Session) Manager() *refresh.Manager   { return s.manager }
func (s *Session) Store() *logstore.Store      { return s.store }
func (s *Session) Gate() *heavy.Gate           { return s.gate }
func (s *Session) Latch() *heavy.Latch         { return s.latch }
func (s *Session) PowerSave() *heavy.Toggle    { return s.powerSave }
func (s *Session) Loop() *uiloop.Loop          { return s.loop }
func (s *Session) DataPack() *logdata.DataPack { return s.manager.DataPack() }

// IndexedVersion is the DataPack version the commit index serves lookups
// for, zero while it is behind.
func (s *Session) IndexedVersion() uint64 { return s.indexed.Load() }

// OnLoop runs fn with the coordinator on the UI loop and waits for it.
func (s *Session) OnLoop(ctx context.Context, fn func(c *refresh.Coordinator)) error {
	return s.loop.Invoke(ctx, func() { fn(s.coord) })
}

// index refreshes the persistent commit index after each publication. It
// runs on the UI loop; a newer pack supersedes a pending indexing and waits
// for a running one to stop, so indexings never overlap.
func (s *Session) index(pack *logdata.DataPack) {
	if pack.IsError() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	prev := s.indexing
	if prev != nil {
		prev.Cancel()
	}
	f := s.gate.ExecuteOutOfHeavyOrPowerSave(s.ctx, func(ctx context.Context) error {
		if prev != nil {
			select {
			case <-prev.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.indexed.Store(0)
		if _, err := s.store.Index(ctx, pack); err != nil {
			return err
		}
		s.indexed.Store(pack.Version())
		return nil
	})
	s.indexing = f
	go func() {
		<-f.Done()
		if _, err, _ := f.Result(); err != nil && !task.IsAborted(err) {
			slog.Error("indexing commits failed", slog.Uint64("version", pack.Version()), slog.Any("error", err))
		}
	}()
}

// commitIndex serves hash lookups from the store once it holds the pack
// being resolved.
type commitIndex struct {
	s *Session
}

var _ navigate.TrailingStorage = commitIndex{}

func (i commitIndex) ContainsCommit(id logdata.CommitID) bool {
	return i.s.store.ContainsCommit(id)
}

func (i commitIndex) CommitIDs() iter.Seq[logdata.CommitID] {
	return i.s.store.CommitIDs()
}

func (i commitIndex) Covers(version uint64) bool {
	return version != 0 && i.s.indexed.Load() == version
}

// RootChanged requests a refresh of root once no heavy process runs. The
// refresh is postponed while no view is visible.
func (s *Session) RootChanged(root logdata.Root) {
	s.gate.RunLaterOutsideHeavy(func() {
		s.loop.Post(func() {
			if s.coord != nil {
				s.coord.RefreshRoot(root)
			}
		})
	}, s.opts.RefreshDelay)
}

// View is an open view of the session with its resolver.
type View struct {
	*visible.View
	Resolver *navigate.Resolver

	session *Session
	cancel  context.CancelFunc
}

// OpenView registers a new view. It starts invisible; its data is loaded
// on registration.
func (s *Session) OpenView(ctx context.Context, id string, filter logdata.Filter, opts ...navigate.Option) (*View, error) {
	// The first publication lands before the manager reports Ready.
	view := visible.NewView(id, filter, visible.WithDataLoading(func() bool {
		return s.manager.State() != refresh.StateReady && s.manager.DataPack().Version() == 0
	}))
	viewCtx, cancel := context.WithCancel(s.ctx)
	var dup bool
	err := s.OnLoop(ctx, func(c *refresh.Coordinator) {
		if c.Registered(id) {
			dup = true
			return
		}
		c.RegisterRefresher(viewCtx, id, view)
	})
	if err == nil && dup {
		err = fmt.Errorf("%w: %s", ErrViewOpen, id)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	opts = append([]navigate.Option{
		navigate.WithExecutor(s.loop),
		navigate.WithNotifier(func(target string, res navigate.Result) {
			slog.Warn("jump failed", slog.String("view", id), slog.String("target", target), slog.String("result", res.String()))
		}),
	}, opts...)
	return &View{
		View:     view,
		Resolver: navigate.NewResolver(view, commitIndex{s: s}, opts...),
		session:  s,
		cancel:   cancel,
	}, nil
}

// Show makes the view visible and activates it.
func (v *View) Show(ctx context.Context) error {
	v.SetVisible(true)
	return v.session.OnLoop(ctx, func(c *refresh.Coordinator) {
		c.RefresherActivated(v.ID())
	})
}

func (v *View) Hide() {
	v.SetVisible(false)
}

// Close unregisters the view.
func (v *View) Close() {
	v.cancel()
}

// Close stops the session and releases its storage. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.indexing != nil {
		s.indexing.Cancel()
	}
	indexing := s.indexing
	s.mu.Unlock()

	var errs []error
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()
	s.gate.Close()
	s.manager.Close()
	if indexing != nil {
		<-indexing.Done()
	}
	if s.coord != nil {
		_ = s.loop.Invoke(context.Background(), s.coord.Close)
	}
	s.stopLoop()
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	slog.Debug("session closed", slog.String("log_id", s.store.LogID()))
	return errors.Join(errs...)
}
