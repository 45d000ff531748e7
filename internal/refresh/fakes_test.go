package refresh

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/logdata/logtest"
	"github.com/thiagokokada/vcslog/internal/uiloop"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeLoader struct {
	mu      sync.Mutex
	logs    map[logdata.Root]logdata.RootLog
	errs    map[logdata.Root]error
	block   map[logdata.Root]chan struct{}
	calls   []logdata.Root
	started chan logdata.Root
}

func newFakeLoader(roots ...logdata.Root) *fakeLoader {
	f := &fakeLoader{
		logs:    map[logdata.Root]logdata.RootLog{},
		errs:    map[logdata.Root]error{},
		block:   map[logdata.Root]chan struct{}{},
		started: make(chan logdata.Root, 64),
	}
	for _, root := range roots {
		f.set(root, 3, "")
	}
	return f
}

// set replaces the history of root with n commits whose seeds carry tag.
func (f *fakeLoader) set(root logdata.Root, n int, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := logtest.Linear(root+logdata.Root(tag), n, base)
	for i := range commits {
		commits[i].ID.Root = root
	}
	f.logs[root] = logdata.RootLog{
		Root:    root,
		Commits: commits,
		Refs:    []logdata.Ref{logtest.Branch(root, "main", commits[0].ID.Hash)},
	}
}

func (f *fakeLoader) setErr(root logdata.Root, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[root] = err
}

// hold blocks the next loads of root until release. Start signals of
// earlier loads are dropped so waitStarted only sees loads that began after
// the hold.
func (f *fakeLoader) hold(root logdata.Root) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drainStarted()
	ch := make(chan struct{})
	f.block[root] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.block, root)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeLoader) drainStarted() {
	for {
		select {
		case <-f.started:
		default:
			return
		}
	}
}

func (f *fakeLoader) callsSince(n int) []logdata.Root {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls[n:])
}

func (f *fakeLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLoader) LoadRoot(ctx context.Context, root logdata.Root) (logdata.RootLog, error) {
	f.mu.Lock()
	f.calls = append(f.calls, root)
	block := f.block[root]
	err := f.errs[root]
	rootLog := f.logs[root]
	rootLog.Commits = slices.Clone(rootLog.Commits)
	f.mu.Unlock()
	select {
	case f.started <- root:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return logdata.RootLog{}, ctx.Err()
		}
	}
	if err != nil {
		return logdata.RootLog{}, err
	}
	return rootLog, nil
}

func waitStarted(t *testing.T, f *fakeLoader, root logdata.Root) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == root {
				return
			}
		case <-timeout:
			t.Fatalf("load of %s never started", root)
		}
	}
}

// packRecorder collects published packs.
type packRecorder struct {
	mu    sync.Mutex
	packs []*logdata.DataPack
}

func (r *packRecorder) record(p *logdata.DataPack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs = append(r.packs, p)
}

func (r *packRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packs)
}

func (r *packRecorder) last() *logdata.DataPack {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packs) == 0 {
		return nil
	}
	return r.packs[len(r.packs)-1]
}

func (r *packRecorder) waitCount(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count() >= n }, 2*time.Second, time.Millisecond,
		"expected %d publications", n)
}

func startLoop(t *testing.T) *uiloop.Loop {
	t.Helper()
	loop := uiloop.New()
	stop := loop.Start()
	t.Cleanup(stop)
	return loop
}

// queueExec holds posted functions until the test runs them.
type queueExec struct {
	mu  sync.Mutex
	fns []func()
}

func (q *queueExec) Post(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fns = append(q.fns, fn)
}

func (q *queueExec) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fns)
}

func (q *queueExec) runPending() {
	q.mu.Lock()
	fns := q.fns
	q.fns = nil
	q.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fakeSource is a synchronous DataSource driven by the test goroutine.
type fakeSource struct {
	state       State
	pack        *logdata.DataPack
	subs        []func(*logdata.DataPack)
	refreshes   [][]logdata.Root
	ensureCalls int
	onRefresh   func(roots []logdata.Root)
}

func (s *fakeSource) State() State { return s.state }

func (s *fakeSource) EnsureInitialized() {
	s.ensureCalls++
	if s.state == StateUninitialized {
		s.state = StateInitializing
	}
}

func (s *fakeSource) Refresh(roots ...logdata.Root) {
	s.refreshes = append(s.refreshes, slices.Clone(roots))
	if s.onRefresh != nil {
		s.onRefresh(roots)
	}
}

func (s *fakeSource) DataPack() *logdata.DataPack {
	if s.pack == nil {
		return logdata.EmptyDataPack(nil)
	}
	return s.pack
}

func (s *fakeSource) Subscribe(fn func(*logdata.DataPack)) func() {
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() { s.subs[idx] = nil }
}

func (s *fakeSource) publish(pack *logdata.DataPack) {
	s.pack = pack
	s.state = StateReady
	for _, fn := range s.subs {
		if fn != nil {
			fn(pack)
		}
	}
}

type fakeRefresher struct {
	mu          sync.Mutex
	visible     bool
	packs       []*logdata.DataPack
	validations []bool
}

func (r *fakeRefresher) IsVisible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

func (r *fakeRefresher) setVisible(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible = v
}

func (r *fakeRefresher) OnDataPack(p *logdata.DataPack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs = append(r.packs, p)
}

func (r *fakeRefresher) Validate(firstTime bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validations = append(r.validations, firstTime)
}

func (r *fakeRefresher) lastPack() *logdata.DataPack {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packs) == 0 {
		return nil
	}
	return r.packs[len(r.packs)-1]
}

func (r *fakeRefresher) validated() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.validations)
}
