package heavy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thiagokokada/vcslog/internal/debounce"
	"github.com/thiagokokada/vcslog/internal/metrics"
	"github.com/thiagokokada/vcslog/internal/task"
)

var (
	// ErrPowerSave is the cancellation cause of a gated task interrupted by
	// power-save mode.
	ErrPowerSave = errors.New("power save mode enabled")
	// ErrLongActivity is the cancellation cause of a gated task interrupted by
	// a heavy process that outlasted Config.LongActivity.
	ErrLongActivity = errors.New("heavy activity outlasted the task")
	ErrGateClosed   = errors.New("heavy gate closed")
)

var afterFunc = time.AfterFunc

type Config struct {
	// Debounce is how long the combined state must hold before listeners
	// are told about a transition.
	Debounce time.Duration
	// GraceDelay is how long the gate must stay calm before a gated task starts.
	GraceDelay time.Duration
	// LongActivity is how long a heavy process may run alongside a gated
	// task before the task is cancelled.
	LongActivity time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:     time.Second,
		GraceDelay:   5 * time.Second,
		LongActivity: time.Minute,
	}
}

type Listener interface {
	OnHeavyStarted()
	OnHeavyEnded()
}

// ListenerFuncs adapts a pair of functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Started func()
	Ended   func()
}

func (l ListenerFuncs) OnHeavyStarted() {
	if l.Started != nil {
		l.Started()
	}
}

func (l ListenerFuncs) OnHeavyEnded() {
	if l.Ended != nil {
		l.Ended()
	}
}

// Gate combines the heavy-process and power-save signals. Its state machine
// keeps the last known value of each source, the value last reported to
// listeners and a pending debounce timer.
type Gate struct {
	heavy     HeavySource
	powerSave Signal
	cfg       Config
	listeners []Listener

	mu          sync.Mutex
	heavyOn     bool
	powerSaveOn bool
	notified    bool
	changed     chan struct{}
	closed      bool

	debouncer   *debounce.Debouncer
	unsubscribe []func()

	wake   chan struct{}
	fire   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGate subscribes to both sources and starts the notification pipeline.
// Close tears it down.
func NewGate(heavy HeavySource, powerSave Signal, cfg Config, listeners ...Listener) *Gate {
	if heavy == nil || powerSave == nil {
		panic("heavy: NewGate requires both signal sources")
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		heavy:       heavy,
		powerSave:   powerSave,
		cfg:         cfg,
		listeners:   listeners,
		heavyOn:     heavy.Active(),
		powerSaveOn: powerSave.Active(),
		changed:     make(chan struct{}),
		wake:        make(chan struct{}, 1),
		fire:        make(chan struct{}, 1),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	g.debouncer = debounce.New(cfg.Debounce, func() { poke(g.fire) })
	g.unsubscribe = []func(){
		heavy.Subscribe(func(bool) { g.sourceChanged() }),
		powerSave.Subscribe(func(bool) { g.sourceChanged() }),
	}
	go g.run(ctx)
	poke(g.wake)
	return g
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (g *Gate) sourceChanged() {
	g.mu.Lock()
	heavyOn, powerSaveOn := g.heavy.Active(), g.powerSave.Active()
	if heavyOn == g.heavyOn && powerSaveOn == g.powerSaveOn {
		g.mu.Unlock()
		return
	}
	g.heavyOn, g.powerSaveOn = heavyOn, powerSaveOn
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
	poke(g.wake)
}

func (g *Gate) run(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
			g.mu.Lock()
			pending := g.heavyOn || g.powerSaveOn
			notified := g.notified
			g.mu.Unlock()
			if pending != notified {
				g.debouncer.Trigger()
			} else {
				// Reverted before the debounce delay elapsed.
				g.debouncer.Stop()
			}
		case <-g.fire:
			g.mu.Lock()
			current := g.heavyOn || g.powerSaveOn
			if current == g.notified {
				g.mu.Unlock()
				continue
			}
			g.notified = current
			g.mu.Unlock()
			g.notify(current)
		}
	}
}

func (g *Gate) notify(heavy bool) {
	if heavy {
		slog.Debug("heavy activity gate closed to background work")
		metrics.HeavyTransitions.WithLabelValues("started").Inc()
	} else {
		slog.Debug("heavy activity gate open to background work")
		metrics.HeavyTransitions.WithLabelValues("ended").Inc()
	}
	for _, l := range g.listeners {
		if heavy {
			l.OnHeavyStarted()
		} else {
			l.OnHeavyEnded()
		}
	}
}

// Close unsubscribes from both sources and stops the pipeline. Pending
// notifications are dropped. Safe to call more than once.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
	for _, unsubscribe := range g.unsubscribe {
		unsubscribe()
	}
	g.debouncer.Stop()
	g.cancel()
	<-g.done
}

// IsHeavy reports whether a heavy process runs or power save is on.
func (g *Gate) IsHeavy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heavyOn || g.powerSaveOn
}

func (g *Gate) state() (heavy bool, closed bool, changed <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heavyOn || g.powerSaveOn, g.closed, g.changed
}

// ExecuteOutOfHeavyOrPowerSave runs fn once the gate has been calm for
// Config.GraceDelay. fn's context is cancelled if power save turns on, or if
// a heavy process starts and lasts longer than Config.LongActivity; fn is
// expected to observe it. Cancelling ctx (or the future) before fn starts
// means fn never runs.
func (g *Gate) ExecuteOutOfHeavyOrPowerSave(ctx context.Context, fn func(ctx context.Context) error) *task.Future[struct{}] {
	return task.Go(ctx, func(ctx context.Context) (struct{}, error) {
		err := g.execute(ctx, fn)
		switch {
		case err == nil:
			metrics.GatedTasks.WithLabelValues("done").Inc()
		case task.IsAborted(err) || errors.Is(err, context.Canceled):
			metrics.GatedTasks.WithLabelValues("aborted").Inc()
		default:
			metrics.GatedTasks.WithLabelValues("failed").Inc()
		}
		return struct{}{}, err
	})
}

func (g *Gate) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.waitOutOfHeavy(ctx); err != nil {
		return task.Aborted(err)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	unsubscribe := g.powerSave.Subscribe(func(on bool) {
		if on {
			cancel(ErrPowerSave)
		}
	})
	defer unsubscribe()
	stopWatchdog := g.watchdog(cancel)
	defer stopWatchdog()
	if g.powerSave.Active() {
		cancel(ErrPowerSave)
	}
	if err := runCtx.Err(); err != nil {
		return task.Aborted(context.Cause(runCtx))
	}

	err := fn(runCtx)
	if err != nil && runCtx.Err() != nil && errors.Is(err, runCtx.Err()) {
		return task.Aborted(context.Cause(runCtx))
	}
	return err
}

// waitOutOfHeavy returns once the gate has been calm for the grace delay.
// Every state change restarts the wait.
func (g *Gate) waitOutOfHeavy(ctx context.Context) error {
	for {
		heavy, closed, changed := g.state()
		if closed {
			return ErrGateClosed
		}
		if heavy {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		timer := time.NewTimer(g.cfg.GraceDelay)
		select {
		case <-timer.C:
			if h, c, _ := g.state(); !h && !c {
				return nil
			}
		case <-changed:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// watchdog cancels the task when a heavy process started during its
// execution is still running after Config.LongActivity.
func (g *Gate) watchdog(cancel context.CancelCauseFunc) (stop func()) {
	var (
		mu      sync.Mutex
		pending *time.Timer
		stopped atomic.Bool
	)
	arm := func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil || stopped.Load() {
			return
		}
		pending = afterFunc(g.cfg.LongActivity, func() {
			if !stopped.Load() && g.heavy.Active() {
				slog.Debug("cancelling gated task after long heavy activity")
				cancel(ErrLongActivity)
			}
		})
	}
	disarm := func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil {
			pending.Stop()
			pending = nil
		}
	}
	unsubscribe := g.heavy.Subscribe(func(bool) {
		if g.heavy.Active() {
			arm()
		} else {
			disarm()
		}
	})
	if g.heavy.Active() {
		arm()
	}
	return func() {
		stopped.Store(true)
		unsubscribe()
		disarm()
	}
}

// RunLaterOutsideHeavy runs fn delay after the heavy-process source becomes
// idle. If a heavy process resumed during the delay the wait starts over.
// The returned function cancels the pending run.
func (g *Gate) RunLaterOutsideHeavy(fn func(), delay time.Duration) (cancel func()) {
	var stopped atomic.Bool
	var schedule func()
	schedule = func() {
		g.heavy.QueueOutOfHeavy(func() {
			afterFunc(delay, func() {
				if stopped.Load() {
					return
				}
				if _, closed, _ := g.state(); closed {
					return
				}
				if g.heavy.Active() {
					schedule()
					return
				}
				fn()
			})
		})
	}
	schedule()
	return func() { stopped.Store(true) }
}
