// Package heavy decides when background log work may run: not while a heavy
// external process is in progress and not in power-save mode.
package heavy

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Signal is a boolean state with change notifications.
type Signal interface {
	Active() bool
	// Subscribe registers fn for state changes. fn runs on the goroutine
	// that changed the state and must not block.
	Subscribe(fn func(active bool)) (unsubscribe func())
}

// HeavySource is a Signal that can also defer work until it is inactive.
type HeavySource interface {
	Signal
	QueueOutOfHeavy(fn func())
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = map[int]func(bool){}
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
		})
	}
}

func (s *subscribers) notify(active bool) {
	s.mu.Lock()
	fns := slices.Collect(maps.Values(s.fns))
	s.mu.Unlock()
	for _, fn := range fns {
		fn(active)
	}
}

// Latch tracks heavy external processes. Activities nest: the latch is active
// while at least one of them has not ended.
type Latch struct {
	mu      sync.Mutex
	running map[string]int
	count   int
	queued  []func()
	subs    subscribers
}

func NewLatch() *Latch {
	return &Latch{running: map[string]int{}}
}

// Start marks the beginning of a heavy activity. The returned function ends
// it; calling it more than once has no further effect.
func (l *Latch) Start(name string) (end func()) {
	l.mu.Lock()
	l.count++
	l.running[name]++
	first := l.count == 1
	l.mu.Unlock()
	slog.Debug("heavy activity started", slog.String("name", name))
	if first {
		l.subs.notify(true)
	}
	var once sync.Once
	return func() { once.Do(func() { l.end(name) }) }
}

func (l *Latch) end(name string) {
	l.mu.Lock()
	l.count--
	if l.running[name]--; l.running[name] <= 0 {
		delete(l.running, name)
	}
	last := l.count == 0
	var queued []func()
	if last {
		queued = l.queued
		l.queued = nil
	}
	l.mu.Unlock()
	slog.Debug("heavy activity ended", slog.String("name", name))
	if !last {
		return
	}
	l.subs.notify(false)
	for _, fn := range queued {
		fn()
	}
}

func (l *Latch) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count > 0
}

// Running lists the names of the activities in progress.
func (l *Latch) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := slices.Collect(maps.Keys(l.running))
	slices.Sort(names)
	return names
}

func (l *Latch) Subscribe(fn func(active bool)) func() {
	return l.subs.add(fn)
}

// QueueOutOfHeavy runs fn once no heavy activity is in progress; immediately
// when the latch is idle.
func (l *Latch) QueueOutOfHeavy(fn func()) {
	l.mu.Lock()
	if l.count > 0 {
		l.queued = append(l.queued, fn)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	fn()
}

// Toggle is a settable Signal, used for power-save mode.
type Toggle struct {
	mu   sync.Mutex
	on   bool
	subs subscribers
}

func NewToggle(on bool) *Toggle {
	return &Toggle{on: on}
}

func (t *Toggle) Set(on bool) {
	t.mu.Lock()
	changed := t.on != on
	t.on = on
	t.mu.Unlock()
	if changed {
		t.subs.notify(on)
	}
}

func (t *Toggle) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}

func (t *Toggle) Subscribe(fn func(active bool)) func() {
	return t.subs.add(fn)
}
