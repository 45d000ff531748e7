// Package uiloop implements the single UI-owning execution context. State that
// is documented as UI-owned is only touched from functions run by a Loop.
package uiloop

import (
	"context"
	"log/slog"
	"sync"

	"github.com/thiagokokada/vcslog/internal/task"
)

// Executor schedules fn on the UI-owning context.
type Executor interface {
	Post(fn func())
}

// Loop runs posted functions one at a time, in posting order, on the
// goroutine that called Run.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post never blocks.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run processes posted functions until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		for _, fn := range l.drain() {
			l.runOne(fn)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Start runs the loop in a new goroutine. The returned function stops it and
// waits for the goroutine to exit.
func (l *Loop) Start() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_ = l.Run(ctx)
	}()
	return func() {
		cancel()
		<-exited
	}
}

// Invoke runs fn on the loop and waits for it to return.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return task.Aborted(ctx.Err())
	}
}

func (l *Loop) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.queue
	l.queue = nil
	return queue
}

func (l *Loop) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ui loop task panicked", slog.Any("panic", r))
			panic(r)
		}
	}()
	fn()
}
