// Package task provides the cancellable futures returned by the log engine's
// asynchronous operations.
package task

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted reports that an operation was cancelled before it produced a
// result. It is distinct from both success and ordinary failure.
var ErrAborted = errors.New("operation aborted")

// Aborted wraps cause so that errors.Is matches both ErrAborted and cause.
func Aborted(cause error) error {
	if cause == nil {
		return ErrAborted
	}
	if errors.Is(cause, ErrAborted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

// IsAborted reports whether err is a cancellation outcome.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// Future is the handle of a computation running in its own goroutine.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	value  T
	err    error
}

// Go starts fn with a context derived from ctx. Context errors returned by fn
// are reported as ErrAborted.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		value, err := fn(ctx)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			err = Aborted(err)
		}
		f.value, f.err = value, err
		close(f.done)
	}()
	return f
}

// Resolved returns an already completed future.
func Resolved[T any](value T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), cancel: func() {}, value: value, err: err}
	close(f.done)
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Cancel raises the cancellation signal of the running computation. It does
// not wait for the computation to observe it.
func (f *Future[T]) Cancel() {
	f.cancel()
}

// Wait blocks until the result is available or ctx is done. Giving up on the
// wait abandons the whole operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		f.cancel()
		var zero T
		return zero, Aborted(ctx.Err())
	}
}

// Result returns the outcome without blocking; ok is false while running.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
