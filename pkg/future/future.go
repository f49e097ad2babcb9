// Package future provides a minimal completion handle for work that runs on
// a worker pool. A Future is resolved exactly once. Cancelling it withdraws
// the caller's interest only; the underlying work still runs to completion.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Get after Cancel has been called on a future
// that had not yet resolved.
var ErrCancelled = errors.New("future cancelled")

// Future is a handle to a value that becomes available later.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	value     T
	err       error
	cancelled bool
	callbacks []func(T, error)
}

// New returns an unresolved Future together with the function that resolves it.
func New[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.resolve
}

// Resolved returns a Future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f, resolve := New[T]()
	resolve(v, err)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value, f.err = v, err
		callbacks := f.callbacks
		f.callbacks = nil
		cancelled := f.cancelled
		close(f.done)
		f.mu.Unlock()

		if cancelled {
			return
		}
		for _, cb := range callbacks {
			cb(v, err)
		}
	})
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get blocks until the future resolves or ctx is done. It must not be called
// from a pool worker that the resolving task depends on.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		var zero T
		return zero, ErrCancelled
	}
	return f.value, f.err
}

// Then registers fn to run with the result. If the future is already resolved
// fn runs synchronously on the calling goroutine; otherwise it runs on the
// goroutine that resolves the future. Callbacks are dropped after Cancel.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err, cancelled := f.value, f.err, f.cancelled
		f.mu.Unlock()
		if !cancelled {
			fn(v, err)
		}
		return
	default:
	}
	if f.cancelled {
		f.mu.Unlock()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Cancel withdraws interest in the result. It reports whether the future was
// still pending. The work producing the value is unaffected.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return false
	default:
	}
	f.cancelled = true
	f.callbacks = nil
	return true
}

// IsCancelled reports whether Cancel took effect.
func (f *Future[T]) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}
