package executor

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// BinarySemaphore is a single-permit semaphore. Acquire must only be called
// from pool goroutines, never from a caller's goroutine.
type BinarySemaphore struct {
	sem *semaphore.Weighted
}

// NewBinarySemaphore returns an unlocked semaphore.
func NewBinarySemaphore() *BinarySemaphore {
	return &BinarySemaphore{sem: semaphore.NewWeighted(1)}
}

// Acquire waits for the permit or until ctx is done.
func (b *BinarySemaphore) Acquire(ctx context.Context) error { return b.sem.Acquire(ctx, 1) }

// TryAcquire takes the permit if it is free.
func (b *BinarySemaphore) TryAcquire() bool { return b.sem.TryAcquire(1) }

// Release returns the permit.
func (b *BinarySemaphore) Release() { b.sem.Release(1) }

// WithPermit runs fn while holding the permit.
func (b *BinarySemaphore) WithPermit(ctx context.Context, fn func() error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return fn()
}
