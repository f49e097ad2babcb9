package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/ackpine/pkg/common/logger"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := NewPool(size, logger.Noop())
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestPool_SubmitDoesNotBlock(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1)
	release := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-release }))

	done := make(chan struct{})
	go func() {
		for range 100 {
			_ = p.Submit(func() {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while the only worker was busy")
	}
	close(release)
}

func TestPool_CloseDrainsAndRejects(t *testing.T) {
	t.Parallel()

	p := NewPool(2, logger.Noop())
	var ran atomic.Int32
	for range 50 {
		require.NoError(t, p.Submit(func() { ran.Add(1) }))
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(50), ran.Load())
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
}

func TestPool_RecoversPanics(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1)
	require.NoError(t, p.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestSerial_PreservesOrderAndExclusion(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 8)
	s := NewSerial(p)

	const n = 500
	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	wg.Add(n)
	for i := range n {
		require.NoError(t, s.Submit(func() {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
		}))
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "two tasks of one serial queue overlapped")
	require.Len(t, order, n)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerial_IndependentQueuesRunConcurrently(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2)
	a, b := NewSerial(p), NewSerial(p)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, a.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	done := make(chan struct{})
	require.NoError(t, b.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue b waited on queue a")
	}
	close(release)
}

func TestSerial_ContinuesAfterPanic(t *testing.T) {
	t.Parallel()

	s := NewSerial(newTestPool(t, 1))
	require.NoError(t, s.Submit(func() { panic("task failed") }))

	done := make(chan struct{})
	require.NoError(t, s.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serial queue stalled after panic")
	}
}

func TestBinarySemaphore(t *testing.T) {
	t.Parallel()

	sem := NewBinarySemaphore()
	require.True(t, sem.TryAcquire())
	assert.False(t, sem.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, sem.Acquire(ctx))

	sem.Release()
	called := false
	require.NoError(t, sem.WithPermit(context.Background(), func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
	assert.True(t, sem.TryAcquire())
}
