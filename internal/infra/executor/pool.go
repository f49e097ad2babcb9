// Package executor provides the concurrency primitives that back session
// execution: a bounded worker pool that never blocks submitters, per-key
// serial queues layered on top of it, and small mutual-exclusion helpers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/ahrav/ackpine/pkg/common/logger"
)

// ErrPoolClosed is returned when submitting to a pool that has been closed.
var ErrPoolClosed = errors.New("executor: pool closed")

// Executor runs submitted tasks asynchronously.
type Executor interface {
	Submit(task func()) error
}

// DefaultPoolSize scales the worker count to the number of cores.
func DefaultPoolSize() int {
	n := int(math.Round(float64(runtime.NumCPU()) * 1.8))
	return max(n, 2)
}

// Pool is a fixed-size worker pool with an unbounded FIFO queue. Submit only
// enqueues, so callers are never blocked by busy workers.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	wg     sync.WaitGroup
	logger *logger.Logger
}

var _ Executor = (*Pool)(nil)

// NewPool starts size workers. A non-positive size uses DefaultPoolSize.
func NewPool(size int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize()
	}
	p := &Pool{logger: log.With("component", "executor.pool")}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := range size {
		go p.worker(i)
	}
	return p
}

// Submit enqueues task for execution.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("executor: nil task")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// Close stops accepting tasks and waits for queued tasks to drain or for ctx
// to be done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining pool: %w", ctx.Err())
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(id, task)
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(context.Background(), "Task panicked",
				"worker", id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}
