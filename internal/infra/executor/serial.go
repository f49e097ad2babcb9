package executor

import (
	"sync"
)

// Serial executes tasks strictly in submission order on an underlying
// executor, never more than one at a time. Different Serial instances over
// the same pool run concurrently.
type Serial struct {
	mu     sync.Mutex
	tasks  []func()
	active bool
	exec   Executor
}

var _ Executor = (*Serial)(nil)

// NewSerial returns a serial queue backed by exec.
func NewSerial(exec Executor) *Serial {
	return &Serial{exec: exec}
}

// Submit appends task to the queue. It never blocks on running tasks.
func (s *Serial) Submit(task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = append(s.tasks, task)
	if s.active {
		return nil
	}
	return s.scheduleNextLocked()
}

func (s *Serial) scheduleNextLocked() error {
	if len(s.tasks) == 0 {
		s.active = false
		return nil
	}
	next := s.tasks[0]
	s.tasks[0] = nil
	s.tasks = s.tasks[1:]
	s.active = true

	err := s.exec.Submit(func() {
		defer func() {
			s.mu.Lock()
			_ = s.scheduleNextLocked()
			s.mu.Unlock()
		}()
		next()
	})
	if err != nil {
		s.active = false
		s.tasks = nil
		return err
	}
	return nil
}
