package session

import (
	"sync"
	"sync/atomic"
)

// Subscription is returned when a listener is added. Dispose is idempotent;
// a disposed listener never receives another delivery.
type Subscription interface {
	Dispose()
	IsDisposed() bool
}

type registration[L any] struct {
	listener L
	disposed atomic.Bool
	store    *listenerStore[L]
}

func (r *registration[L]) Dispose() {
	if r.disposed.Swap(true) {
		return
	}
	r.store.remove(r)
}

func (r *registration[L]) IsDisposed() bool { return r.disposed.Load() }

// listenerStore keeps registrations in subscription order. Deliveries work
// from a snapshot and re-check IsDisposed right before each call.
type listenerStore[L any] struct {
	mu   sync.Mutex
	regs []*registration[L]
}

func newListenerStore[L any]() *listenerStore[L] { return new(listenerStore[L]) }

func (s *listenerStore[L]) newRegistration(l L) *registration[L] {
	return &registration[L]{listener: l, store: s}
}

// add activates r unless it was disposed before registration ran.
func (s *listenerStore[L]) add(r *registration[L]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.IsDisposed() {
		return false
	}
	s.regs = append(s.regs, r)
	return true
}

func (s *listenerStore[L]) remove(r *registration[L]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.regs {
		if reg == r {
			s.regs = append(s.regs[:i:i], s.regs[i+1:]...)
			return
		}
	}
}

func (s *listenerStore[L]) snapshot() []*registration[L] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*registration[L](nil), s.regs...)
}
