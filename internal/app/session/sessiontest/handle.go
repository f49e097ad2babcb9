// Package sessiontest provides a recording session handle for backend tests.
package sessiontest

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/session"
)

// Handle records every call a backend makes. It applies no state machine
// rules.
type Handle struct {
	mu        sync.Mutex
	rec       *session.Record
	awaiting  int
	committed int
	completed []session.State
	progress  []int

	// NativeIDErr, when set, is returned by SetNativeSessionID.
	NativeIDErr error
}

// NewHandle returns a handle over a copy of rec.
func NewHandle(rec *session.Record) *Handle { return &Handle{rec: rec.Clone()} }

func (h *Handle) ID() uuid.UUID      { return h.rec.ID }
func (h *Handle) Type() session.Type { return h.rec.Type }

func (h *Handle) Record() *session.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec.Clone()
}

func (h *Handle) NotifyAwaiting() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.awaiting++
}

func (h *Handle) NotifyCommitted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.committed++
}

func (h *Handle) Complete(s session.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, s)
}

func (h *Handle) CompleteExceptionally(err error) {
	h.Complete(session.Failed(session.Exceptional(h.rec.Type, err)))
}

func (h *Handle) SetProgress(p session.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, p.Progress)
}

func (h *Handle) SetNativeSessionID(_ context.Context, nativeID int) error {
	if h.NativeIDErr != nil {
		return h.NativeIDErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rec.NativeSessionID = nativeID
	return nil
}

// Awaiting returns how many times NotifyAwaiting was called.
func (h *Handle) Awaiting() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awaiting
}

// Committed returns how many times NotifyCommitted was called.
func (h *Handle) Committed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.committed
}

// Completions returns the states passed to Complete, in order.
func (h *Handle) Completions() []session.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.completed)
}

// Progress returns the reported progress values, in order.
func (h *Handle) Progress() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.progress)
}
