// Package memory provides an in-memory session repository for tests, the
// simulated device and hosts that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/storage/codec"
)

var _ session.Repository = (*SessionStore)(nil)

// SessionStore keeps deep copies of records so readers never observe a
// partially written record. Failures pass through the blob codec on write,
// so exceptional causes come back the same way a durable store returns them.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session.Record
	now      func() time.Time
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[uuid.UUID]*session.Record), now: time.Now}
}

// Upsert stores a copy of r.
func (s *SessionStore) Upsert(_ context.Context, r *session.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c := r.Clone()
	f, err := roundTrip(c.State.Failure)
	if err != nil {
		return err
	}
	c.State.Failure = f

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[r.ID] = c
	return nil
}

// Get returns a copy of the record for id.
func (s *SessionStore) Get(_ context.Context, id uuid.UUID) (*session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return r.Clone(), nil
}

// GetAll returns every record ordered by creation time.
func (s *SessionStore) GetAll(context.Context) ([]*session.Record, error) {
	return s.list(func(*session.Record) bool { return true }), nil
}

// GetActive returns non-terminal records ordered by creation time.
func (s *SessionStore) GetActive(context.Context) ([]*session.Record, error) {
	return s.list(func(r *session.Record) bool { return !r.State.IsTerminal() }), nil
}

func (s *SessionStore) list(keep func(*session.Record) bool) []*session.Record {
	s.mu.RLock()
	out := make([]*session.Record, 0, len(s.sessions))
	for _, r := range s.sessions {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateState replaces the state tag and failure together.
func (s *SessionStore) UpdateState(_ context.Context, id uuid.UUID, st session.State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	f, err := roundTrip(st.Failure)
	if err != nil {
		return err
	}
	return s.update(id, func(r *session.Record) {
		r.State = session.State{Kind: st.Kind, Failure: f}
	})
}

func (s *SessionStore) TouchLaunch(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.update(id, func(r *session.Record) { r.LastLaunchAt = at })
}

func (s *SessionStore) TouchCommit(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.update(id, func(r *session.Record) { r.LastCommitAt = at })
}

func (s *SessionStore) SetNativeSessionID(_ context.Context, id uuid.UUID, nativeID int) error {
	return s.update(id, func(r *session.Record) { r.NativeSessionID = nativeID })
}

func (s *SessionStore) update(id uuid.UUID, fn func(r *session.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	c := r.Clone()
	fn(c)
	c.UpdatedAt = s.now()
	s.sessions[id] = c
	return nil
}

func roundTrip(f *session.Failure) (*session.Failure, error) {
	if f == nil {
		return nil, nil
	}
	out, err := codec.DecodeFailure(codec.EncodeFailure(f))
	if err != nil {
		return nil, fmt.Errorf("encoding failure: %w", err)
	}
	return out, nil
}
