package ackpine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/session"
)

// ErrSessionCancelled is returned by Await for a cancelled session.
var ErrSessionCancelled = errors.New("session was cancelled")

// Await drives s until it completes and returns its final state. Pending
// and interrupted Active sessions are launched and Awaiting sessions are
// committed, so Await also resumes sessions recovered after a restart.
//
// An exceptional failure is returned as an error wrapping its cause; other
// failures are ordinary results. If ctx ends first the session is cancelled.
func Await(ctx context.Context, s *Session) (session.State, error) {
	done := make(chan session.State, 1)
	sub := s.AddStateListener(func(_ uuid.UUID, st session.State) {
		switch st.Kind {
		case session.StatePending, session.StateActive:
			s.Launch()
		case session.StateAwaiting:
			s.Commit()
		}
		if st.IsTerminal() {
			select {
			case done <- st:
			default:
			}
		}
	})
	defer sub.Dispose()

	select {
	case <-ctx.Done():
		s.Cancel()
		return s.State(), ctx.Err()
	case st := <-done:
		switch {
		case st.Kind == session.StateCancelled:
			return st, ErrSessionCancelled
		case st.Failure != nil && st.Failure.Kind == session.FailureExceptional:
			return st, *st.Failure
		}
		return st, nil
	}
}
