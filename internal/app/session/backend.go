package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/session"
)

// Handle is the side of a session that backends, confirmation surfaces and
// the status receiver drive. Every method only queues work on the session's
// serial queue and returns immediately.
type Handle interface {
	ID() uuid.UUID
	Type() session.Type

	// Record returns a snapshot of the persisted session.
	Record() *session.Record

	NotifyAwaiting()
	NotifyCommitted()

	// Complete finishes the session with a Succeeded or Failed state.
	Complete(s session.State)

	// CompleteExceptionally fails the session with an exceptional failure
	// wrapping err.
	CompleteExceptionally(err error)

	SetProgress(p session.Progress)

	// SetNativeSessionID persists the OS session id bound to this session.
	SetNativeSessionID(ctx context.Context, nativeID int) error
}

// Backend drives the OS mechanism behind a session. Prepare and
// LaunchConfirmation run on the worker pool with the session context; a
// context.Canceled error is treated as cancellation and any other error
// completes the session exceptionally.
type Backend interface {
	// Prepare readies the session and eventually calls NotifyAwaiting, or
	// Complete for backends that finish without confirmation.
	Prepare(ctx context.Context, h Handle) error

	// LaunchConfirmation asks the OS to confirm the session. notificationID
	// identifies the deferred-confirmation notification.
	LaunchConfirmation(ctx context.Context, h Handle, notificationID int) error

	// Cleanup releases OS resources after cancellation.
	Cleanup(h Handle)
}

// BackendSelector picks the backend for a persisted session.
type BackendSelector interface {
	Select(r *session.Record) (Backend, error)
}

// CommitObserver is told every time a confirmation surface reports a commit.
type CommitObserver interface {
	OnCommitted(id uuid.UUID)
}

// NotificationCanceller withdraws a confirmation notification posted for a
// session.
type NotificationCanceller interface {
	CancelNotification(tag string, notificationID int)
}
