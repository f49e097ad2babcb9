package confirmation

import (
	"context"

	"github.com/google/uuid"

	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/pkg/future"
)

// Activity result codes reported to Surface.OnResult.
const (
	ResultOK       = -1
	ResultCanceled = 0
)

// Launcher starts a confirmation surface for an intent right away.
type Launcher interface {
	Start(ctx context.Context, intent session.Intent) error
}

// Priority orders notifications on the device.
type Priority int

const (
	PriorityDefault Priority = 0
	PriorityHigh    Priority = 1
	PriorityMax     Priority = 2
)

// Notification is a deferred confirmation prompt. Tapping it delivers Intent
// to the host, which then opens a surface.
type Notification struct {
	Tag      string
	ID       int
	Icon     session.NotificationIcon
	Title    string
	Text     string
	Priority Priority
	Intent   session.Intent
}

// Notifier posts and withdraws notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Cancel(tag string, id int)
}

// Window is the host UI a surface is shown in.
type Window interface {
	// StartForResult shows the system UI for intent. Its outcome arrives
	// through Surface.OnResult with the same request code.
	StartForResult(intent session.Intent, requestCode int) error
	Finish()
}

// SessionSource resolves sessions of one type by id. The session manager
// implements it.
type SessionSource interface {
	GetSessionAsync(ctx context.Context, id uuid.UUID) *future.Future[*appsession.Machine]
}
