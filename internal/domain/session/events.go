package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/events"
)

// Event types relevant to sessions.
const (
	EventTypeSessionStateChanged events.EventType = "SessionStateChanged"
)

// StateChangedEvent is published after a state transition has been persisted.
type StateChangedEvent struct {
	occurredAt time.Time
	SessionID  uuid.UUID
	Type       Type
	From       State
	To         State
}

// NewStateChangedEvent creates a StateChangedEvent stamped with the current time.
func NewStateChangedEvent(id uuid.UUID, t Type, from, to State) StateChangedEvent {
	return StateChangedEvent{occurredAt: time.Now(), SessionID: id, Type: t, From: from, To: to}
}

func (e StateChangedEvent) EventType() events.EventType { return EventTypeSessionStateChanged }
func (e StateChangedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e StateChangedEvent) Key() string                 { return e.SessionID.String() }
