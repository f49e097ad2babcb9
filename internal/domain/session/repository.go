package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists session records. Implementations must make every
// method atomic with respect to a single record, and UpdateState must write
// the state tag and its failure together.
type Repository interface {
	// Upsert inserts or replaces the full record.
	Upsert(ctx context.Context, r *Record) error

	// Get returns ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// GetAll returns every stored session ordered by creation time.
	GetAll(ctx context.Context) ([]*Record, error)

	// GetActive returns the sessions that are not in a terminal state.
	GetActive(ctx context.Context) ([]*Record, error)

	UpdateState(ctx context.Context, id uuid.UUID, s State) error
	TouchLaunch(ctx context.Context, id uuid.UUID, at time.Time) error
	TouchCommit(ctx context.Context, id uuid.UUID, at time.Time) error
	SetNativeSessionID(ctx context.Context, id uuid.UUID, nativeID int) error
}
