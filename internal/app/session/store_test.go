package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/executor"
	"github.com/ahrav/ackpine/internal/infra/storage/memory"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t, memory.NewSessionStore())
	store := NewStore(deps.Repo, deps.Pool)
	ctx := context.Background()

	rec := installParams(t).NewRecord(uuid.New(), 1, time.Now())
	_, err := await(t, store.UpsertAsync(ctx, rec))
	require.NoError(t, err)

	// Mutating the caller's copy after the call has no effect on the stored one.
	rec.State = session.Cancelled

	got, err := await(t, store.GetAsync(ctx, rec.ID))
	require.NoError(t, err)
	assert.Equal(t, session.Pending, got.State)

	all, err := await(t, store.GetAllAsync(ctx))
	require.NoError(t, err)
	assert.Len(t, all, 1)

	active, err := await(t, store.GetActiveAsync(ctx))
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = await(t, store.GetAsync(ctx, uuid.New()))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStore_CancelledCallerContextStillCompletes(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t, memory.NewSessionStore())
	store := NewStore(deps.Repo, deps.Pool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := installParams(t).NewRecord(uuid.New(), 1, time.Now())
	_, err := await(t, store.UpsertAsync(ctx, rec))
	require.NoError(t, err)

	_, err = deps.Repo.Get(context.Background(), rec.ID)
	assert.NoError(t, err)
}

func TestStore_ClosedPool(t *testing.T) {
	t.Parallel()

	pool := executor.NewPool(1, logger.New(io.Discard, logger.LevelDebug, "test", nil))
	require.NoError(t, pool.Close(context.Background()))
	store := NewStore(memory.NewSessionStore(), pool)

	_, err := await(t, store.GetAllAsync(context.Background()))
	assert.ErrorIs(t, err, executor.ErrPoolClosed)
}
