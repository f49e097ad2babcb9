package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/executor"
	"github.com/ahrav/ackpine/pkg/future"
)

// Store runs repository calls on the worker pool and exposes them as
// futures. Cancelling a returned future only withdraws the caller's
// interest; the repository call still completes.
type Store struct {
	repo session.Repository
	pool executor.Executor
}

// NewStore wraps repo.
func NewStore(repo session.Repository, pool executor.Executor) *Store {
	return &Store{repo: repo, pool: pool}
}

// Repository returns the wrapped repository.
func (s *Store) Repository() session.Repository { return s.repo }

func (s *Store) GetAsync(ctx context.Context, id uuid.UUID) *future.Future[*session.Record] {
	return submitAsync(s.pool, func() (*session.Record, error) {
		return s.repo.Get(context.WithoutCancel(ctx), id)
	})
}

func (s *Store) GetAllAsync(ctx context.Context) *future.Future[[]*session.Record] {
	return submitAsync(s.pool, func() ([]*session.Record, error) {
		return s.repo.GetAll(context.WithoutCancel(ctx))
	})
}

func (s *Store) GetActiveAsync(ctx context.Context) *future.Future[[]*session.Record] {
	return submitAsync(s.pool, func() ([]*session.Record, error) {
		return s.repo.GetActive(context.WithoutCancel(ctx))
	})
}

func (s *Store) UpsertAsync(ctx context.Context, r *session.Record) *future.Future[struct{}] {
	r = r.Clone()
	return submitAsync(s.pool, func() (struct{}, error) {
		return struct{}{}, s.repo.Upsert(context.WithoutCancel(ctx), r)
	})
}

// submitAsync runs fn on pool and resolves the returned future with its result.
func submitAsync[T any](pool executor.Executor, fn func() (T, error)) *future.Future[T] {
	f, resolve := future.New[T]()
	if err := pool.Submit(func() { resolve(fn()) }); err != nil {
		var zero T
		resolve(zero, fmt.Errorf("scheduling store call: %w", err))
	}
	return f
}
