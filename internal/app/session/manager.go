package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/executor"
	"github.com/ahrav/ackpine/pkg/common/logger"
	"github.com/ahrav/ackpine/pkg/future"
)

// Manager creates sessions and recovers persisted ones. Recovery is lazy: a
// session is materialized on first access by id, and all sessions are
// materialized the first time they are listed.
type Manager struct {
	deps     *Deps
	store    *Store
	selector BackendSelector
	ids      *NotificationIDs
	log      *logger.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Machine

	initialized atomic.Bool
	indexGuard  *executor.BinarySemaphore
	loads       singleflight.Group
}

// NewManager creates a manager. ids may be nil to use a randomly seeded
// counter.
func NewManager(deps *Deps, selector BackendSelector, ids *NotificationIDs) *Manager {
	if ids == nil {
		ids = RandomNotificationIDs()
	}
	return &Manager{
		deps:       deps,
		store:      NewStore(deps.Repo, deps.Pool),
		selector:   selector,
		ids:        ids,
		log:        deps.Logger.With("component", "session.manager"),
		sessions:   make(map[uuid.UUID]*Machine),
		indexGuard: executor.NewBinarySemaphore(),
	}
}

// CreateSession validates params and returns a new session immediately. The
// session is persisted by its first queued task; if that fails the session
// completes exceptionally.
func (m *Manager) CreateSession(ctx context.Context, params session.Parameters) (*Machine, error) {
	ctx, span := m.deps.Tracer.Start(ctx, "session.manager.create_session",
		trace.WithAttributes(attribute.String("type", string(params.SessionType()))))
	defer span.End()

	if err := params.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	rec := params.NewRecord(uuid.New(), m.ids.Next(), m.deps.now())
	backend, err := m.selector.Select(rec)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("selecting backend: %w", err)
	}
	rec.State = session.Creating

	machine := newMachine(rec, backend, m.deps)
	m.mu.Lock()
	m.sessions[rec.ID] = machine
	m.mu.Unlock()

	machine.insert()
	m.deps.Metrics.IncSessionsCreated(ctx, rec.Type)
	m.log.Info(ctx, "session created",
		"session_id", rec.ID.String(),
		"type", string(rec.Type),
		"installer_type", rec.InstallerType,
	)
	return machine, nil
}

// GetSessionAsync resolves the session with id, or nil if none exists.
func (m *Manager) GetSessionAsync(ctx context.Context, id uuid.UUID) *future.Future[*Machine] {
	if machine := m.cached(id); machine != nil {
		return future.Resolved(machine, nil)
	}

	return submitAsync(m.deps.Pool, func() (*Machine, error) {
		v, err, _ := m.loads.Do(id.String(), func() (any, error) {
			if machine := m.cached(id); machine != nil {
				return machine, nil
			}
			rec, err := m.deps.Repo.Get(context.WithoutCancel(ctx), id)
			if err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					return (*Machine)(nil), nil
				}
				return nil, fmt.Errorf("loading session %s: %w", id, err)
			}
			return m.materialize(rec)
		})
		if err != nil {
			return nil, err
		}
		return v.(*Machine), nil
	})
}

// GetSessionsAsync resolves every known session ordered by creation time.
func (m *Manager) GetSessionsAsync(ctx context.Context) *future.Future[[]*Machine] {
	return submitAsync(m.deps.Pool, func() ([]*Machine, error) {
		if err := m.initializeAll(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		return m.snapshot(func(*Machine) bool { return true }), nil
	})
}

// GetActiveSessionsAsync resolves the sessions that are not terminal.
func (m *Manager) GetActiveSessionsAsync(ctx context.Context) *future.Future[[]*Machine] {
	return submitAsync(m.deps.Pool, func() ([]*Machine, error) {
		if err := m.initializeAll(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		return m.snapshot((*Machine).IsActive), nil
	})
}

// Store exposes the asynchronous record store.
func (m *Manager) Store() *Store { return m.store }

// initializeAll materializes every stored session once. It runs on a pool
// worker and holds the index guard while loading.
func (m *Manager) initializeAll(ctx context.Context) error {
	if m.initialized.Load() {
		return nil
	}
	return m.indexGuard.WithPermit(ctx, func() error {
		if m.initialized.Load() {
			return nil
		}

		recs, err := m.deps.Repo.GetAll(ctx)
		if err != nil {
			return fmt.Errorf("loading sessions: %w", err)
		}
		for _, rec := range recs {
			if _, err := m.materialize(rec); err != nil {
				m.log.Warn(ctx, "skipping unrecoverable session", "session_id", rec.ID.String(), "error", err)
			}
		}

		m.initialized.Store(true)
		m.log.Info(ctx, "sessions recovered", "count", len(recs))
		return nil
	})
}

// materialize builds a machine for rec unless one is already cached.
func (m *Manager) materialize(rec *session.Record) (*Machine, error) {
	if machine := m.cached(rec.ID); machine != nil {
		return machine, nil
	}
	backend, err := m.selector.Select(rec)
	if err != nil {
		return nil, fmt.Errorf("selecting backend for session %s: %w", rec.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if machine, ok := m.sessions[rec.ID]; ok {
		return machine, nil
	}
	machine := newMachine(rec, backend, m.deps)
	m.sessions[rec.ID] = machine
	return machine, nil
}

func (m *Manager) cached(id uuid.UUID) *Machine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) snapshot(keep func(*Machine) bool) []*Machine {
	m.mu.RLock()
	out := make([]*Machine, 0, len(m.sessions))
	for _, machine := range m.sessions {
		if keep(machine) {
			out = append(out, machine)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Machine) int {
		if c := a.rec.CreatedAt.Compare(b.rec.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.rec.ID[:], b.rec.ID[:])
	})
	return out
}
