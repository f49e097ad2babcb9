package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/executor"
	"github.com/ahrav/ackpine/internal/infra/storage/memory"
	"github.com/ahrav/ackpine/pkg/common/logger"
	"github.com/ahrav/ackpine/pkg/future"
)

const waitTimeout = 2 * time.Second

func newTestDeps(t *testing.T, repo session.Repository) *Deps {
	t.Helper()

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	pool := executor.NewPool(4, log)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	metrics, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	return &Deps{
		Repo:    repo,
		Pool:    pool,
		Logger:  log,
		Tracer:  noop.NewTracerProvider().Tracer("test"),
		Metrics: metrics,
	}
}

// fakeBackend lets tests script Prepare and LaunchConfirmation.
type fakeBackend struct {
	prepare  func(ctx context.Context, h Handle) error
	launch   func(ctx context.Context, h Handle, notificationID int) error
	prepared atomic.Int32
	launched atomic.Int32
	cleanups atomic.Int32
}

func (b *fakeBackend) Prepare(ctx context.Context, h Handle) error {
	b.prepared.Add(1)
	if b.prepare != nil {
		return b.prepare(ctx, h)
	}
	h.NotifyAwaiting()
	return nil
}

func (b *fakeBackend) LaunchConfirmation(ctx context.Context, h Handle, notificationID int) error {
	b.launched.Add(1)
	if b.launch != nil {
		return b.launch(ctx, h, notificationID)
	}
	h.NotifyCommitted()
	return nil
}

func (b *fakeBackend) Cleanup(Handle) { b.cleanups.Add(1) }

type staticSelector struct{ backend Backend }

func (s staticSelector) Select(*session.Record) (Backend, error) { return s.backend, nil }

// stateRecorder collects the states delivered to one listener.
type stateRecorder struct {
	mu     sync.Mutex
	states []session.State
}

func (r *stateRecorder) listen(_ uuid.UUID, s session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) kinds() []session.StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.StateKind, len(r.states))
	for i, s := range r.states {
		out[i] = s.Kind
	}
	return out
}

func (r *stateRecorder) last() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return session.State{}
	}
	return r.states[len(r.states)-1]
}

type countingCanceller struct{ calls atomic.Int32 }

func (c *countingCanceller) CancelNotification(string, int) { c.calls.Add(1) }

// flakyRepo fails UpdateState for selected target states.
type flakyRepo struct {
	*memory.SessionStore

	mu        sync.Mutex
	failOn    map[session.StateKind]error
	failWrite error
}

func newFlakyRepo() *flakyRepo {
	return &flakyRepo{SessionStore: memory.NewSessionStore(), failOn: make(map[session.StateKind]error)}
}

func (r *flakyRepo) failState(k session.StateKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[k] = err
}

func (r *flakyRepo) UpdateState(ctx context.Context, id uuid.UUID, s session.State) error {
	r.mu.Lock()
	err := r.failOn[s.Kind]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.SessionStore.UpdateState(ctx, id, s)
}

func (r *flakyRepo) Upsert(ctx context.Context, rec *session.Record) error {
	r.mu.Lock()
	err := r.failWrite
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.SessionStore.Upsert(ctx, rec)
}

func installParams(t *testing.T) session.InstallParameters {
	t.Helper()
	p, err := session.NewInstallBuilder("content://app.apk").
		SetConfirmation(session.ConfirmationImmediate).
		Build()
	require.NoError(t, err)
	return p
}

func waitForKind(t *testing.T, m *Machine, kind session.StateKind) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State().Kind == kind },
		waitTimeout, 5*time.Millisecond, "session stayed in %s, want %s", m.State().Kind, kind)
}

func await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return f.Get(ctx)
}
