package confirmation

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/executor"
	"github.com/ahrav/ackpine/internal/infra/storage/memory"
	"github.com/ahrav/ackpine/pkg/common"
	"github.com/ahrav/ackpine/pkg/common/logger"
	"github.com/ahrav/ackpine/pkg/future"
)

const waitTimeout = 2 * time.Second

type fakeLauncher struct {
	mu      sync.Mutex
	intents []session.Intent
}

func (l *fakeLauncher) Start(_ context.Context, intent session.Intent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intents = append(l.intents, intent)
	return nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.intents)
}

type fakeNotifier struct {
	mu        sync.Mutex
	posted    []Notification
	cancelled []string
}

func (n *fakeNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posted = append(n.posted, note)
	return nil
}

func (n *fakeNotifier) Cancel(tag string, _ int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, tag)
}

type fakeWindow struct {
	started  atomic.Int32
	finished atomic.Int32
	lastCode atomic.Int64
}

func (w *fakeWindow) StartForResult(_ session.Intent, requestCode int) error {
	w.started.Add(1)
	w.lastCode.Store(int64(requestCode))
	return nil
}

func (w *fakeWindow) Finish() { w.finished.Add(1) }

type commitCounter struct{ n atomic.Int32 }

func (c *commitCounter) OnCommitted(uuid.UUID) { c.n.Add(1) }

// confirmingBackend prepares instantly and asks the orchestrator for an
// immediate confirmation on commit.
type confirmingBackend struct{ orch *Orchestrator }

func (b *confirmingBackend) Prepare(_ context.Context, h appsession.Handle) error {
	h.NotifyAwaiting()
	return nil
}

func (b *confirmingBackend) LaunchConfirmation(ctx context.Context, h appsession.Handle, notificationID int) error {
	rec := h.Record()
	return b.orch.Launch(ctx, Request{
		SessionID:      h.ID(),
		Confirmation:   rec.Confirmation,
		Notification:   rec.Notification,
		NotificationID: notificationID,
		Intent:         intentFor(h.ID()),
	})
}

func (b *confirmingBackend) Cleanup(appsession.Handle) {}

type selector struct{ backend appsession.Backend }

func (s selector) Select(*session.Record) (appsession.Backend, error) { return s.backend, nil }

type fixture struct {
	orch     *Orchestrator
	mgr      *appsession.Manager
	launcher *fakeLauncher
	notifier *fakeNotifier
	commits  *commitCounter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")
	pool := executor.NewPool(4, log)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	metrics, err := appsession.NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	f := &fixture{launcher: new(fakeLauncher), notifier: new(fakeNotifier), commits: new(commitCounter)}
	f.orch = NewOrchestrator(f.launcher, f.notifier, common.NewRateLimiter(100, 10), log, tracer)

	deps := &appsession.Deps{
		Repo:          memory.NewSessionStore(),
		Pool:          pool,
		Logger:        log,
		Tracer:        tracer,
		Metrics:       metrics,
		Observer:      f.commits,
		Notifications: f.orch,
	}
	f.mgr = appsession.NewManager(deps, selector{backend: &confirmingBackend{orch: f.orch}}, nil)
	f.orch.RegisterSource(session.TypeInstall, f.mgr)
	return f
}

func intentFor(id uuid.UUID) session.Intent {
	return session.Intent{
		Action:      session.ActionIntentInstall,
		SessionID:   id,
		SessionType: session.TypeInstall,
		Data:        "content://app.apk",
	}
}

// confirmingSession returns an awaiting session whose confirmation was
// requested.
func (f *fixture) confirmingSession(t *testing.T, c session.Confirmation) *appsession.Machine {
	t.Helper()
	ctx := context.Background()

	params, err := session.NewInstallBuilder("content://app.apk").SetConfirmation(c).SetName("Maps").Build()
	require.NoError(t, err)
	m, err := f.mgr.CreateSession(ctx, params)
	require.NoError(t, err)

	_, err = get(t, m.Launch())
	require.NoError(t, err)
	waitForKind(t, m, session.StateAwaiting)
	ok, err := get(t, m.Commit())
	require.NoError(t, err)
	require.True(t, ok)
	return m
}

// flush waits until every task queued on m so far has run.
func flush(t *testing.T, m *appsession.Machine) {
	t.Helper()
	done := make(chan struct{})
	var once sync.Once
	sub := m.AddStateListener(func(uuid.UUID, session.State) { once.Do(func() { close(done) }) })
	defer sub.Dispose()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("session queue did not drain")
	}
}

func waitForKind(t *testing.T, m *appsession.Machine, kind session.StateKind) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State().Kind == kind }, waitTimeout, 5*time.Millisecond)
}

func get[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return f.Get(ctx)
}

func TestOrchestrator_ConfigurationChangeDoesNotRecommit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.confirmingSession(t, session.ConfirmationImmediate)
	require.Eventually(t, func() bool { return f.launcher.count() == 1 }, waitTimeout, 5*time.Millisecond)

	ctx := context.Background()
	w1 := new(fakeWindow)
	s1, err := f.orch.Open(ctx, intentFor(m.ID()), w1, nil)
	require.NoError(t, err)
	waitForKind(t, m, session.StateCommitted)
	flush(t, m)
	assert.Equal(t, int32(1), f.commits.n.Load())
	assert.Equal(t, int32(1), w1.started.Load())
	assert.Equal(t, int64(s1.RequestCode()), w1.lastCode.Load())

	// A second open for the same session reuses the live surface.
	again, err := f.orch.Open(ctx, intentFor(m.ID()), new(fakeWindow), nil)
	require.NoError(t, err)
	assert.Same(t, s1, again)

	// Configuration change: restored without side effects.
	s1.SetLoading(true)
	saved := s1.SaveState(true)
	s1.Destroy()
	w2 := new(fakeWindow)
	s2, err := f.orch.Open(ctx, intentFor(m.ID()), w2, &saved)
	require.NoError(t, err)
	flush(t, m)
	assert.Equal(t, int32(1), f.commits.n.Load())
	assert.Zero(t, w2.started.Load())
	assert.Equal(t, s1.RequestCode(), s2.RequestCode())
	assert.True(t, s2.IsLoading())
	assert.Same(t, s2, f.orch.Bound(m.ID()))

	// Recreation after process death reports the commit again.
	saved = s2.SaveState(false)
	s2.Destroy()
	w3 := new(fakeWindow)
	s3, err := f.orch.Open(ctx, intentFor(m.ID()), w3, &saved)
	require.NoError(t, err)
	flush(t, m)
	assert.Equal(t, int32(2), f.commits.n.Load())
	assert.Zero(t, w3.started.Load())

	s3.OnResult(s3.RequestCode(), ResultOK, nil)
	waitForKind(t, m, session.StateSucceeded)
	assert.Equal(t, int32(1), w3.finished.Load())
	assert.Nil(t, f.orch.Bound(m.ID()))
}

func TestOrchestrator_DeferredConfirmationPostsNotification(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.confirmingSession(t, session.ConfirmationDeferred)

	require.Eventually(t, func() bool {
		f.notifier.mu.Lock()
		defer f.notifier.mu.Unlock()
		return len(f.notifier.posted) == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.Zero(t, f.launcher.count())

	f.notifier.mu.Lock()
	n := f.notifier.posted[0]
	f.notifier.mu.Unlock()
	assert.Equal(t, m.ID().String(), n.Tag)
	assert.Equal(t, m.NotificationID(), n.ID)
	assert.Equal(t, "Install app", n.Title)
	assert.Equal(t, "Tap to install Maps", n.Text)
	assert.Equal(t, session.IconInstall, n.Icon)
	assert.Equal(t, PriorityMax, n.Priority)
	assert.Equal(t, m.ID(), n.Intent.SessionID)

	ok, err := get(t, m.Cancel())
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		f.notifier.mu.Lock()
		defer f.notifier.mu.Unlock()
		return len(f.notifier.cancelled) == 1
	}, waitTimeout, 5*time.Millisecond)
}

func TestOrchestrator_LaunchWhileBoundIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m, err := f.mgr.CreateSession(context.Background(), session.InstallParameters{
		APKs:          []string{"content://app.apk"},
		InstallerType: session.InstallerIntentBased,
		Confirmation:  session.ConfirmationImmediate,
		InstallMode:   session.FullInstall(),
	})
	require.NoError(t, err)

	_, err = f.orch.Open(context.Background(), intentFor(m.ID()), new(fakeWindow), nil)
	require.NoError(t, err)
	require.NotNil(t, f.orch.Bound(m.ID()))

	err = f.orch.Launch(context.Background(), Request{
		SessionID:    m.ID(),
		Confirmation: session.ConfirmationImmediate,
		Intent:       intentFor(m.ID()),
	})
	require.NoError(t, err)
	assert.Zero(t, f.launcher.count())
}

func TestOrchestrator_OpenErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name    string
		intent  session.Intent
		wantErr error
	}{
		{
			name:    "unknown action",
			intent:  session.Intent{Action: "bogus", SessionID: uuid.New(), SessionType: session.TypeInstall},
			wantErr: ErrUnknownAction,
		},
		{
			name:    "no source for type",
			intent:  session.Intent{Action: session.ActionIntentUninstall, SessionID: uuid.New(), SessionType: session.TypeUninstall},
			wantErr: ErrNoSessionSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.orch.Open(context.Background(), tt.intent, new(fakeWindow), nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSurface_MissingSessionFinishes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := new(fakeWindow)
	s, err := f.orch.Open(context.Background(), intentFor(uuid.New()), w, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.finished.Load() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.True(t, s.IsFinished())
	assert.Nil(t, f.orch.Bound(s.SessionID()))
}

func TestSurface_Results(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		act     func(s *Surface)
		want    session.StateKind
		wantMsg string
	}{
		{
			name: "back before result aborts",
			act:  func(s *Surface) { s.OnBack() },
			want: session.StateFailed, wantMsg: "IntentBasedInstall was finished by user",
		},
		{
			name: "cancelled result aborts",
			act:  func(s *Surface) { s.OnResult(s.RequestCode(), ResultCanceled, nil) },
			want: session.StateFailed, wantMsg: "Session was cancelled",
		},
		{
			name: "unknown result is generic failure",
			act: func(s *Surface) {
				s.OnResult(s.RequestCode(), 7, &session.Intent{Extras: map[string]string{ExtraResultMessage: "parse error"}})
			},
			want: session.StateFailed, wantMsg: "parse error",
		},
		{
			name: "ok result succeeds",
			act:  func(s *Surface) { s.OnResult(s.RequestCode(), ResultOK, nil) },
			want: session.StateSucceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			m := f.confirmingSession(t, session.ConfirmationImmediate)
			w := new(fakeWindow)
			s, err := f.orch.Open(context.Background(), intentFor(m.ID()), w, nil)
			require.NoError(t, err)
			require.Eventually(t, func() bool { return w.started.Load() == 1 }, waitTimeout, 5*time.Millisecond)

			// A result for a different request is ignored.
			s.OnResult(s.RequestCode()+1, ResultOK, nil)
			assert.False(t, s.IsFinished())

			tt.act(s)
			waitForKind(t, m, tt.want)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, m.State().Failure.Message)
			}
			assert.Equal(t, int32(1), w.finished.Load())
		})
	}
}

func TestSurface_TerminalStateFinishesWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.confirmingSession(t, session.ConfirmationImmediate)
	w := new(fakeWindow)
	s, err := f.orch.Open(context.Background(), intentFor(m.ID()), w, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.started.Load() == 1 }, waitTimeout, 5*time.Millisecond)

	m.CompleteExceptionally(errors.New("installer crashed"))
	require.Eventually(t, func() bool { return w.finished.Load() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Nil(t, f.orch.Bound(s.SessionID()))

	// Back after finishing changes nothing.
	s.OnBack()
	assert.Equal(t, int32(1), w.finished.Load())
	assert.Equal(t, session.FailureExceptional, m.State().Failure.Kind)
}
