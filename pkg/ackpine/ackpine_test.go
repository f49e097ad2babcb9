package ackpine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ackpine/internal/domain/events"
	"github.com/ahrav/ackpine/internal/domain/plugin"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/adb"
	"github.com/ahrav/ackpine/internal/infra/apk"
	"github.com/ahrav/ackpine/internal/infra/backend/privileged"
	"github.com/ahrav/ackpine/internal/infra/emulator"
	"github.com/ahrav/ackpine/internal/infra/eventbus/memory"
	memstore "github.com/ahrav/ackpine/internal/infra/storage/memory"
	"github.com/ahrav/ackpine/pkg/common/logger"
	"github.com/ahrav/ackpine/pkg/config"
)

// The library context is process-global, so tests in this package run
// sequentially.

const waitFor = 5 * time.Second

type harness struct {
	ackpine *Ackpine
	device  *emulator.Device
	repo    *memstore.SessionStore
}

func newHarness(t *testing.T, policy emulator.Policy) *harness {
	t.Helper()

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tp := noop.NewTracerProvider()
	broker := memory.NewBroker()
	device := emulator.New(broker, policy, log, tp.Tracer("test"))
	repo := memstore.NewSessionStore()

	cfg := config.Default()
	cfg.StagingDir = t.TempDir()

	a, err := Init(context.Background(), cfg,
		WithRepository(repo),
		WithStatusBroker(broker),
		WithPackageInstaller(device),
		WithConfirmationHost(device, device),
		WithLogger(log),
		WithTracerProvider(tp),
		WithMeterProvider(metricnoop.NewMeterProvider()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.Teardown(context.Background()))
		require.NoError(t, broker.Close())
	})
	return &harness{ackpine: a, device: device, repo: repo}
}

func writeAPK(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maps.apk")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 apk body"), 0o600))
	return path
}

type stateRecorder struct {
	mu     sync.Mutex
	states []session.State
}

func record(s *Session) *stateRecorder {
	r := new(stateRecorder)
	s.AddStateListener(func(_ uuid.UUID, st session.State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, st)
	})
	return r
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

func (r *stateRecorder) reached(k session.StateKind) func() bool {
	return func() bool { return slices.Contains(r.kinds(), k) }
}

func TestInit_Lifecycle(t *testing.T) {
	assert.Nil(t, Instance())

	h := newHarness(t, emulator.PolicyManual)
	assert.Same(t, h.ackpine, Instance())

	_, err := Init(context.Background(), nil, WithConfirmationHost(h.device, h.device))
	assert.ErrorIs(t, err, ErrReinitialized)
}

func TestInit_RequiresConfirmationHost(t *testing.T) {
	_, err := Init(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoConfirmationHost)
	assert.Nil(t, Instance())
}

func TestInit_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Burst = 0

	device := emulator.New(memory.NewBroker(), emulator.PolicyManual, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	_, err := Init(context.Background(), cfg, WithConfirmationHost(device, device))

	var verr *config.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Nil(t, Instance())
}

func TestInstall_ImmediateConfirmation(t *testing.T) {
	h := newHarness(t, emulator.PolicyManual)
	ctx := context.Background()

	s, err := h.ackpine.Installer().CreateSession(ctx, session.NewInstallBuilder(writeAPK(t)).
		SetConfirmation(session.ConfirmationImmediate).
		SetName("com.example.maps"))
	require.NoError(t, err)
	rec := record(s)

	require.Eventually(t, rec.reached(session.StatePending), waitFor, 5*time.Millisecond)
	launched, err := s.Launch().Get(ctx)
	require.NoError(t, err)
	assert.True(t, launched)

	require.Eventually(t, rec.reached(session.StateAwaiting), waitFor, 5*time.Millisecond)
	assert.Equal(t, session.ProgressMax, s.Progress().Progress)

	committed, err := s.Commit().Get(ctx)
	require.NoError(t, err)
	assert.True(t, committed)

	require.Eventually(t, rec.reached(session.StateCommitted), waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return slices.Contains(h.device.Prompts(), s.ID()) }, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.device.Notifications(), "immediate confirmation posts no notification")

	require.NoError(t, h.device.Respond(s.ID(), true))
	require.Eventually(t, rec.reached(session.StateSucceeded), waitFor, 5*time.Millisecond)

	assert.Equal(t, []session.StateKind{
		session.StatePending,
		session.StateActive,
		session.StateAwaiting,
		session.StateCommitted,
		session.StateSucceeded,
	}, rec.kinds())
	assert.True(t, h.device.IsInstalled("com.example.maps"))

	stored, err := h.repo.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StateSucceeded, stored.State.Kind)
	assert.False(t, stored.LastLaunchAt.IsZero())
	assert.False(t, stored.LastCommitAt.IsZero())
}

func TestInstall_DeferredConfirmationAwait(t *testing.T) {
	h := newHarness(t, emulator.PolicyAccept)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	s, err := h.ackpine.Installer().CreateSession(ctx, session.NewInstallBuilder(writeAPK(t)).SetName("com.example.deferred"))
	require.NoError(t, err)

	st, err := Await(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, session.StateSucceeded, st.Kind)
	assert.True(t, h.device.IsInstalled("com.example.deferred"))
	assert.Empty(t, h.device.Notifications(), "tapped notification is dismissed")
}

func TestUninstall_UserCancels(t *testing.T) {
	h := newHarness(t, emulator.PolicyReject)
	h.device.Install("com.example.keep", []byte("apk"))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	s, err := h.ackpine.Uninstaller().CreateSession(ctx,
		session.NewUninstallBuilder("com.example.keep").SetConfirmation(session.ConfirmationImmediate))
	require.NoError(t, err)

	st, err := Await(ctx, s)
	require.NoError(t, err)
	require.Equal(t, session.StateFailed, st.Kind)
	assert.Equal(t, session.FailureAborted, st.Failure.Kind)
	assert.Equal(t, "User cancelled", st.Failure.Message)
	assert.True(t, h.device.IsInstalled("com.example.keep"))
}

func TestAwait_ContextCancelsSession(t *testing.T) {
	h := newHarness(t, emulator.PolicyManual)

	s, err := h.ackpine.Installer().CreateSession(context.Background(), session.NewInstallBuilder(writeAPK(t)).
		SetConfirmation(session.ConfirmationImmediate))
	require.NoError(t, err)
	rec := record(s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Nobody answers the prompt, so the session waits in Committed.
		for !rec.reached(session.StateCommitted)() {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	_, err = Await(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, rec.reached(session.StateCancelled), waitFor, 5*time.Millisecond)
	assert.Empty(t, h.device.Installed())
}

type unregisteredPlugin struct{}

func (unregisteredPlugin) ID() string { return "example.unregistered" }

func TestInstaller_UnknownPlugin(t *testing.T) {
	h := newHarness(t, emulator.PolicyManual)

	_, err := h.ackpine.Installer().CreateSession(context.Background(),
		session.NewInstallBuilder(writeAPK(t)).UsePlugin(unregisteredPlugin{}, nil))
	assert.ErrorIs(t, err, plugin.ErrUnknownPlugin)
}

func TestFacades_FilterBySessionType(t *testing.T) {
	h := newHarness(t, emulator.PolicyManual)
	ctx := context.Background()

	s, err := h.ackpine.Uninstaller().CreateSession(ctx, session.NewUninstallBuilder("com.example"))
	require.NoError(t, err)

	got, err := h.ackpine.Uninstaller().GetSessionAsync(ctx, s.ID()).Get(ctx)
	require.NoError(t, err)
	assert.Same(t, s, got)

	got, err = h.ackpine.Installer().GetSessionAsync(ctx, s.ID()).Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	installs, err := h.ackpine.Installer().GetSessionsAsync(ctx).Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, installs)

	uninstalls, err := h.ackpine.Uninstaller().GetActiveSessionsAsync(ctx).Get(ctx)
	require.NoError(t, err)
	assert.Len(t, uninstalls, 1)
}

type fakePackageManager struct {
	mu          sync.Mutex
	installed   [][]string
	uninstalled []string
}

func (f *fakePackageManager) Install(_ context.Context, apks []string, _ adb.InstallOptions) (adb.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, apks)
	return adb.Result{Success: true}, nil
}

func (f *fakePackageManager) Uninstall(_ context.Context, packageName string) (adb.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalled = append(f.uninstalled, packageName)
	return adb.Result{Code: "DELETE_FAILED_INTERNAL_ERROR", Message: "device busy"}, nil
}

type eventRecorder struct {
	mu  sync.Mutex
	got []session.StateChangedEvent
}

func (r *eventRecorder) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	ev, ok := evt.(session.StateChangedEvent)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func (r *eventRecorder) targets() []session.StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.StateKind, len(r.got))
	for i, ev := range r.got {
		out[i] = ev.To.Kind
	}
	return out
}

func TestPrivileged_InjectedCollaborators(t *testing.T) {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	device := emulator.New(memory.NewBroker(), emulator.PolicyManual, log, noop.NewTracerProvider().Tracer("test"))
	pm := new(fakePackageManager)
	published := new(eventRecorder)
	reg := plugin.NewRegistry()

	cfg := config.Default()
	cfg.StagingDir = t.TempDir()
	a, err := Init(context.Background(), cfg,
		WithRepository(memstore.NewSessionStore()),
		WithConfirmationHost(device, device),
		WithPackageManager(pm),
		WithPluginRegistry(reg),
		WithEventPublisher(published),
		WithAPKSource(apk.FileSource{}),
		WithLogger(log),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Teardown(context.Background())) })

	_, ok := reg.Get(privileged.PluginID)
	assert.True(t, ok, "privileged plugin registered on the shared registry")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	path := writeAPK(t)
	s, err := a.Installer().CreateSession(ctx, session.NewInstallBuilder(path).UsePlugin(privileged.Plugin{}, nil))
	require.NoError(t, err)
	st, err := Await(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, session.StateSucceeded, st.Kind)
	assert.Equal(t, [][]string{{path}}, pm.installed)

	u, err := a.Uninstaller().CreateSession(ctx, session.NewUninstallBuilder("com.example.busy").UsePlugin(privileged.Plugin{}, nil))
	require.NoError(t, err)
	st, err = Await(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, st.Kind)
	assert.Equal(t, []string{"com.example.busy"}, pm.uninstalled)

	require.Eventually(t, func() bool {
		return slices.Contains(published.targets(), session.StateFailed)
	}, waitFor, 5*time.Millisecond)
	assert.Contains(t, published.targets(), session.StateSucceeded)
}
