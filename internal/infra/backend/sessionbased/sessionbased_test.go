package sessionbased

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ackpine/internal/app/session/sessiontest"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/apk"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

type fakeInstaller struct {
	mu        sync.Mutex
	nextID    int
	sessions  map[int]map[string][]byte
	params    []SessionParams
	commits   map[int]session.StatusTarget
	uninstall map[string]session.StatusTarget
	abandoned []int

	createErr error
	commitErr error
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{
		nextID:    100,
		sessions:  make(map[int]map[string][]byte),
		commits:   make(map[int]session.StatusTarget),
		uninstall: make(map[string]session.StatusTarget),
	}
}

func (f *fakeInstaller) CreateSession(_ context.Context, p SessionParams) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	f.sessions[f.nextID] = make(map[string][]byte)
	f.params = append(f.params, p)
	return f.nextID, nil
}

func (f *fakeInstaller) SessionExists(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok
}

type sink struct {
	bytes.Buffer
	done func([]byte)
}

func (s *sink) Close() error {
	s.done(s.Bytes())
	return nil
}

func (f *fakeInstaller) OpenWrite(_ context.Context, id int, name string, _ int64) (io.WriteCloser, error) {
	return &sink{done: func(b []byte) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sessions[id][name] = bytes.Clone(b)
	}}, nil
}

func (f *fakeInstaller) Commit(_ context.Context, id int, target session.StatusTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits[id] = target
	return nil
}

func (f *fakeInstaller) Abandon(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	f.abandoned = append(f.abandoned, id)
}

func (f *fakeInstaller) Uninstall(_ context.Context, pkg string, target session.StatusTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstall[pkg] = target
	return nil
}

func writeAPK(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'x'}, size), 0o600))
	return path
}

func installRecord(t *testing.T, apks ...string) *session.Record {
	t.Helper()
	params, err := session.NewInstallBuilder(apks...).SetName("Maps").Build()
	require.NoError(t, err)
	return params.NewRecord(uuid.New(), 10001, time.Now())
}

func newInstaller(pi PackageInstaller) *Installer {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewInstaller(pi, apk.FileSource{}, log, noop.NewTracerProvider().Tracer("test"))
}

func TestInstaller_PrepareWritesAllAPKs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := writeAPK(t, dir, "base.apk", 300)
	split := writeAPK(t, dir, "split.apk", 100)

	pi := newFakeInstaller()
	h := sessiontest.NewHandle(installRecord(t, base, "file://"+split))

	require.NoError(t, newInstaller(pi).Prepare(context.Background(), h))

	nativeID := h.Record().NativeSessionID
	require.True(t, pi.SessionExists(nativeID))
	assert.Len(t, pi.sessions[nativeID]["0.apk"], 300)
	assert.Len(t, pi.sessions[nativeID]["1.apk"], 100)
	assert.Equal(t, []SessionParams{{Mode: session.FullInstall(), Name: "Maps", RequireUserAction: true}}, pi.params)
	assert.Equal(t, 1, h.Awaiting())

	progress := h.Progress()
	require.NotEmpty(t, progress)
	assert.Equal(t, 0, progress[0])
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.IsIncreasing(t, progress)
}

func TestInstaller_PrepareReusesNativeSession(t *testing.T) {
	t.Parallel()

	path := writeAPK(t, t.TempDir(), "app.apk", 10)
	pi := newFakeInstaller()
	existing, err := pi.CreateSession(context.Background(), SessionParams{})
	require.NoError(t, err)

	rec := installRecord(t, path)
	rec.NativeSessionID = existing
	h := sessiontest.NewHandle(rec)

	require.NoError(t, newInstaller(pi).Prepare(context.Background(), h))
	assert.Equal(t, existing, h.Record().NativeSessionID)
	assert.Len(t, pi.params, 1, "no new native session")
}

func TestInstaller_PrepareReplacesVanishedNativeSession(t *testing.T) {
	t.Parallel()

	path := writeAPK(t, t.TempDir(), "app.apk", 10)
	pi := newFakeInstaller()
	rec := installRecord(t, path)
	rec.NativeSessionID = 7
	h := sessiontest.NewHandle(rec)

	require.NoError(t, newInstaller(pi).Prepare(context.Background(), h))
	assert.NotEqual(t, 7, h.Record().NativeSessionID)
	assert.True(t, pi.SessionExists(h.Record().NativeSessionID))
}

func TestInstaller_PrepareErrors(t *testing.T) {
	t.Parallel()

	t.Run("create fails", func(t *testing.T) {
		t.Parallel()

		pi := newFakeInstaller()
		pi.createErr = errors.New("no more sessions")
		h := sessiontest.NewHandle(installRecord(t, "/nonexistent.apk"))

		err := newInstaller(pi).Prepare(context.Background(), h)
		assert.ErrorIs(t, err, pi.createErr)
		assert.Zero(t, h.Awaiting())
	})

	t.Run("persisting native id fails abandons", func(t *testing.T) {
		t.Parallel()

		pi := newFakeInstaller()
		h := sessiontest.NewHandle(installRecord(t, "/nonexistent.apk"))
		h.NativeIDErr = errors.New("disk full")

		err := newInstaller(pi).Prepare(context.Background(), h)
		assert.ErrorIs(t, err, h.NativeIDErr)
		assert.Equal(t, []int{101}, pi.abandoned)
	})

	t.Run("missing apk", func(t *testing.T) {
		t.Parallel()

		pi := newFakeInstaller()
		h := sessiontest.NewHandle(installRecord(t, filepath.Join(t.TempDir(), "gone.apk")))

		err := newInstaller(pi).Prepare(context.Background(), h)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Zero(t, h.Awaiting())
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()

		path := writeAPK(t, t.TempDir(), "app.apk", 10)
		pi := newFakeInstaller()
		h := sessiontest.NewHandle(installRecord(t, path))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := newInstaller(pi).Prepare(ctx, h)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, h.Awaiting())
	})
}

func TestInstaller_LaunchConfirmationCommits(t *testing.T) {
	t.Parallel()

	pi := newFakeInstaller()
	rec := installRecord(t, "/app.apk")
	rec.NativeSessionID = 55
	h := sessiontest.NewHandle(rec)

	require.NoError(t, newInstaller(pi).LaunchConfirmation(context.Background(), h, rec.NotificationID))

	target := pi.commits[55]
	assert.Equal(t, session.ActionInstallStatus, target.Action)
	assert.Equal(t, rec.ID, target.SessionID)
	assert.Equal(t, rec.NotificationID, target.NotificationID)
	assert.Equal(t, 1, h.Committed())
}

func TestInstaller_LaunchConfirmationCommitError(t *testing.T) {
	t.Parallel()

	pi := newFakeInstaller()
	pi.commitErr = errors.New("session sealed")
	h := sessiontest.NewHandle(installRecord(t, "/app.apk"))

	err := newInstaller(pi).LaunchConfirmation(context.Background(), h, 0)
	assert.ErrorIs(t, err, pi.commitErr)
	assert.Equal(t, 1, h.Committed(), "reported before the native commit")
}

func TestInstaller_CleanupAbandons(t *testing.T) {
	t.Parallel()

	pi := newFakeInstaller()
	b := newInstaller(pi)

	b.Cleanup(sessiontest.NewHandle(installRecord(t, "/app.apk")))
	assert.Empty(t, pi.abandoned, "no native session to abandon")

	rec := installRecord(t, "/app.apk")
	rec.NativeSessionID = 9
	b.Cleanup(sessiontest.NewHandle(rec))
	assert.Equal(t, []int{9}, pi.abandoned)
}

func TestUninstaller(t *testing.T) {
	t.Parallel()

	params, err := session.NewUninstallBuilder("com.example.app").Build()
	require.NoError(t, err)
	rec := params.NewRecord(uuid.New(), 10002, time.Now())
	h := sessiontest.NewHandle(rec)

	pi := newFakeInstaller()
	b := NewUninstaller(pi)

	require.NoError(t, b.Prepare(context.Background(), h))
	assert.Equal(t, 1, h.Awaiting())

	require.NoError(t, b.LaunchConfirmation(context.Background(), h, rec.NotificationID))
	target, ok := pi.uninstall["com.example.app"]
	require.True(t, ok)
	assert.Equal(t, session.ActionUninstallStatus, target.Action)
	assert.Equal(t, session.TypeUninstall, target.SessionType)
	assert.Equal(t, 1, h.Committed())
}
