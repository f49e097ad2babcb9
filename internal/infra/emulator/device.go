// Package emulator simulates the platform side of a device: the package
// installer, the system confirmation UI and the notification shade. It backs
// the CLI demo and end-to-end tests.
package emulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/internal/app/confirmation"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/backend/sessionbased"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

var (
	// ErrNoSuchSession is returned for unknown or abandoned native sessions.
	ErrNoSuchSession = errors.New("no such native session")

	// ErrNoPrompt is returned when responding to a confirmation that is not
	// on screen.
	ErrNoPrompt = errors.New("no confirmation prompt for session")
)

// Policy decides how the simulated user answers confirmation prompts.
type Policy int

const (
	// PolicyManual leaves prompts on screen until Respond is called.
	PolicyManual Policy = iota
	PolicyAccept
	PolicyReject
)

// StatusPublisher delivers status broadcasts to the receiver.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, b session.StatusBroadcast) error
}

// SurfaceOpener creates the confirmation surface for a launched intent.
type SurfaceOpener interface {
	Open(ctx context.Context, intent session.Intent, window confirmation.Window, saved *confirmation.SavedState) (*confirmation.Surface, error)
}

type nativeSession struct {
	params sessionbased.SessionParams
	files  map[string][]byte
	target *session.StatusTarget
}

// Device is a simulated device. The zero value is not usable; use New.
type Device struct {
	mu         sync.Mutex
	nextID     int
	sessions   map[int]*nativeSession
	installed  map[string][]byte
	prompts    map[string]*screen
	uninstalls map[string]session.StatusTarget
	notes      map[string]confirmation.Notification
	policy     Policy

	status StatusPublisher
	opener SurfaceOpener

	logger *logger.Logger
	tracer trace.Tracer
}

var (
	_ sessionbased.PackageInstaller = (*Device)(nil)
	_ confirmation.Launcher         = (*Device)(nil)
	_ confirmation.Notifier         = (*Device)(nil)
)

// New returns an empty device answering prompts with policy.
func New(status StatusPublisher, policy Policy, log *logger.Logger, tracer trace.Tracer) *Device {
	return &Device{
		nextID:     1,
		sessions:   make(map[int]*nativeSession),
		installed:  make(map[string][]byte),
		prompts:    make(map[string]*screen),
		uninstalls: make(map[string]session.StatusTarget),
		notes:      make(map[string]confirmation.Notification),
		policy:     policy,
		status:     status,
		logger:     log.With("component", "emulator"),
		tracer:     tracer,
	}
}

// SetSurfaceOpener wires the confirmation orchestrator. It must be called
// before the first Start.
func (d *Device) SetSurfaceOpener(o SurfaceOpener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opener = o
}

// Installed returns the installed package names, sorted.
func (d *Device) Installed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.installed))
}

// IsInstalled reports whether packageName is installed.
func (d *Device) IsInstalled(packageName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.installed[packageName]
	return ok
}

// CreateSession opens a native install session.
func (d *Device) CreateSession(_ context.Context, params sessionbased.SessionParams) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.sessions[id] = &nativeSession{params: params, files: make(map[string][]byte)}
	return id, nil
}

func (d *Device) SessionExists(nativeID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[nativeID]
	return ok
}

type sessionWriter struct {
	bytes.Buffer
	commit func([]byte) error
}

func (w *sessionWriter) Close() error { return w.commit(w.Bytes()) }

// OpenWrite returns a writer whose content is stored under name when closed.
func (d *Device) OpenWrite(_ context.Context, nativeID int, name string, _ int64) (io.WriteCloser, error) {
	if !d.SessionExists(nativeID) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchSession, nativeID)
	}
	return &sessionWriter{commit: func(b []byte) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		s, ok := d.sessions[nativeID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchSession, nativeID)
		}
		s.files[name] = bytes.Clone(b)
		return nil
	}}, nil
}

// Commit seals the native session. Sessions that require user action are
// reported as pending user action; the rest install right away.
func (d *Device) Commit(ctx context.Context, nativeID int, target session.StatusTarget) error {
	ctx, span := d.tracer.Start(ctx, "emulator.commit", trace.WithAttributes(
		attribute.Int("native_session_id", nativeID),
		attribute.String("session_id", target.SessionID.String()),
	))
	defer span.End()

	d.mu.Lock()
	s, ok := d.sessions[nativeID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchSession, nativeID)
	}
	s.target = &target
	requireAction := s.params.RequireUserAction
	d.mu.Unlock()

	if !requireAction {
		return d.finishInstall(ctx, nativeID, true)
	}
	return d.status.PublishStatus(ctx, session.StatusBroadcast{
		Target: target,
		Status: session.StatusPendingUserAction,
		Confirmation: &session.Intent{
			Data: "session:" + strconv.Itoa(nativeID),
		},
	})
}

func (d *Device) Abandon(nativeID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, nativeID)
}

// Uninstall asks for confirmation unless the package is missing, which fails
// immediately.
func (d *Device) Uninstall(ctx context.Context, packageName string, target session.StatusTarget) error {
	ctx, span := d.tracer.Start(ctx, "emulator.uninstall", trace.WithAttributes(
		attribute.String("package", packageName),
		attribute.String("session_id", target.SessionID.String()),
	))
	defer span.End()

	if !d.IsInstalled(packageName) {
		return d.status.PublishStatus(ctx, session.StatusBroadcast{
			Target:  target,
			Status:  session.StatusFailure,
			Message: "Package " + packageName + " is not installed",
		})
	}
	d.mu.Lock()
	d.uninstalls[target.SessionID.String()] = target
	d.mu.Unlock()
	return d.status.PublishStatus(ctx, session.StatusBroadcast{
		Target:       target,
		Status:       session.StatusPendingUserAction,
		Confirmation: &session.Intent{Data: "package:" + packageName},
	})
}

// finishInstall installs or discards the committed native session and
// broadcasts the outcome.
func (d *Device) finishInstall(ctx context.Context, nativeID int, accepted bool) error {
	d.mu.Lock()
	s, ok := d.sessions[nativeID]
	if !ok || s.target == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchSession, nativeID)
	}
	delete(d.sessions, nativeID)
	target := *s.target
	if accepted {
		d.installed[packageNameFor(s, nativeID)] = s.files["0.apk"]
	}
	d.mu.Unlock()

	b := session.StatusBroadcast{Target: target, Status: session.StatusSuccess}
	if !accepted {
		b.Status = session.StatusFailureAborted
		b.Message = "User rejected installation"
	}
	return d.status.PublishStatus(ctx, b)
}

func packageNameFor(s *nativeSession, nativeID int) string {
	switch {
	case s.params.Mode.Kind == session.InstallModeInheritExisting:
		return s.params.Mode.PackageName
	case s.params.Name != "":
		return s.params.Name
	default:
		return "app." + strconv.Itoa(nativeID)
	}
}

func (d *Device) uninstall(packageName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.installed[packageName]; !ok {
		return false
	}
	delete(d.installed, packageName)
	return true
}

// Install places a package on the device directly, for seeding.
func (d *Device) Install(packageName string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installed[packageName] = bytes.Clone(content)
}
