// Package intentbased runs installs and uninstalls by handing a single APK or
// a package name to the system installer UI. The UI's activity result is the
// outcome of the session.
package intentbased

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/internal/app/confirmation"
	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/apk"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

// ConfirmationLauncher shows the system installer UI for a session.
type ConfirmationLauncher interface {
	Launch(ctx context.Context, req confirmation.Request) error
}

// Installer is the backend for intent-based install sessions. APKs that are
// not local files are staged into dir before the UI is launched.
type Installer struct {
	confirm ConfirmationLauncher
	source  apk.Source
	dir     string
	logger  *logger.Logger
	tracer  trace.Tracer
}

var _ appsession.Backend = (*Installer)(nil)

func NewInstaller(
	confirm ConfirmationLauncher,
	source apk.Source,
	stagingDir string,
	log *logger.Logger,
	tracer trace.Tracer,
) *Installer {
	return &Installer{
		confirm: confirm,
		source:  source,
		dir:     stagingDir,
		logger:  log.With("component", "backend.intent_based_install"),
		tracer:  tracer,
	}
}

func (b *Installer) stagedPath(h appsession.Handle) string {
	return filepath.Join(b.dir, h.ID().String()+".apk")
}

// Prepare checks that the session's single APK is a package and stages it
// if needed.
func (b *Installer) Prepare(ctx context.Context, h appsession.Handle) error {
	ctx, span := b.tracer.Start(ctx, "intent_based.prepare", trace.WithAttributes(
		attribute.String("session_id", h.ID().String()),
	))
	defer span.End()

	rec := h.Record()
	if len(rec.Install.APKs) != 1 {
		return session.ErrSplitPackagesUnsupported
	}
	uri := rec.Install.APKs[0]

	rc, size, err := b.source.Open(ctx, uri)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("opening %s: %w", uri, err)
	}
	defer rc.Close()

	mime, r, err := apk.Detect(rc)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("mime", mime.String()))

	progress := apk.NewProgress(size, func(pct int) { h.SetProgress(session.NewProgress(pct)) })
	if _, err := apk.LocalPath(uri); err != nil {
		if err := b.stage(ctx, h, progress.Reader(r)); err != nil {
			span.RecordError(err)
			return err
		}
	}
	progress.Finish()

	h.NotifyAwaiting()
	return nil
}

func (b *Installer) stage(ctx context.Context, h appsession.Handle, r io.Reader) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	f, err := os.CreateTemp(b.dir, "staging-*.apk")
	if err != nil {
		return fmt.Errorf("creating staged apk: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("staging apk: %w", err)
	}
	if err := os.Rename(tmp, b.stagedPath(h)); err != nil {
		return fmt.Errorf("staging apk: %w", err)
	}
	b.logger.Debug(ctx, "apk staged", "session_id", h.ID().String(), "path", b.stagedPath(h))
	return nil
}

// LaunchConfirmation opens the system installer on the APK.
func (b *Installer) LaunchConfirmation(ctx context.Context, h appsession.Handle, notificationID int) error {
	rec := h.Record()
	path := b.stagedPath(h)
	if local, err := apk.LocalPath(rec.Install.APKs[0]); err == nil {
		path = local
	}
	return b.confirm.Launch(ctx, request(rec, notificationID, session.ActionIntentInstall, "file://"+filepath.ToSlash(path)))
}

// Cleanup removes the staged copy, if any.
func (b *Installer) Cleanup(h appsession.Handle) {
	if err := os.Remove(b.stagedPath(h)); err != nil && !os.IsNotExist(err) {
		b.logger.Warn(context.Background(), "failed to remove staged apk", "session_id", h.ID().String(), "error", err)
	}
}

// Uninstaller is the backend for intent-based uninstall sessions.
type Uninstaller struct {
	confirm ConfirmationLauncher
}

var _ appsession.Backend = (*Uninstaller)(nil)

func NewUninstaller(confirm ConfirmationLauncher) *Uninstaller {
	return &Uninstaller{confirm: confirm}
}

func (b *Uninstaller) Prepare(_ context.Context, h appsession.Handle) error {
	h.NotifyAwaiting()
	return nil
}

func (b *Uninstaller) LaunchConfirmation(ctx context.Context, h appsession.Handle, notificationID int) error {
	rec := h.Record()
	return b.confirm.Launch(ctx, request(rec, notificationID, session.ActionIntentUninstall, "package:"+rec.PackageName))
}

func (b *Uninstaller) Cleanup(appsession.Handle) {}

func request(rec *session.Record, notificationID int, action session.Action, data string) confirmation.Request {
	return confirmation.Request{
		SessionID:      rec.ID,
		Confirmation:   rec.Confirmation,
		Notification:   rec.Notification,
		NotificationID: notificationID,
		Intent: session.Intent{
			Action:      action,
			SessionID:   rec.ID,
			SessionType: rec.Type,
			Data:        data,
		},
	}
}
