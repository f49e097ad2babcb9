// Package sessionbased runs installs and uninstalls through the platform
// package installer: APKs are streamed into a native session which is then
// committed, and the outcome comes back as a status broadcast.
package sessionbased

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/apk"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

// SessionParams configures a native install session.
type SessionParams struct {
	Mode              session.InstallMode
	Name              string
	RequireUserAction bool
}

// PackageInstaller is the platform package installer.
type PackageInstaller interface {
	CreateSession(ctx context.Context, params SessionParams) (int, error)
	SessionExists(nativeID int) bool
	OpenWrite(ctx context.Context, nativeID int, name string, size int64) (io.WriteCloser, error)
	// Commit finalizes the native session. The outcome is broadcast with target.
	Commit(ctx context.Context, nativeID int, target session.StatusTarget) error
	Abandon(nativeID int)
	// Uninstall requests removal of packageName. The outcome is broadcast
	// with target.
	Uninstall(ctx context.Context, packageName string, target session.StatusTarget) error
}

// Installer is the backend for session-based install sessions.
type Installer struct {
	installer PackageInstaller
	source    apk.Source
	logger    *logger.Logger
	tracer    trace.Tracer
}

var _ appsession.Backend = (*Installer)(nil)

// NewInstaller returns an install backend reading archives through source.
func NewInstaller(installer PackageInstaller, source apk.Source, log *logger.Logger, tracer trace.Tracer) *Installer {
	return &Installer{
		installer: installer,
		source:    source,
		logger:    log.With("component", "backend.session_based_install"),
		tracer:    tracer,
	}
}

// Prepare reuses the native session bound to h, creating one if there is
// none, and writes every APK into it.
func (b *Installer) Prepare(ctx context.Context, h appsession.Handle) error {
	ctx, span := b.tracer.Start(ctx, "session_based.prepare", trace.WithAttributes(
		attribute.String("session_id", h.ID().String()),
	))
	defer span.End()

	rec := h.Record()
	nativeID, err := b.nativeSession(ctx, h, rec)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("native_session_id", nativeID))

	if err := b.writeAPKs(ctx, h, nativeID, rec.Install.APKs); err != nil {
		span.RecordError(err)
		return err
	}

	b.logger.Debug(ctx, "session prepared", "session_id", h.ID().String(), "native_session_id", nativeID)
	h.NotifyAwaiting()
	return nil
}

func (b *Installer) nativeSession(ctx context.Context, h appsession.Handle, rec *session.Record) (int, error) {
	if rec.NativeSessionID != session.NoNativeSession && b.installer.SessionExists(rec.NativeSessionID) {
		return rec.NativeSessionID, nil
	}

	nativeID, err := b.installer.CreateSession(ctx, SessionParams{
		Mode:              rec.Install.Mode,
		Name:              rec.Install.Name,
		RequireUserAction: rec.Install.RequireUserAction,
	})
	if err != nil {
		return 0, fmt.Errorf("creating native session: %w", err)
	}
	if err := h.SetNativeSessionID(ctx, nativeID); err != nil {
		b.installer.Abandon(nativeID)
		return 0, err
	}
	return nativeID, nil
}

type archive struct {
	rc   io.ReadCloser
	size int64
}

func (b *Installer) writeAPKs(ctx context.Context, h appsession.Handle, nativeID int, uris []string) error {
	archives := make([]archive, 0, len(uris))
	defer func() {
		for _, a := range archives {
			a.rc.Close()
		}
	}()

	var total int64
	for _, uri := range uris {
		rc, size, err := b.source.Open(ctx, uri)
		if err != nil {
			return fmt.Errorf("opening %s: %w", uri, err)
		}
		archives = append(archives, archive{rc: rc, size: size})
		if size < 0 || total < 0 {
			total = -1
			continue
		}
		total += size
	}

	progress := apk.NewProgress(total, func(pct int) { h.SetProgress(session.NewProgress(pct)) })
	for i, a := range archives {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := b.installer.OpenWrite(ctx, nativeID, fmt.Sprintf("%d.apk", i), a.size)
		if err != nil {
			return fmt.Errorf("opening native session write: %w", err)
		}
		_, err = io.Copy(w, progress.Reader(ctxReader{ctx: ctx, r: a.rc}))
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing apk %d: %w", i, err)
		}
	}
	progress.Finish()
	return nil
}

// LaunchConfirmation commits the native session. The commit is reported
// first so that it is queued ahead of the outcome broadcast.
func (b *Installer) LaunchConfirmation(ctx context.Context, h appsession.Handle, _ int) error {
	rec := h.Record()
	h.NotifyCommitted()
	if err := b.installer.Commit(ctx, rec.NativeSessionID, session.NewStatusTarget(rec)); err != nil {
		return fmt.Errorf("committing native session %d: %w", rec.NativeSessionID, err)
	}
	return nil
}

// Cleanup abandons the native session, if one was created.
func (b *Installer) Cleanup(h appsession.Handle) {
	rec := h.Record()
	if rec.NativeSessionID == session.NoNativeSession {
		return
	}
	b.installer.Abandon(rec.NativeSessionID)
	b.logger.Debug(context.Background(), "native session abandoned",
		"session_id", rec.ID.String(), "native_session_id", rec.NativeSessionID)
}

// Uninstaller is the backend for package-installer based uninstalls.
type Uninstaller struct {
	installer PackageInstaller
}

var _ appsession.Backend = (*Uninstaller)(nil)

func NewUninstaller(installer PackageInstaller) *Uninstaller {
	return &Uninstaller{installer: installer}
}

func (b *Uninstaller) Prepare(_ context.Context, h appsession.Handle) error {
	h.NotifyAwaiting()
	return nil
}

func (b *Uninstaller) LaunchConfirmation(ctx context.Context, h appsession.Handle, _ int) error {
	rec := h.Record()
	h.NotifyCommitted()
	if err := b.installer.Uninstall(ctx, rec.PackageName, session.NewStatusTarget(rec)); err != nil {
		return fmt.Errorf("uninstalling %s: %w", rec.PackageName, err)
	}
	return nil
}

func (b *Uninstaller) Cleanup(appsession.Handle) {}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
