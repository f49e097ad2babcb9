// Package privileged installs and uninstalls silently through the adb
// package manager shell. Sessions opt in with the privileged plugin.
package privileged

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/plugin"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/adb"
	"github.com/ahrav/ackpine/internal/infra/apk"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

// PluginID marks sessions run by this backend.
const PluginID = "ackpine.privileged"

// Plugin routes sessions to the privileged backend. Installs it applies to
// never ask for user action.
type Plugin struct{}

var (
	_ session.InstallApplier   = Plugin{}
	_ session.UninstallApplier = Plugin{}
)

func (Plugin) ID() string { return PluginID }

func (Plugin) ApplyInstall(b *session.InstallBuilder, _ plugin.Parameters) {
	b.SetRequireUserAction(false)
}

func (Plugin) ApplyUninstall(*session.UninstallBuilder, plugin.Parameters) {}

// PackageManager is the subset of the adb client the backend uses.
type PackageManager interface {
	Install(ctx context.Context, apks []string, opts adb.InstallOptions) (adb.Result, error)
	Uninstall(ctx context.Context, packageName string) (adb.Result, error)
}

// Backend completes sessions from Prepare; it never awaits confirmation.
type Backend struct {
	pm     PackageManager
	logger *logger.Logger
	tracer trace.Tracer
}

var _ appsession.Backend = (*Backend)(nil)

func New(pm PackageManager, log *logger.Logger, tracer trace.Tracer) *Backend {
	return &Backend{pm: pm, logger: log.With("component", "backend.privileged"), tracer: tracer}
}

// Prepare runs the install or uninstall and completes the session with the
// package manager's verdict.
func (b *Backend) Prepare(ctx context.Context, h appsession.Handle) error {
	ctx, span := b.tracer.Start(ctx, "privileged.prepare", trace.WithAttributes(
		attribute.String("session_id", h.ID().String()),
		attribute.String("session_type", string(h.Type())),
	))
	defer span.End()

	rec := h.Record()
	var (
		res adb.Result
		err error
	)
	switch rec.Type {
	case session.TypeInstall:
		h.SetProgress(session.NewProgress(0))
		res, err = b.install(ctx, rec)
	default:
		res, err = b.pm.Uninstall(ctx, rec.PackageName)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	st := StateFor(rec.Type, res)
	span.SetAttributes(attribute.String("result", st.String()))
	b.logger.Info(ctx, "privileged session finished", "session_id", rec.ID.String(), "state", st.String())
	if rec.Type == session.TypeInstall && st.Kind == session.StateSucceeded {
		h.SetProgress(session.NewProgress(session.ProgressMax))
	}
	h.Complete(st)
	return nil
}

func (b *Backend) install(ctx context.Context, rec *session.Record) (adb.Result, error) {
	paths := make([]string, 0, len(rec.Install.APKs))
	for _, uri := range rec.Install.APKs {
		p, err := apk.LocalPath(uri)
		if err != nil {
			return adb.Result{}, err
		}
		paths = append(paths, p)
	}

	opts := adb.InstallOptions{Name: rec.Install.Name}
	if rec.Install.Mode.Kind == session.InstallModeInheritExisting {
		opts.InheritFrom = rec.Install.Mode.PackageName
		opts.DontKill = rec.Install.Mode.DontKillApp
	}
	return b.pm.Install(ctx, paths, opts)
}

// LaunchConfirmation is never reached: Prepare completes the session.
func (b *Backend) LaunchConfirmation(context.Context, appsession.Handle, int) error {
	return fmt.Errorf("privileged sessions do not require confirmation")
}

func (b *Backend) Cleanup(appsession.Handle) {}

var failureKinds = map[string]session.FailureKind{
	"INSTALL_FAILED_ABORTED":              session.FailureAborted,
	"INSTALL_FAILED_CONFLICTING_PROVIDER": session.FailureConflict,
	"INSTALL_FAILED_DUPLICATE_PACKAGE":    session.FailureConflict,
	"INSTALL_FAILED_UPDATE_INCOMPATIBLE":  session.FailureConflict,
	"INSTALL_FAILED_ALREADY_EXISTS":       session.FailureConflict,
	"INSTALL_FAILED_INSUFFICIENT_STORAGE": session.FailureStorage,
	"INSTALL_FAILED_INVALID_APK":          session.FailureInvalid,
	"INSTALL_FAILED_INVALID_URI":          session.FailureInvalid,
	"INSTALL_PARSE_FAILED_NOT_APK":        session.FailureInvalid,
	"INSTALL_FAILED_NO_MATCHING_ABIS":     session.FailureIncompatible,
	"INSTALL_FAILED_OLDER_SDK":            session.FailureIncompatible,
	"INSTALL_FAILED_VERSION_DOWNGRADE":    session.FailureIncompatible,
	"INSTALL_FAILED_USER_RESTRICTED":      session.FailureBlocked,
	"DELETE_FAILED_ABORTED":               session.FailureAborted,
	"DELETE_FAILED_DEVICE_POLICY_MANAGER": session.FailureBlocked,
	"DELETE_FAILED_OWNER_BLOCKED":         session.FailureBlocked,
	"DELETE_FAILED_USER_RESTRICTED":       session.FailureBlocked,
}

// StateFor maps a package manager result to the session's final state.
func StateFor(t session.Type, res adb.Result) session.State {
	if res.Success {
		return session.Succeeded
	}

	msg := res.Message
	switch failureKinds[res.Code] {
	case session.FailureAborted:
		return session.Failed(session.Aborted(t, msg))
	case session.FailureConflict:
		return session.Failed(session.Conflict(t, msg, ""))
	case session.FailureStorage:
		return session.Failed(session.Storage(t, msg, ""))
	case session.FailureInvalid:
		return session.Failed(session.Invalid(t, msg))
	case session.FailureIncompatible:
		return session.Failed(session.Incompatible(t, msg))
	case session.FailureBlocked:
		return session.Failed(session.Blocked(t, msg, ""))
	default:
		if msg == "" {
			msg = strings.TrimSpace(res.Code)
		}
		return session.Failed(session.Generic(t, msg))
	}
}
