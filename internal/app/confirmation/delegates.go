package confirmation

import (
	"context"
	"fmt"

	"github.com/ahrav/ackpine/internal/domain/session"
)

const sessionCancelledMessage = "Session was cancelled"

// Delegate implements the behavior of one kind of confirmation surface.
type Delegate interface {
	// Action is the intent action the delegate handles.
	Action() session.Action

	// Tag names the surface in abort messages and logs.
	Tag() string

	// NotifiesCommitted reports whether opening the surface counts as the
	// session being committed.
	NotifiesCommitted() bool

	// Start shows the system UI. It runs once per surface, on a fresh create.
	Start(ctx context.Context, s *Surface) error

	// Result maps an activity result to a final state. ok is false when the
	// outcome is reported elsewhere, such as by a status broadcast.
	Result(t session.Type, resultCode int, data *session.Intent) (st session.State, ok bool)
}

// DefaultDelegates returns the delegates for every built-in action.
func DefaultDelegates() []Delegate {
	return []Delegate{
		systemConfirmDelegate{action: session.ActionConfirmInstall, tag: "SessionBasedInstallConfirmation"},
		systemConfirmDelegate{action: session.ActionConfirmUninstall, tag: "PackageInstallerBasedUninstallConfirmation"},
		intentDelegate{action: session.ActionIntentInstall, tag: "IntentBasedInstall"},
		intentDelegate{action: session.ActionIntentUninstall, tag: "IntentBasedUninstall"},
	}
}

// systemConfirmDelegate forwards the confirmation the OS asked for. The
// backend has already reported the commit and the final state arrives as a
// status broadcast, so only a user cancel is mapped here.
type systemConfirmDelegate struct {
	action session.Action
	tag    string
}

func (d systemConfirmDelegate) Action() session.Action  { return d.action }
func (d systemConfirmDelegate) Tag() string             { return d.tag }
func (d systemConfirmDelegate) NotifiesCommitted() bool { return false }

func (d systemConfirmDelegate) Start(_ context.Context, s *Surface) error {
	if err := s.window.StartForResult(s.intent, s.RequestCode()); err != nil {
		return fmt.Errorf("starting %s: %w", d.tag, err)
	}
	return nil
}

func (systemConfirmDelegate) Result(t session.Type, resultCode int, _ *session.Intent) (session.State, bool) {
	if resultCode == ResultCanceled {
		return session.Failed(session.Aborted(t, sessionCancelledMessage)), true
	}
	return session.State{}, false
}

// intentDelegate drives the system installer or uninstaller UI directly; its
// activity result is the outcome of the session.
type intentDelegate struct {
	action session.Action
	tag    string
}

func (d intentDelegate) Action() session.Action  { return d.action }
func (d intentDelegate) Tag() string             { return d.tag }
func (d intentDelegate) NotifiesCommitted() bool { return true }

func (d intentDelegate) Start(_ context.Context, s *Surface) error {
	if err := s.window.StartForResult(s.intent, s.RequestCode()); err != nil {
		return fmt.Errorf("starting %s: %w", d.tag, err)
	}
	return nil
}

func (intentDelegate) Result(t session.Type, resultCode int, data *session.Intent) (session.State, bool) {
	switch resultCode {
	case ResultOK:
		return session.Succeeded, true
	case ResultCanceled:
		return session.Failed(session.Aborted(t, sessionCancelledMessage)), true
	default:
		msg := ""
		if data != nil {
			msg = data.Extras[ExtraResultMessage]
		}
		return session.Failed(session.Generic(t, msg)), true
	}
}

// ExtraResultMessage is the result extra holding the system UI's failure text.
const ExtraResultMessage = "ackpine.extra.RESULT_MESSAGE"
