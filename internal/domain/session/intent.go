package session

import (
	"maps"

	"github.com/google/uuid"
)

// Action names what an Intent or StatusBroadcast asks for.
type Action string

const (
	// ActionConfirmInstall opens the system confirmation of a native install
	// session.
	ActionConfirmInstall Action = "ackpine.intent.action.CONFIRM_INSTALL"
	// ActionConfirmUninstall opens the system confirmation of a package
	// installer uninstall.
	ActionConfirmUninstall Action = "ackpine.intent.action.CONFIRM_UNINSTALL"
	// ActionIntentInstall installs a single APK through the system installer UI.
	ActionIntentInstall Action = "ackpine.intent.action.INSTALL_PACKAGE"
	// ActionIntentUninstall uninstalls through the system uninstaller UI.
	ActionIntentUninstall Action = "ackpine.intent.action.UNINSTALL_PACKAGE"

	ActionInstallStatus   Action = "ackpine.action.INSTALL_STATUS"
	ActionUninstallStatus Action = "ackpine.action.UNINSTALL_STATUS"
)

// StatusAction returns the broadcast action carrying results for t.
func StatusAction(t Type) Action {
	if t == TypeUninstall {
		return ActionUninstallStatus
	}
	return ActionInstallStatus
}

// Intent identifies a confirmation surface to show for a session. Data is
// the APK URI or package name the system UI acts on.
type Intent struct {
	Action      Action
	SessionID   uuid.UUID
	SessionType Type
	Data        string
	Extras      map[string]string
}

// Clone returns a copy whose Extras can be modified independently.
func (i Intent) Clone() Intent {
	i.Extras = maps.Clone(i.Extras)
	return i
}

// StatusTarget travels with a commit or uninstall request and comes back in
// the StatusBroadcast that reports its outcome.
type StatusTarget struct {
	Action         Action
	SessionID      uuid.UUID
	SessionType    Type
	Confirmation   Confirmation
	Notification   NotificationData
	NotificationID int
}

// NewStatusTarget builds the status target for r.
func NewStatusTarget(r *Record) StatusTarget {
	return StatusTarget{
		Action:         StatusAction(r.Type),
		SessionID:      r.ID,
		SessionType:    r.Type,
		Confirmation:   r.Confirmation,
		Notification:   r.Notification,
		NotificationID: r.NotificationID,
	}
}

// StatusBroadcast is the OS report for a committed request. Confirmation is
// set only for StatusPendingUserAction.
type StatusBroadcast struct {
	Target           StatusTarget
	Status           int
	Message          string
	OtherPackageName string
	StoragePath      string
	Confirmation     *Intent
}
