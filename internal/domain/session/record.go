package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/plugin"
)

// NoNativeSession marks a record without an OS package installer session.
const NoNativeSession = -1

// InstallDetails holds the install-only fields of a record.
type InstallDetails struct {
	APKs              []string
	Name              string
	RequireUserAction bool
	Mode              InstallMode
}

// Record is the persisted form of a session.
type Record struct {
	ID             uuid.UUID
	Type           Type
	State          State
	Confirmation   Confirmation
	Notification   NotificationData
	NotificationID int

	// InstallerType holds the installer type for install sessions and the
	// uninstaller type for uninstall sessions.
	InstallerType string

	// Install is nil for uninstall sessions.
	Install *InstallDetails

	// PackageName is the package being uninstalled, or the inherited package
	// for InheritExisting installs.
	PackageName string

	Plugins         []plugin.Entry
	NativeSessionID int

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLaunchAt time.Time
	LastCommitAt time.Time
}

// Validate checks the record's structural invariants.
func (r *Record) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("session record: %w", ErrMissingID)
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		return fmt.Errorf("session record %s: %w", r.ID, err)
	}
	if err := r.State.Validate(); err != nil {
		return fmt.Errorf("session record %s: %w", r.ID, err)
	}
	if r.Type == TypeInstall && (r.Install == nil || len(r.Install.APKs) == 0) {
		return fmt.Errorf("session record %s: %w", r.ID, ErrEmptyAPKs)
	}
	if r.Type == TypeUninstall && r.PackageName == "" {
		return fmt.Errorf("session record %s: uninstall without package name", r.ID)
	}
	return nil
}

// HasPlugin reports whether the session was built with plugin id.
func (r *Record) HasPlugin(id string) bool {
	for _, p := range r.Plugins {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.State.Failure != nil {
		f := *r.State.Failure
		c.State.Failure = &f
	}
	c.Notification = cloneNotificationData(r.Notification)
	if r.Install != nil {
		in := *r.Install
		in.APKs = append([]string(nil), r.Install.APKs...)
		c.Install = &in
	}
	c.Plugins = clonePlugins(r.Plugins)
	return &c
}

func cloneNotificationData(d NotificationData) NotificationData {
	d.Title = cloneNotificationString(d.Title)
	d.ContentText = cloneNotificationString(d.ContentText)
	return d
}

func cloneNotificationString(s NotificationString) NotificationString {
	if len(s.Args) == 0 {
		s.Args = nil
		return s
	}
	args := make([]NotificationString, len(s.Args))
	for i, a := range s.Args {
		args[i] = cloneNotificationString(a)
	}
	s.Args = args
	return s
}
