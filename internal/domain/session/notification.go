package session

import (
	"fmt"
)

// Confirmation selects how the user is asked to approve a session.
type Confirmation string

const (
	// ConfirmationImmediate shows the confirmation surface right away.
	ConfirmationImmediate Confirmation = "IMMEDIATE"
	// ConfirmationDeferred posts a notification whose tap opens the surface.
	ConfirmationDeferred Confirmation = "DEFERRED"
)

func (c Confirmation) String() string { return string(c) }

// ParseConfirmation converts a persisted tag to a Confirmation.
func ParseConfirmation(s string) (Confirmation, error) {
	switch Confirmation(s) {
	case ConfirmationImmediate, ConfirmationDeferred:
		return Confirmation(s), nil
	default:
		return "", fmt.Errorf("unknown confirmation %q", s)
	}
}

// NotificationStringKind is the discriminant of a NotificationString.
type NotificationStringKind int32

const (
	NotificationStringDefault NotificationStringKind = iota
	NotificationStringEmpty
	NotificationStringRaw
	NotificationStringResource
)

// NotificationString is text shown in a confirmation notification. It is
// either the library default, empty, a raw string, or a resource key with
// arguments that is resolved lazily against Resources.
type NotificationString struct {
	Kind  NotificationStringKind
	Value string
	Args  []NotificationString
}

// DefaultString is resolved to the library's default text for the session.
func DefaultString() NotificationString {
	return NotificationString{Kind: NotificationStringDefault}
}

// EmptyString resolves to "".
func EmptyString() NotificationString { return NotificationString{Kind: NotificationStringEmpty} }

// RawString resolves to value. An empty value yields EmptyString.
func RawString(value string) NotificationString {
	if value == "" {
		return EmptyString()
	}
	return NotificationString{Kind: NotificationStringRaw, Value: value}
}

// ResourceString resolves key through Resources, formatting it with args.
func ResourceString(key string, args ...NotificationString) NotificationString {
	return NotificationString{Kind: NotificationStringResource, Value: key, Args: args}
}

func (s NotificationString) IsDefault() bool { return s.Kind == NotificationStringDefault }
func (s NotificationString) IsEmpty() bool   { return s.Kind == NotificationStringEmpty }

// Resolve renders s using res.
func (s NotificationString) Resolve(res Resources) string {
	switch s.Kind {
	case NotificationStringRaw:
		return s.Value
	case NotificationStringResource:
		args := make([]any, len(s.Args))
		for i, a := range s.Args {
			args[i] = a.Resolve(res)
		}
		return res.String(s.Value, args...)
	case NotificationStringDefault, NotificationStringEmpty:
		return ""
	default:
		return ""
	}
}

// Equal compares two notification strings structurally.
func (s NotificationString) Equal(o NotificationString) bool {
	if s.Kind != o.Kind || s.Value != o.Value || len(s.Args) != len(o.Args) {
		return false
	}
	for i := range s.Args {
		if !s.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// Resources looks up format strings by key.
type Resources interface {
	String(key string, args ...any) string
}

// Resource keys for the built-in notification texts.
const (
	ResInstallTitle            = "ackpine_prompt_install_title"
	ResInstallMessage          = "ackpine_prompt_install_message"
	ResInstallMessageWithLabel = "ackpine_prompt_install_message_with_label"
	ResUninstallTitle          = "ackpine_prompt_uninstall_title"
	ResUninstallMessage        = "ackpine_prompt_uninstall_message"
)

// StaticResources is a Resources backed by a map of fmt format strings.
type StaticResources map[string]string

// DefaultResources holds the English texts shipped with the library.
var DefaultResources = StaticResources{
	ResInstallTitle:            "Install app",
	ResInstallMessage:          "Tap to install the app",
	ResInstallMessageWithLabel: "Tap to install %s",
	ResUninstallTitle:          "Uninstall app",
	ResUninstallMessage:        "Tap to uninstall %s",
}

// String formats the entry for key. Missing keys render as the key itself.
func (r StaticResources) String(key string, args ...any) string {
	format, ok := r[key]
	if !ok {
		return key
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// NotificationIcon names the drawable shown in the notification.
type NotificationIcon string

const (
	IconInstall   NotificationIcon = "ic_install"
	IconUninstall NotificationIcon = "ic_delete"
)

// NotificationData configures the deferred-confirmation notification.
type NotificationData struct {
	Icon        NotificationIcon
	Title       NotificationString
	ContentText NotificationString
}

// DefaultNotificationData leaves every field to be resolved per session.
func DefaultNotificationData() NotificationData {
	return NotificationData{Title: DefaultString(), ContentText: DefaultString()}
}

// ResolveInstallNotification replaces defaults with the install texts. name
// is the application label, if known.
func ResolveInstallNotification(d NotificationData, name string) NotificationData {
	if d.Icon == "" {
		d.Icon = IconInstall
	}
	if d.Title.IsDefault() {
		d.Title = ResourceString(ResInstallTitle)
	}
	if d.ContentText.IsDefault() {
		if name == "" {
			d.ContentText = ResourceString(ResInstallMessage)
		} else {
			d.ContentText = ResourceString(ResInstallMessageWithLabel, RawString(name))
		}
	}
	return d
}

// ResolveUninstallNotification replaces defaults with the uninstall texts.
func ResolveUninstallNotification(d NotificationData, packageName string) NotificationData {
	if d.Icon == "" {
		d.Icon = IconUninstall
	}
	if d.Title.IsDefault() {
		d.Title = ResourceString(ResUninstallTitle)
	}
	if d.ContentText.IsDefault() {
		d.ContentText = ResourceString(ResUninstallMessage, RawString(packageName))
	}
	return d
}

// Progress reports how far a backend has come preparing a session.
type Progress struct {
	Progress int
	Max      int
}

// ProgressMax is the scale used by all backends.
const ProgressMax = 100

// NewProgress clamps p into [0, ProgressMax].
func NewProgress(p int) Progress {
	return Progress{Progress: min(max(p, 0), ProgressMax), Max: ProgressMax}
}
