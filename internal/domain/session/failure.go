package session

import (
	"errors"
	"fmt"
	"strings"
)

// Type distinguishes install sessions from uninstall sessions.
type Type string

const (
	TypeInstall   Type = "INSTALL"
	TypeUninstall Type = "UNINSTALL"
)

func (t Type) String() string { return string(t) }

// ParseType converts a persisted tag to a Type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeInstall, TypeUninstall:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown session type %q", s)
	}
}

// FailureKind is the discriminant of a Failure.
type FailureKind string

const (
	FailureGeneric      FailureKind = "GENERIC"
	FailureAborted      FailureKind = "ABORTED"
	FailureBlocked      FailureKind = "BLOCKED"
	FailureConflict     FailureKind = "CONFLICT"
	FailureIncompatible FailureKind = "INCOMPATIBLE"
	FailureInvalid      FailureKind = "INVALID"
	FailureStorage      FailureKind = "STORAGE"
	FailureTimeout      FailureKind = "TIMEOUT"
	FailureExceptional  FailureKind = "EXCEPTIONAL"
)

// FailureKinds lists every kind in declaration order.
var FailureKinds = []FailureKind{
	FailureGeneric, FailureAborted, FailureBlocked, FailureConflict, FailureIncompatible,
	FailureInvalid, FailureStorage, FailureTimeout, FailureExceptional,
}

func (k FailureKind) String() string { return string(k) }

// Int32 returns the stable numeric code used by the blob codec.
func (k FailureKind) Int32() int32 {
	switch k {
	case FailureGeneric:
		return 1
	case FailureAborted:
		return 2
	case FailureBlocked:
		return 3
	case FailureConflict:
		return 4
	case FailureIncompatible:
		return 5
	case FailureInvalid:
		return 6
	case FailureStorage:
		return 7
	case FailureTimeout:
		return 8
	case FailureExceptional:
		return 9
	default:
		return 0
	}
}

// FailureKindFromInt32 is the inverse of Int32. Unknown codes map to Generic.
func FailureKindFromInt32(i int32) FailureKind {
	if i >= 1 && int(i) <= len(FailureKinds) {
		return FailureKinds[i-1]
	}
	return FailureGeneric
}

// Failure describes why a session failed. OtherPackageName is meaningful for
// Blocked and Conflict, StoragePath for Storage, and Cause for Exceptional.
type Failure struct {
	Type             Type
	Kind             FailureKind
	Message          string
	OtherPackageName string
	StoragePath      string
	Cause            error
}

const (
	installExceptionalMessage   = "Install failed due to an exception."
	uninstallExceptionalMessage = "Uninstall failed due to an exception."
)

// Generic returns a generic failure of type t.
func Generic(t Type, msg string) Failure { return Failure{Type: t, Kind: FailureGeneric, Message: msg} }

// Aborted returns a failure caused by the user or the system aborting the session.
func Aborted(t Type, msg string) Failure { return Failure{Type: t, Kind: FailureAborted, Message: msg} }

// Blocked returns a failure caused by another package blocking the operation.
func Blocked(t Type, msg, otherPackage string) Failure {
	return Failure{Type: t, Kind: FailureBlocked, Message: msg, OtherPackageName: otherPackage}
}

// Conflict returns a failure caused by a conflicting package.
func Conflict(t Type, msg, otherPackage string) Failure {
	return Failure{Type: t, Kind: FailureConflict, Message: msg, OtherPackageName: otherPackage}
}

// Incompatible returns a failure for a package incompatible with the device.
func Incompatible(t Type, msg string) Failure {
	return Failure{Type: t, Kind: FailureIncompatible, Message: msg}
}

// Invalid returns a failure for malformed package contents.
func Invalid(t Type, msg string) Failure { return Failure{Type: t, Kind: FailureInvalid, Message: msg} }

// Storage returns a failure caused by storage problems at storagePath.
func Storage(t Type, msg, storagePath string) Failure {
	return Failure{Type: t, Kind: FailureStorage, Message: msg, StoragePath: storagePath}
}

// Timeout returns a failure for an operation that did not finish in time.
func Timeout(t Type, msg string) Failure { return Failure{Type: t, Kind: FailureTimeout, Message: msg} }

// Exceptional wraps an unexpected error raised while dispatching the session.
func Exceptional(t Type, cause error) Failure {
	msg := installExceptionalMessage
	if t == TypeUninstall {
		msg = uninstallExceptionalMessage
	}
	return Failure{Type: t, Kind: FailureExceptional, Message: msg, Cause: cause}
}

// Package installer status codes as broadcast by the OS.
const (
	StatusPendingUserAction = -1
	StatusSuccess           = 0
	StatusFailure           = 1
	StatusFailureBlocked    = 2
	StatusFailureAborted    = 3
	StatusFailureInvalid    = 4
	StatusFailureConflict   = 5
	StatusFailureStorage    = 6
	StatusFailureIncompat   = 7
	StatusFailureTimeout    = 8
)

const unknownFailureMessage = "Unknown failure"

// FailureFromStatus maps an OS status code to a failure of type t. Unknown
// codes yield Generic("Unknown failure").
func FailureFromStatus(t Type, status int, msg, otherPackage, storagePath string) Failure {
	switch status {
	case StatusFailure:
		return Generic(t, msg)
	case StatusFailureAborted:
		return Aborted(t, msg)
	case StatusFailureBlocked:
		return Blocked(t, msg, otherPackage)
	case StatusFailureConflict:
		return Conflict(t, msg, otherPackage)
	case StatusFailureIncompat:
		return Incompatible(t, msg)
	case StatusFailureInvalid:
		return Invalid(t, msg)
	case StatusFailureStorage:
		return Storage(t, msg, storagePath)
	case StatusFailureTimeout:
		return Timeout(t, msg)
	default:
		return Generic(t, unknownFailureMessage)
	}
}

// Error implements error so a failure can be returned or wrapped directly.
func (f Failure) Error() string { return f.String() }

// Unwrap exposes the underlying cause of exceptional failures.
func (f Failure) Unwrap() error { return f.Cause }

func (f Failure) String() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.Message != "" {
		fmt.Fprintf(&b, ": %s", f.Message)
	}
	switch f.Kind {
	case FailureBlocked, FailureConflict:
		if f.OtherPackageName != "" {
			fmt.Fprintf(&b, " (package %s)", f.OtherPackageName)
		}
	case FailureStorage:
		if f.StoragePath != "" {
			fmt.Fprintf(&b, " (path %s)", f.StoragePath)
		}
	case FailureExceptional:
		if f.Cause != nil {
			fmt.Fprintf(&b, ": %v", f.Cause)
		}
	case FailureGeneric, FailureAborted, FailureIncompatible, FailureInvalid, FailureTimeout:
	}
	return b.String()
}

// Equal compares failures by value. Causes are compared by message since
// they cannot survive persistence with their concrete type.
func (f Failure) Equal(o Failure) bool {
	if f.Type != o.Type || f.Kind != o.Kind || f.Message != o.Message ||
		f.OtherPackageName != o.OtherPackageName || f.StoragePath != o.StoragePath {
		return false
	}
	if f.Cause == nil || o.Cause == nil {
		return f.Cause == nil && o.Cause == nil
	}
	return f.Cause.Error() == o.Cause.Error()
}

// PersistedCause is the cause restored from storage for exceptional failures.
type PersistedCause struct{ Msg string }

func (e *PersistedCause) Error() string { return e.Msg }

// RestoreCause builds the cause for a failure read back from storage.
func RestoreCause(msg string) error {
	if msg == "" {
		return nil
	}
	return &PersistedCause{Msg: msg}
}

// IsExceptional reports whether err is or wraps an exceptional failure.
func IsExceptional(err error) bool {
	var f Failure
	return errors.As(err, &f) && f.Kind == FailureExceptional
}
