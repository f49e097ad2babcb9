package session

import "errors"

var (
	// ErrSessionNotFound is returned by repositories for unknown ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a state change is not permitted
	// by the lifecycle.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrEmptyAPKs is returned for install sessions without any APK.
	ErrEmptyAPKs = errors.New("install session has no APKs")

	// ErrMissingID is returned for records without an id.
	ErrMissingID = errors.New("session id is required")
)
