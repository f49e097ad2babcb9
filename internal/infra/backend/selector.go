// Package backend picks the backend that runs a persisted session.
package backend

import (
	"errors"
	"fmt"

	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/backend/privileged"
)

// ErrNoBackend is returned when no backend is configured for a session.
var ErrNoBackend = errors.New("no backend for session")

// Backends holds one backend per mechanism. Unset entries make the sessions
// that need them fail selection.
type Backends struct {
	SessionBasedInstall   appsession.Backend
	IntentBasedInstall    appsession.Backend
	SessionBasedUninstall appsession.Backend
	IntentBasedUninstall  appsession.Backend
	Privileged            appsession.Backend
}

// Selector implements appsession.BackendSelector.
type Selector struct {
	backends Backends
}

var _ appsession.BackendSelector = (*Selector)(nil)

func NewSelector(b Backends) *Selector { return &Selector{backends: b} }

// Select picks by plugin first, then by session and installer type.
func (s *Selector) Select(r *session.Record) (appsession.Backend, error) {
	var b appsession.Backend
	switch {
	case r.HasPlugin(privileged.PluginID):
		b = s.backends.Privileged
	case r.Type == session.TypeInstall && r.InstallerType == string(session.InstallerIntentBased):
		b = s.backends.IntentBasedInstall
	case r.Type == session.TypeInstall:
		b = s.backends.SessionBasedInstall
	case r.Type == session.TypeUninstall && r.InstallerType == string(session.UninstallerIntentBased):
		b = s.backends.IntentBasedUninstall
	case r.Type == session.TypeUninstall:
		b = s.backends.SessionBasedUninstall
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s %s %s", ErrNoBackend, r.ID, r.Type, r.InstallerType)
	}
	return b, nil
}
