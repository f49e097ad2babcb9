package ackpine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/plugin"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/pkg/future"
)

// Installer creates install sessions and finds existing ones.
type Installer struct{ a *Ackpine }

// CreateSession builds the parameters and starts a session in Pending. It
// fails synchronously only for invalid parameters or unregistered plugins.
func (i *Installer) CreateSession(ctx context.Context, b *session.InstallBuilder) (*Session, error) {
	params, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := i.a.checkPlugins(params.Plugins); err != nil {
		return nil, err
	}
	return i.a.manager.CreateSession(ctx, params)
}

// GetSessionAsync resolves the install session with id, or nil.
func (i *Installer) GetSessionAsync(ctx context.Context, id uuid.UUID) *future.Future[*Session] {
	return ofType(i.a.manager.GetSessionAsync(ctx, id), session.TypeInstall)
}

// GetSessionsAsync resolves every install session.
func (i *Installer) GetSessionsAsync(ctx context.Context) *future.Future[[]*Session] {
	return filter(i.a.manager.GetSessionsAsync(ctx), session.TypeInstall)
}

// GetActiveSessionsAsync resolves the install sessions not yet terminal.
func (i *Installer) GetActiveSessionsAsync(ctx context.Context) *future.Future[[]*Session] {
	return filter(i.a.manager.GetActiveSessionsAsync(ctx), session.TypeInstall)
}

// Uninstaller creates uninstall sessions and finds existing ones.
type Uninstaller struct{ a *Ackpine }

func (u *Uninstaller) CreateSession(ctx context.Context, b *session.UninstallBuilder) (*Session, error) {
	params, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := u.a.checkPlugins(params.Plugins); err != nil {
		return nil, err
	}
	return u.a.manager.CreateSession(ctx, params)
}

func (u *Uninstaller) GetSessionAsync(ctx context.Context, id uuid.UUID) *future.Future[*Session] {
	return ofType(u.a.manager.GetSessionAsync(ctx, id), session.TypeUninstall)
}

func (u *Uninstaller) GetSessionsAsync(ctx context.Context) *future.Future[[]*Session] {
	return filter(u.a.manager.GetSessionsAsync(ctx), session.TypeUninstall)
}

func (u *Uninstaller) GetActiveSessionsAsync(ctx context.Context) *future.Future[[]*Session] {
	return filter(u.a.manager.GetActiveSessionsAsync(ctx), session.TypeUninstall)
}

func (a *Ackpine) checkPlugins(entries []plugin.Entry) error {
	for _, e := range entries {
		if _, err := a.plugins.Resolve(e.ID); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}
	return nil
}

func ofType(f *future.Future[*Session], t session.Type) *future.Future[*Session] {
	out, resolve := future.New[*Session]()
	f.Then(func(s *Session, err error) {
		if s != nil && s.Type() != t {
			s = nil
		}
		resolve(s, err)
	})
	return out
}

func filter(f *future.Future[[]*Session], t session.Type) *future.Future[[]*Session] {
	out, resolve := future.New[[]*Session]()
	f.Then(func(all []*Session, err error) {
		var kept []*Session
		for _, s := range all {
			if s.Type() == t {
				kept = append(kept, s)
			}
		}
		resolve(kept, err)
	})
	return out
}
