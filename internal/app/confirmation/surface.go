package confirmation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/session"
)

// SavedState is what a surface keeps across recreation by the host.
type SavedState struct {
	RequestCode int
	// ChangingConfigurations is true when the surface is recreated by a
	// configuration change rather than after process death.
	ChangingConfigurations bool
	Loading                bool
}

// Surface is one live confirmation UI bound to a session.
type Surface struct {
	orch     *Orchestrator
	delegate Delegate
	intent   session.Intent
	window   Window

	mu            sync.Mutex
	session       *appsession.Machine
	subs          []appsession.Subscription
	requestCode   int
	loading       bool
	resultArrived bool
	finished      bool
	destroyed     bool
}

func newSurface(o *Orchestrator, d Delegate, intent session.Intent, w Window, saved *SavedState) *Surface {
	s := &Surface{orch: o, delegate: d, intent: intent, window: w}
	if saved != nil {
		s.requestCode = saved.RequestCode
		s.loading = saved.Loading
	} else {
		s.requestCode = newRequestCode()
	}
	return s
}

func (s *Surface) SessionID() uuid.UUID { return s.intent.SessionID }

func (s *Surface) Intent() session.Intent { return s.intent.Clone() }

func (s *Surface) RequestCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCode
}

func (s *Surface) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// SetLoading toggles the progress indicator shown while the system UI starts.
func (s *Surface) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

func (s *Surface) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// SaveState captures the state to restore when the host recreates the
// surface.
func (s *Surface) SaveState(changingConfigurations bool) SavedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SavedState{
		RequestCode:            s.requestCode,
		ChangingConfigurations: changingConfigurations,
		Loading:                s.loading,
	}
}

// OnBack aborts the session when the user leaves before the system UI
// reported a result.
func (s *Surface) OnBack() {
	s.mu.Lock()
	m, arrived := s.session, s.resultArrived
	s.mu.Unlock()

	if !arrived && m != nil {
		msg := fmt.Sprintf("%s was finished by user", s.delegate.Tag())
		m.Complete(session.Failed(session.Aborted(m.Type(), msg)))
	}
	s.finish()
}

// OnResult delivers the system UI result. Results for another request code
// are ignored.
func (s *Surface) OnResult(requestCode, resultCode int, data *session.Intent) {
	s.mu.Lock()
	if requestCode != s.requestCode || s.finished {
		s.mu.Unlock()
		return
	}
	s.resultArrived = true
	m := s.session
	s.mu.Unlock()

	if m != nil {
		if st, ok := s.delegate.Result(m.Type(), resultCode, data); ok {
			m.Complete(st)
		}
	}
	s.finish()
}

// Destroy releases the surface's listeners. The host calls it whenever the
// surface goes away, including before a recreation.
func (s *Surface) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}
	s.orch.unbind(s)
}

func (s *Surface) attach(ctx context.Context, m *appsession.Machine, err error, fresh, notify bool) {
	log := s.orch.log.With("session_id", s.intent.SessionID.String(), "delegate", s.delegate.Tag())
	if err != nil || m == nil {
		log.Warn(ctx, "confirmation surface has no session", "error", err)
		s.finish()
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.session = m
	s.mu.Unlock()

	sub := m.AddStateListener(func(_ uuid.UUID, st session.State) {
		if st.IsTerminal() {
			s.finish()
		}
	})
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		sub.Dispose()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	if notify && s.delegate.NotifiesCommitted() {
		m.NotifyCommitted()
	}
	if !fresh {
		return
	}
	if err := s.delegate.Start(ctx, s); err != nil {
		log.Error(ctx, "failed to start confirmation", "error", err)
		m.CompleteExceptionally(err)
	}
}

func (s *Surface) finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.window.Finish()
	s.orch.unbind(s)
}
