// Package session runs install and uninstall sessions: the state machine that
// serializes commands and backend callbacks per session, the manager that
// creates and recovers sessions, and the asynchronous store facade.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/internal/domain/events"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/executor"
	"github.com/ahrav/ackpine/pkg/common/logger"
	"github.com/ahrav/ackpine/pkg/future"
)

// persistTimeout bounds each repository write made by a transition.
const persistTimeout = 10 * time.Second

// StateListener receives every state a session enters.
type StateListener func(id uuid.UUID, s session.State)

// ProgressListener receives progress updates while a session prepares.
type ProgressListener func(id uuid.UUID, p session.Progress)

// Deps are the collaborators shared by every machine of a manager.
type Deps struct {
	Repo    session.Repository
	Pool    executor.Executor
	Logger  *logger.Logger
	Tracer  trace.Tracer
	Metrics Metrics

	// Optional.
	Publisher     events.DomainEventPublisher
	Observer      CommitObserver
	Notifications NotificationCanceller
	Now           func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

var _ Handle = (*Machine)(nil)

// Machine is the state machine of one session. Commands, backend callbacks
// and listener registrations are tasks on a per-session serial queue, so
// they observe each other in submission order. Listener deliveries run on a
// second serial queue and never block commands.
type Machine struct {
	deps    *Deps
	backend Backend
	log     *logger.Logger

	commands  *executor.Serial
	callbacks *executor.Serial

	// ctx is the session context handed to backend work. It is cancelled by
	// Cancel and when the session reaches a terminal state.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	rec      *session.Record
	progress session.Progress

	// Only accessed from tasks on commands.
	preparing  bool
	committing bool
	cancelling bool

	stateListeners    *listenerStore[StateListener]
	progressListeners *listenerStore[ProgressListener]
}

func newMachine(rec *session.Record, backend Backend, deps *Deps) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		deps:              deps,
		backend:           backend,
		log:               deps.Logger.With("session_id", rec.ID.String(), "session_type", string(rec.Type)),
		commands:          executor.NewSerial(deps.Pool),
		callbacks:         executor.NewSerial(deps.Pool),
		ctx:               ctx,
		cancel:            cancel,
		rec:               rec.Clone(),
		progress:          session.Progress{Max: session.ProgressMax},
		stateListeners:    newListenerStore[StateListener](),
		progressListeners: newListenerStore[ProgressListener](),
	}
	if rec.State.IsTerminal() {
		cancel()
	}
	return m
}

func (m *Machine) ID() uuid.UUID { return m.rec.ID }

func (m *Machine) Type() session.Type { return m.rec.Type }

// Record returns a copy of the session record as last persisted.
func (m *Machine) Record() *session.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.Clone()
}

func (m *Machine) State() session.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.State
}

func (m *Machine) Progress() session.Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress
}

func (m *Machine) NotificationID() int { return m.rec.NotificationID }

// IsActive reports whether the session has not reached a terminal state.
func (m *Machine) IsActive() bool { return !m.State().IsTerminal() }

func (m *Machine) IsCompleted() bool { return m.State().IsCompleted() }

func (m *Machine) IsCancelled() bool { return m.State().Kind == session.StateCancelled }

// Launch starts preparing the session. The future resolves true if the
// launch was accepted.
func (m *Machine) Launch() *future.Future[bool] {
	return m.command("launch", func() (bool, error) {
		if m.cancelling || m.preparing {
			return false, nil
		}
		switch m.State().Kind {
		case session.StatePending:
			if err := m.transition(session.Active); err != nil {
				return false, err
			}
			m.touch("launch", m.deps.Repo.TouchLaunch)
		case session.StateActive:
			// Recovered mid-preparation; prepare again.
		default:
			return false, nil
		}

		m.preparing = true
		m.dispatch("prepare", func(ctx context.Context) error {
			return m.backend.Prepare(ctx, m)
		}, func() { m.preparing = false })
		return true, nil
	})
}

// Commit asks the backend to request confirmation. It is accepted only
// while the session is awaiting.
func (m *Machine) Commit() *future.Future[bool] {
	return m.command("commit", func() (bool, error) {
		if m.cancelling || m.committing || m.State().Kind != session.StateAwaiting {
			return false, nil
		}

		m.committing = true
		m.touch("commit", m.deps.Repo.TouchCommit)
		notificationID := m.NotificationID()
		m.dispatch("launch_confirmation", func(ctx context.Context) error {
			return m.backend.LaunchConfirmation(ctx, m, notificationID)
		}, nil)
		return true, nil
	})
}

// Cancel moves the session to Cancelled and releases backend resources. The
// session context is cancelled right after the transition is queued so
// in-flight backend work can stop early.
func (m *Machine) Cancel() *future.Future[bool] {
	f := m.command("cancel", m.cancelTask)
	m.cancel()
	return f
}

func (m *Machine) cancelTask() (bool, error) {
	if m.cancelling || m.State().IsTerminal() {
		return false, nil
	}

	m.cancelling = true
	if err := m.transition(session.Cancelled); err != nil {
		m.cancelling = false
		return false, err
	}
	m.cleanup()
	return true, nil
}

func (m *Machine) cleanup() {
	rec := m.Record()
	err := m.deps.Pool.Submit(func() {
		m.backend.Cleanup(m)
		if m.deps.Notifications != nil {
			m.deps.Notifications.CancelNotification(rec.ID.String(), rec.NotificationID)
		}
	})
	if err != nil {
		m.log.Warn(context.Background(), "failed to schedule session cleanup", "error", err)
	}
}

// NotifyAwaiting reports that preparation finished.
func (m *Machine) NotifyAwaiting() {
	m.post("notify_awaiting", func() {
		if m.State().Kind != session.StateActive {
			return
		}
		m.preparing = false
		m.logTransitionError("notify_awaiting", m.transition(session.Awaiting))
	})
}

// NotifyCommitted reports that the confirmation was committed. It is counted
// on every call; the transition happens only from Awaiting.
func (m *Machine) NotifyCommitted() {
	m.post("notify_committed", func() {
		ctx := context.Background()
		m.deps.Metrics.IncCommittedNotifications(ctx, m.Type())
		if m.deps.Observer != nil {
			m.deps.Observer.OnCommitted(m.ID())
		}
		if m.State().Kind != session.StateAwaiting {
			return
		}
		m.logTransitionError("notify_committed", m.transition(session.Committed))
	})
}

// Complete finishes the session with s, which must be Succeeded or Failed.
func (m *Machine) Complete(s session.State) {
	m.post("complete", func() {
		if !s.IsCompleted() {
			m.log.Warn(context.Background(), "ignoring completion with non-final state", "state", s.String())
			return
		}
		m.logTransitionError("complete", m.transition(s))
	})
}

// CompleteExceptionally fails the session with an exceptional failure.
func (m *Machine) CompleteExceptionally(err error) {
	m.Complete(session.Failed(session.Exceptional(m.Type(), err)))
}

// SetProgress publishes p to progress listeners.
func (m *Machine) SetProgress(p session.Progress) {
	m.post("set_progress", func() {
		if m.State().IsTerminal() {
			return
		}
		m.mu.Lock()
		m.progress = p
		m.mu.Unlock()
		for _, reg := range m.progressListeners.snapshot() {
			m.deliverProgress(reg, p)
		}
	})
}

// SetNativeSessionID persists the OS session id and records it in memory.
func (m *Machine) SetNativeSessionID(ctx context.Context, nativeID int) error {
	if err := m.deps.Repo.SetNativeSessionID(ctx, m.ID(), nativeID); err != nil {
		return fmt.Errorf("persisting native session id: %w", err)
	}
	m.mu.Lock()
	m.rec.NativeSessionID = nativeID
	m.mu.Unlock()
	return nil
}

// AddStateListener registers fn. Registration runs on the session queue and
// immediately delivers the current state, so fn sees every later state
// exactly once and in order.
func (m *Machine) AddStateListener(fn StateListener) Subscription {
	reg := m.stateListeners.newRegistration(fn)
	m.post("add_state_listener", func() {
		if m.stateListeners.add(reg) {
			m.deliverState(reg, m.State())
		}
	})
	return reg
}

// AddProgressListener registers fn and delivers the current progress.
func (m *Machine) AddProgressListener(fn ProgressListener) Subscription {
	reg := m.progressListeners.newRegistration(fn)
	m.post("add_progress_listener", func() {
		if m.progressListeners.add(reg) {
			m.deliverProgress(reg, m.Progress())
		}
	})
	return reg
}

// insert persists a freshly created session and moves it to Pending. It is
// the first task queued for a new session.
func (m *Machine) insert() {
	m.post("insert", func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		rec := m.Record()
		rec.State = session.Pending
		if err := m.deps.Repo.Upsert(ctx, rec); err != nil {
			m.deps.Metrics.IncPersistErrors(ctx, m.Type())
			m.log.Error(ctx, "failed to persist new session", "error", err)
			m.logTransitionError("insert", m.transition(session.Failed(session.Exceptional(m.Type(), err))))
			return
		}
		m.apply(ctx, session.Creating, session.Pending)
	})
}

// transition persists target and then applies it. It must run on the
// command queue. A Creating session has no stored record yet, so only its
// in-memory state changes.
func (m *Machine) transition(target session.State) error {
	cur := m.State()
	if cur.Equal(target) || !cur.Kind.CanTransitionTo(target.Kind) {
		return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, cur.Kind, target.Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ctx, span := m.deps.Tracer.Start(ctx, "session.transition", trace.WithAttributes(
		attribute.String("session_id", m.ID().String()),
		attribute.String("from", string(cur.Kind)),
		attribute.String("to", string(target.Kind)),
	))
	defer span.End()

	if cur.Kind != session.StateCreating {
		if err := m.deps.Repo.UpdateState(ctx, m.ID(), target); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.deps.Metrics.IncPersistErrors(ctx, m.Type())
			m.log.Error(ctx, "failed to persist session state",
				"from", cur.String(), "to", target.String(), "error", err)
			return fmt.Errorf("persisting state %s: %w", target.Kind, err)
		}
	}

	m.apply(ctx, cur, target)
	return nil
}

func (m *Machine) apply(ctx context.Context, from, to session.State) {
	m.mu.Lock()
	m.rec.State = to
	m.rec.UpdatedAt = m.deps.now()
	m.mu.Unlock()

	if to.IsTerminal() {
		m.cancel()
	}

	m.deps.Metrics.IncTransitions(ctx, m.Type(), from.Kind, to.Kind)
	m.log.Debug(ctx, "session state changed", "from", from.String(), "to", to.String())

	if m.deps.Publisher != nil {
		evt := session.NewStateChangedEvent(m.ID(), m.Type(), from, to)
		if err := m.deps.Publisher.PublishDomainEvent(ctx, evt, events.WithKey(evt.Key())); err != nil {
			m.log.Warn(ctx, "failed to publish session state change", "error", err)
		}
	}

	for _, reg := range m.stateListeners.snapshot() {
		m.deliverState(reg, to)
	}
}

func (m *Machine) deliverState(reg *registration[StateListener], s session.State) {
	id := m.ID()
	m.deliver(func() {
		if !reg.IsDisposed() {
			reg.listener(id, s)
		}
	})
}

func (m *Machine) deliverProgress(reg *registration[ProgressListener], p session.Progress) {
	id := m.ID()
	m.deliver(func() {
		if !reg.IsDisposed() {
			reg.listener(id, p)
		}
	})
}

func (m *Machine) deliver(fn func()) {
	if err := m.callbacks.Submit(fn); err != nil {
		m.log.Warn(context.Background(), "failed to schedule listener delivery", "error", err)
	}
}

// dispatch runs a backend call on the pool with the session context. done,
// when set, runs on the command queue after the call returns.
func (m *Machine) dispatch(op string, call func(ctx context.Context) error, done func()) {
	err := m.deps.Pool.Submit(func() {
		ctx, span := m.deps.Tracer.Start(m.ctx, "session."+op, trace.WithAttributes(
			attribute.String("session_id", m.ID().String()),
		))
		err := call(ctx)
		if err != nil {
			span.RecordError(err)
		}
		span.End()

		if done != nil {
			m.post(op+"_done", done)
		}
		m.handleBackendError(op, err)
	})
	if err != nil {
		m.log.Error(context.Background(), "failed to schedule backend call", "op", op, "error", err)
		m.CompleteExceptionally(err)
	}
}

func (m *Machine) handleBackendError(op string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || m.ctx.Err() != nil {
		m.log.Debug(context.Background(), "backend call cancelled", "op", op)
		m.post("cancel", func() { _, _ = m.cancelTask() })
		return
	}

	ctx := context.Background()
	m.deps.Metrics.IncBackendErrors(ctx, m.Type(), op)
	m.log.Error(ctx, "backend call failed", "op", op, "error", err)
	m.CompleteExceptionally(err)
}

func (m *Machine) touch(name string, fn func(ctx context.Context, id uuid.UUID, at time.Time) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	at := m.deps.now()
	if err := fn(ctx, m.ID(), at); err != nil {
		m.log.Warn(ctx, "failed to persist timestamp", "timestamp", name, "error", err)
		return
	}
	m.mu.Lock()
	switch name {
	case "launch":
		m.rec.LastLaunchAt = at
	case "commit":
		m.rec.LastCommitAt = at
	}
	m.mu.Unlock()
}

// command queues fn and resolves the returned future with its result.
func (m *Machine) command(name string, fn func() (bool, error)) *future.Future[bool] {
	f, resolve := future.New[bool]()
	err := m.commands.Submit(func() {
		ok, err := fn()
		resolve(ok, err)
	})
	if err != nil {
		resolve(false, fmt.Errorf("%s: %w", name, err))
	}
	return f
}

func (m *Machine) post(name string, fn func()) {
	if err := m.commands.Submit(fn); err != nil {
		m.log.Warn(context.Background(), "failed to schedule session task", "task", name, "error", err)
	}
}

func (m *Machine) logTransitionError(op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidTransition):
		m.log.Debug(context.Background(), "ignoring transition", "op", op, "reason", err.Error())
	default:
		m.log.Warn(context.Background(), "transition failed", "op", op, "error", err)
	}
}
