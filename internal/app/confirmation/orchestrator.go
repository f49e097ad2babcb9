// Package confirmation shows the user the prompts the OS requires before a
// session can finish. The Orchestrator either starts a surface right away or
// posts a notification whose tap starts it, and binds at most one live
// Surface to each session.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/pkg/common"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

var (
	// ErrUnknownAction is returned by Open for an intent no delegate handles.
	ErrUnknownAction = errors.New("no confirmation delegate for action")
	// ErrNoSessionSource is returned by Open when no source is registered for
	// the intent's session type.
	ErrNoSessionSource = errors.New("no session source for type")
)

var _ appsession.NotificationCanceller = (*Orchestrator)(nil)

// Request describes the confirmation a session needs.
type Request struct {
	SessionID      uuid.UUID
	Confirmation   session.Confirmation
	Notification   session.NotificationData
	NotificationID int
	Intent         session.Intent
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResources resolves notification texts through res.
func WithResources(res session.Resources) Option {
	return func(o *Orchestrator) { o.resources = res }
}

// WithDelegates replaces the built-in delegates.
func WithDelegates(ds ...Delegate) Option {
	return func(o *Orchestrator) {
		o.delegates = make(map[session.Action]Delegate, len(ds))
		for _, d := range ds {
			o.delegates[d.Action()] = d
		}
	}
}

// Orchestrator routes confirmation requests to the host and tracks the
// surfaces it opens.
type Orchestrator struct {
	launcher  Launcher
	notifier  Notifier
	limiter   *common.RateLimiter
	resources session.Resources
	log       *logger.Logger
	tracer    trace.Tracer

	mu        sync.Mutex
	sources   map[session.Type]SessionSource
	delegates map[session.Action]Delegate
	bound     map[uuid.UUID]*Surface
}

// NewOrchestrator creates an orchestrator. limiter throttles deferred
// confirmation notifications.
func NewOrchestrator(
	launcher Launcher,
	notifier Notifier,
	limiter *common.RateLimiter,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		launcher:  launcher,
		notifier:  notifier,
		limiter:   limiter,
		resources: session.DefaultResources,
		log:       log.With("component", "confirmation.orchestrator"),
		tracer:    tracer,
		sources:   make(map[session.Type]SessionSource),
		bound:     make(map[uuid.UUID]*Surface),
	}
	WithDelegates(DefaultDelegates()...)(o)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterSource makes sessions of type t available to surfaces.
func (o *Orchestrator) RegisterSource(t session.Type, src SessionSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[t] = src
}

// Launch asks for confirmation of the session in req. It does nothing while
// a surface for the session is open.
func (o *Orchestrator) Launch(ctx context.Context, req Request) error {
	ctx, span := o.tracer.Start(ctx, "confirmation.launch", trace.WithAttributes(
		attribute.String("session_id", req.SessionID.String()),
		attribute.String("confirmation", string(req.Confirmation)),
		attribute.String("action", string(req.Intent.Action)),
	))
	defer span.End()

	if o.Bound(req.SessionID) != nil {
		span.AddEvent("surface_already_bound")
		return nil
	}

	switch req.Confirmation {
	case session.ConfirmationImmediate:
		if err := o.launcher.Start(ctx, req.Intent); err != nil {
			span.RecordError(err)
			return fmt.Errorf("starting confirmation: %w", err)
		}
		return nil
	case session.ConfirmationDeferred:
		if err := o.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting to notify: %w", err)
		}
		n := Notification{
			Tag:      req.SessionID.String(),
			ID:       req.NotificationID,
			Icon:     req.Notification.Icon,
			Title:    req.Notification.Title.Resolve(o.resources),
			Text:     req.Notification.ContentText.Resolve(o.resources),
			Priority: PriorityMax,
			Intent:   req.Intent.Clone(),
		}
		if err := o.notifier.Notify(ctx, n); err != nil {
			span.RecordError(err)
			return fmt.Errorf("posting confirmation notification: %w", err)
		}
		o.log.Debug(ctx, "confirmation notification posted",
			"session_id", req.SessionID.String(), "notification_id", req.NotificationID)
		return nil
	default:
		return fmt.Errorf("unknown confirmation %q", req.Confirmation)
	}
}

// CancelNotification withdraws a deferred-confirmation notification.
func (o *Orchestrator) CancelNotification(tag string, notificationID int) {
	o.notifier.Cancel(tag, notificationID)
}

// Open is called by the host when it creates a surface for intent. saved is
// nil on a fresh create and holds the state from SaveState when the host
// recreates the surface. With saved nil and a surface already bound, the
// existing surface is returned.
func (o *Orchestrator) Open(ctx context.Context, intent session.Intent, window Window, saved *SavedState) (*Surface, error) {
	o.mu.Lock()
	delegate, ok := o.delegates[intent.Action]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, intent.Action)
	}
	src, ok := o.sources[intent.SessionType]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoSessionSource, intent.SessionType)
	}
	if existing := o.bound[intent.SessionID]; existing != nil && saved == nil {
		o.mu.Unlock()
		return existing, nil
	}

	s := newSurface(o, delegate, intent.Clone(), window, saved)
	o.bound[intent.SessionID] = s
	o.mu.Unlock()

	fresh := saved == nil
	notify := fresh || !saved.ChangingConfigurations
	o.log.Debug(ctx, "confirmation surface opened",
		"session_id", intent.SessionID.String(), "delegate", delegate.Tag(), "fresh", fresh)

	ctx = context.WithoutCancel(ctx)
	src.GetSessionAsync(ctx, intent.SessionID).Then(func(m *appsession.Machine, err error) {
		s.attach(ctx, m, err, fresh, notify)
	})
	return s, nil
}

// Bound returns the live surface for id, if any.
func (o *Orchestrator) Bound(id uuid.UUID) *Surface {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bound[id]
}

func (o *Orchestrator) unbind(s *Surface) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bound[s.intent.SessionID] == s {
		delete(o.bound, s.intent.SessionID)
	}
}

func newRequestCode() int { return rand.IntN(math.MaxInt32) }
