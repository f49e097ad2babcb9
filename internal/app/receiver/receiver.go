// Package receiver turns package installer status broadcasts into session
// state changes.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/internal/app/confirmation"
	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

// ErrMissingConfirmation fails a session whose pending-user-action status
// arrived without the confirmation to show.
var ErrMissingConfirmation = errors.New("pending user action status carried no confirmation intent")

// ConfirmationLauncher requests user confirmation for a session.
type ConfirmationLauncher interface {
	Launch(ctx context.Context, req confirmation.Request) error
}

// StatusSubscriber delivers status broadcasts to a handler until ctx is done.
type StatusSubscriber interface {
	SubscribeStatus(ctx context.Context, handler func(session.StatusBroadcast) error) error
}

// Receiver applies status broadcasts to the sessions they belong to.
type Receiver struct {
	confirm ConfirmationLauncher
	log     *logger.Logger
	tracer  trace.Tracer

	mu      sync.RWMutex
	sources map[session.Type]confirmation.SessionSource
}

// New creates a receiver that launches confirmations through confirm.
func New(confirm ConfirmationLauncher, log *logger.Logger, tracer trace.Tracer) *Receiver {
	return &Receiver{
		confirm: confirm,
		log:     log.With("component", "status.receiver"),
		tracer:  tracer,
		sources: make(map[session.Type]confirmation.SessionSource),
	}
}

// RegisterSource resolves sessions of type t through src.
func (r *Receiver) RegisterSource(t session.Type, src confirmation.SessionSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[t] = src
}

// Start subscribes the receiver to sub until ctx is done.
func (r *Receiver) Start(ctx context.Context, sub StatusSubscriber) error {
	if err := sub.SubscribeStatus(ctx, r.Handle); err != nil {
		return fmt.Errorf("subscribing to status broadcasts: %w", err)
	}
	return nil
}

// Handle processes one broadcast. The session is looked up asynchronously,
// so Handle returns before the state changes.
func (r *Receiver) Handle(b session.StatusBroadcast) error {
	t := b.Target
	if t.Action != session.StatusAction(t.SessionType) {
		return nil
	}

	r.mu.RLock()
	src, ok := r.sources[t.SessionType]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn(context.Background(), "no session source for status", "session_type", string(t.SessionType))
		return nil
	}

	ctx := context.Background()
	src.GetSessionAsync(ctx, t.SessionID).Then(func(m *appsession.Machine, err error) {
		if err != nil {
			r.log.Error(ctx, "failed to load session for status", "session_id", t.SessionID.String(), "error", err)
			return
		}
		if m == nil {
			r.log.Warn(ctx, "status for unknown session", "session_id", t.SessionID.String())
			return
		}
		r.apply(ctx, m, b)
	})
	return nil
}

func (r *Receiver) apply(ctx context.Context, m *appsession.Machine, b session.StatusBroadcast) {
	ctx, span := r.tracer.Start(ctx, "receiver.apply_status", trace.WithAttributes(
		attribute.String("session_id", m.ID().String()),
		attribute.Int("status", b.Status),
	))
	defer span.End()

	switch b.Status {
	case session.StatusPendingUserAction:
		if b.Confirmation == nil {
			span.RecordError(ErrMissingConfirmation)
			m.CompleteExceptionally(ErrMissingConfirmation)
			return
		}
		if err := r.confirm.Launch(ctx, confirmationRequest(b)); err != nil {
			span.RecordError(err)
			r.log.Error(ctx, "failed to launch confirmation", "session_id", m.ID().String(), "error", err)
			m.CompleteExceptionally(err)
		}
	case session.StatusSuccess:
		m.Complete(session.Succeeded)
	default:
		f := session.FailureFromStatus(m.Type(), b.Status, b.Message, b.OtherPackageName, b.StoragePath)
		r.log.Info(ctx, "session failed by status", "session_id", m.ID().String(), "failure", f.String())
		m.Complete(session.Failed(f))
	}
}

func confirmationRequest(b session.StatusBroadcast) confirmation.Request {
	intent := b.Confirmation.Clone()
	intent.SessionID = b.Target.SessionID
	intent.SessionType = b.Target.SessionType
	if b.Target.SessionType == session.TypeUninstall {
		intent.Action = session.ActionConfirmUninstall
	} else {
		intent.Action = session.ActionConfirmInstall
	}
	return confirmation.Request{
		SessionID:      b.Target.SessionID,
		Confirmation:   b.Target.Confirmation,
		Notification:   b.Target.Notification,
		NotificationID: b.Target.NotificationID,
		Intent:         intent,
	}
}
