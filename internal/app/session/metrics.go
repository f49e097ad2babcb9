package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/ackpine/internal/domain/session"
)

// Metrics records session lifecycle measurements.
type Metrics interface {
	IncTransitions(ctx context.Context, typ session.Type, from, to session.StateKind)
	IncPersistErrors(ctx context.Context, typ session.Type)
	IncCommittedNotifications(ctx context.Context, typ session.Type)
	IncSessionsCreated(ctx context.Context, typ session.Type)
	IncBackendErrors(ctx context.Context, typ session.Type, op string)
}

type sessionMetrics struct {
	transitions            metric.Int64Counter
	persistErrors          metric.Int64Counter
	committedNotifications metric.Int64Counter
	sessionsCreated        metric.Int64Counter
	backendErrors          metric.Int64Counter
}

const namespace = "ackpine.session"

// NewMetrics creates the session instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*sessionMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(sessionMetrics)
	var err error

	if m.transitions, err = meter.Int64Counter(
		"ackpine.session.transitions",
		metric.WithDescription("Total number of persisted session state transitions"),
	); err != nil {
		return nil, err
	}

	if m.persistErrors, err = meter.Int64Counter(
		"ackpine.session.persist_errors",
		metric.WithDescription("Total number of transitions dropped because persisting them failed"),
	); err != nil {
		return nil, err
	}

	if m.committedNotifications, err = meter.Int64Counter(
		"ackpine.session.committed_notifications",
		metric.WithDescription("Total number of commit notifications received from confirmation surfaces"),
	); err != nil {
		return nil, err
	}

	if m.sessionsCreated, err = meter.Int64Counter(
		"ackpine.session.created",
		metric.WithDescription("Total number of sessions created"),
	); err != nil {
		return nil, err
	}

	if m.backendErrors, err = meter.Int64Counter(
		"ackpine.session.backend_errors",
		metric.WithDescription("Total number of errors returned by session backends"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func typeAttr(typ session.Type) attribute.KeyValue { return attribute.String("type", string(typ)) }

func (m *sessionMetrics) IncTransitions(ctx context.Context, typ session.Type, from, to session.StateKind) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		typeAttr(typ),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *sessionMetrics) IncPersistErrors(ctx context.Context, typ session.Type) {
	m.persistErrors.Add(ctx, 1, metric.WithAttributes(typeAttr(typ)))
}

func (m *sessionMetrics) IncCommittedNotifications(ctx context.Context, typ session.Type) {
	m.committedNotifications.Add(ctx, 1, metric.WithAttributes(typeAttr(typ)))
}

func (m *sessionMetrics) IncSessionsCreated(ctx context.Context, typ session.Type) {
	m.sessionsCreated.Add(ctx, 1, metric.WithAttributes(typeAttr(typ)))
}

func (m *sessionMetrics) IncBackendErrors(ctx context.Context, typ session.Type, op string) {
	m.backendErrors.Add(ctx, 1, metric.WithAttributes(typeAttr(typ), attribute.String("op", op)))
}
