package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestSpanExcluder(t *testing.T) {
	t.Parallel()

	s := spanExcluder{
		excluded: map[string]struct{}{"session.deliver_progress": {}},
		ratio:    sdktrace.AlwaysSample(),
	}

	tests := []struct {
		name string
		span string
		want sdktrace.SamplingDecision
	}{
		{name: "excluded span dropped", span: "session.deliver_progress", want: sdktrace.Drop},
		{name: "other span sampled", span: "session.transition", want: sdktrace.RecordAndSample},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := s.ShouldSample(sdktrace.SamplingParameters{
				ParentContext: context.Background(),
				TraceID:       trace.TraceID{1},
				Name:          tt.span,
			})
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "00000000000000000000000000000000", GetTraceID(context.Background()))
}
