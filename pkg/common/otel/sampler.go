package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanExcluder drops spans whose names are in the excluded set and samples
// the rest by trace id ratio, honouring the parent's decision.
type spanExcluder struct {
	excluded map[string]struct{}
	ratio    sdktrace.Sampler
}

func newSpanExcluder(excluded map[string]struct{}, probability float64) sdktrace.Sampler {
	return sdktrace.ParentBased(spanExcluder{
		excluded: excluded,
		ratio:    sdktrace.TraceIDRatioBased(probability),
	})
}

// ShouldSample implements the sdktrace.Sampler interface.
func (s spanExcluder) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, ok := s.excluded[p.Name]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return s.ratio.ShouldSample(p)
}

// Description implements the sdktrace.Sampler interface.
func (s spanExcluder) Description() string {
	return "ackpine span excluder"
}
