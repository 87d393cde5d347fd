package otel

import (
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// endpointExcluder drops spans for excluded routes and samples the rest by
// trace id ratio, honoring the parent's decision.
type endpointExcluder struct {
	excluded map[string]struct{}
	sampler  sdktrace.Sampler
}

func newEndpointExcluder(excluded map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		excluded: excluded,
		sampler:  sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability)),
	}
}

// ShouldSample implements sdktrace.Sampler.
func (ee endpointExcluder) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if ee.isExcluded(p) {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return ee.sampler.ShouldSample(p)
}

func (ee endpointExcluder) isExcluded(p sdktrace.SamplingParameters) bool {
	if _, ok := ee.excluded[p.Name]; ok {
		return true
	}
	for _, attr := range p.Attributes {
		switch attr.Key {
		case semconv.URLPathKey, semconv.HTTPRouteKey:
			if _, ok := ee.excluded[attr.Value.AsString()]; ok {
				return true
			}
		}
	}
	return false
}

// Description implements sdktrace.Sampler.
func (ee endpointExcluder) Description() string {
	return fmt.Sprintf("EndpointExcluder{%d routes, %s}", len(ee.excluded), ee.sampler.Description())
}
