package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// StoredTrace is the W3C trace context persisted with a row so work resumed
// later (an outbox publish) joins the trace that produced it.
type StoredTrace struct {
	Traceparent string
	Tracestate  string
}

func (s StoredTrace) Empty() bool { return s.Traceparent == "" }

// CaptureTrace reads the active trace from ctx through the global propagator.
func CaptureTrace(ctx context.Context) StoredTrace {
	c := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, c)
	return StoredTrace{Traceparent: c.Get("traceparent"), Tracestate: c.Get("tracestate")}
}

// Resume returns ctx carrying the stored trace as its remote parent.
func (s StoredTrace) Resume(ctx context.Context) context.Context {
	if s.Empty() {
		return ctx
	}
	c := propagation.MapCarrier{"traceparent": s.Traceparent}
	if s.Tracestate != "" {
		c["tracestate"] = s.Tracestate
	}
	return otel.GetTextMapPropagator().Extract(ctx, c)
}
