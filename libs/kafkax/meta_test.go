package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestEventMetaRoundTrip(t *testing.T) {
	meta := EventMeta{EventID: "e-1", EventType: "slots.granule.changed.v1", AggregateID: "g-1"}
	msg := kafka.Message{Topic: "slots.granule.changed.v1", Headers: meta.Headers()}
	assert.Equal(t, meta, ExtractEventMeta(msg))

	bare := kafka.Message{Topic: "slots.reservation.confirmed.v1", Key: []byte("r-9")}
	got := ExtractEventMeta(bare)
	assert.Equal(t, "r-9", got.AggregateID)
	assert.Equal(t, "slots.reservation.confirmed.v1", got.EventType)
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, SplitBrokers(" kafka-1:9092,,kafka-2:9092 "))
	assert.Nil(t, SplitBrokers(""))
}

func TestTraceHeadersPropagate(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := InjectTraceHeaders(ctx, EventMeta{EventID: "e-2", EventType: "t"}.Headers())
	assert.NotEmpty(t, HeaderValue(headers, "traceparent"))

	out := ExtractTraceContext(context.Background(), kafka.Message{Headers: headers})
	assert.Equal(t, traceID, trace.SpanContextFromContext(out).TraceID())
}

func TestHeaderCarrierOverwrites(t *testing.T) {
	c := HeaderCarrier{{Key: "traceparent", Value: []byte("old")}}
	c.Set("traceparent", "new")
	c.Set("tracestate", "k=v")
	assert.Equal(t, "new", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent", "tracestate"}, c.Keys())
}
