package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier lets the OTel propagator read and write Kafka headers.
// Set overwrites an existing key so re-publishing never duplicates traceparent.
type HeaderCarrier []kafka.Header

var _ propagation.TextMapCarrier = (*HeaderCarrier)(nil)

func (c *HeaderCarrier) Get(key string) string { return HeaderValue(*c, key) }

func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *HeaderCarrier) Keys() []string {
	out := make([]string, len(*c))
	for i, h := range *c {
		out[i] = h.Key
	}
	return out
}

// InjectTraceHeaders adds the trace in ctx to headers.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	c := HeaderCarrier(headers)
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}

// ExtractTraceContext makes the producer's trace the parent of ctx.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	c := HeaderCarrier(msg.Headers)
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}
