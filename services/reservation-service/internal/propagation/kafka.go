package propagation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/slotengine/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

type KafkaConfig struct {
	Brokers string
	Topic   string
	// GroupID must be unique per replica so every replica sees every change.
	GroupID string
}

// KafkaSource feeds the hub from the outbox-published granule topic.
type KafkaSource struct {
	reader *kafka.Reader
	hub    *Hub
	logger *slog.Logger
}

func NewKafkaSource(cfg KafkaConfig, hub *Hub, logger *slog.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkax.SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	return &KafkaSource{reader: reader, hub: hub, logger: logger}
}

func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.reader.Close()

	tracer := otelx.Tracer("kafka")
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("kafka read error", "err", err)
			time.Sleep(time.Second)
			continue
		}

		ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
		_, span := tracer.Start(ctxMsg, "kafka.consume", trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message_id", kafkax.ExtractEventMeta(msg).EventID),
		))
		var c model.GranuleChange
		if err := json.Unmarshal(msg.Value, &c); err != nil {
			s.logger.Error("invalid granule change payload", "err", err, "topic", msg.Topic)
			span.RecordError(err)
			span.End()
			continue
		}
		s.hub.PublishChange(c)
		span.End()
	}
}
