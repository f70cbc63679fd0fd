package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID     = "event_id"
	HeaderEventType   = "event_type"
	HeaderAggregateID = "aggregate_id"
)

// EventMeta is the metadata carried on every message the reservation service emits.
type EventMeta struct {
	EventID     string
	EventType   string
	AggregateID string
}

// Headers renders meta as Kafka headers.
func (m EventMeta) Headers() []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(m.EventID)},
		{Key: HeaderEventType, Value: []byte(m.EventType)},
	}
	if m.AggregateID != "" {
		headers = append(headers, kafka.Header{Key: HeaderAggregateID, Value: []byte(m.AggregateID)})
	}
	return headers
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:     HeaderValue(msg.Headers, HeaderEventID),
		EventType:   HeaderValue(msg.Headers, HeaderEventType),
		AggregateID: HeaderValue(msg.Headers, HeaderAggregateID),
	}
	if meta.AggregateID == "" {
		meta.AggregateID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
