package outbox

import "encoding/json"

const (
	TopicReservationConfirmed = "slots.reservation.confirmed.v1"
	TopicReservationCancelled = "slots.reservation.cancelled.v1"
	DefaultGranuleTopic       = "slots.granule.changed.v1"
)

// Event is the envelope written to outbox_events. The Kafka topic equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{AggregateType: aggregateType, AggregateID: aggregateID, EventType: eventType, Payload: raw}, nil
}
