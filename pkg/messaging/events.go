package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	EventRecordCreated = "record.created"
	EventRecordUpdated = "record.updated"
	EventRecordDeleted = "record.deleted"
)

// Exchange names
const (
	ExchangeRecordEvents = "record.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// RecordCreatedEvent is published when a record is created
type RecordCreatedEvent struct {
	RecordID int64  `json:"record_id"`
	Name     string `json:"name"`
	IDNumber string `json:"id_number"`
}

// RecordUpdatedEvent is published when a record is updated
type RecordUpdatedEvent struct {
	RecordID int64          `json:"record_id"`
	Fields   map[string]any `json:"fields"` // Changed fields
}

// RecordDeletedEvent is published when a record is deleted
type RecordDeletedEvent struct {
	RecordID int64 `json:"record_id"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%10000)
}
