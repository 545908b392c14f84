package prescription

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionGenerated EventType = "PrescriptionGenerated"
)

// AggregateType is the aggregate type recorded on prescription events
const AggregateType = "PrescriptionRecord"

// Event is a domain event published through the outbox
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// PrescriptionGeneratedData is the payload of EventPrescriptionGenerated.
// It carries the whole record so consumers need no database access.
type PrescriptionGeneratedData struct {
	Record *Record `json:"record"`
}

// NewGeneratedEvent builds the event announcing rec
func NewGeneratedEvent(rec *Record) (*Event, error) {
	e, err := NewEvent(rec.ID.String(), EventPrescriptionGenerated, &PrescriptionGeneratedData{Record: rec})
	if err != nil {
		return nil, err
	}
	e.PatientID = rec.PatientID
	return e, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// DecodeGenerated extracts the record from an EventPrescriptionGenerated
// event payload.
func DecodeGenerated(payload []byte) (*Event, *Record, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, nil, err
	}
	if e.EventType != EventPrescriptionGenerated {
		return nil, nil, fmt.Errorf("unexpected event type %q", e.EventType)
	}
	var data PrescriptionGeneratedData
	if err := json.Unmarshal(e.EventData, &data); err != nil {
		return nil, nil, err
	}
	if data.Record == nil {
		return nil, nil, fmt.Errorf("event %s carries no record", e.ID)
	}
	return &e, data.Record, nil
}
