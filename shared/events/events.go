package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the durable status event relayed from the outbox to Kafka.
// Device commands themselves never travel this path.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	PondID        uuid.UUID       `json:"pond_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicExecutions = "pond.executions.v1"
	TopicCommands   = "pond.commands.v1"
	TopicAlerts     = "pond.alerts.v1"
)

const (
	EventAlertRaised   = "alert_raised"
	EventAlertResolved = "alert_resolved"
)

const (
	AggregateExecution = "automation_execution"
	AggregateCommand   = "device_command"
	AggregateAlert     = "alert"
)

func TopicFor(aggregateType string) string {
	switch aggregateType {
	case AggregateExecution:
		return TopicExecutions
	case AggregateCommand:
		return TopicCommands
	default:
		return TopicAlerts
	}
}

func New(aggregateType string, aggregateID uuid.UUID, pondID uuid.UUID, eventType string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		PondID:        pondID,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       b,
	}, nil
}
