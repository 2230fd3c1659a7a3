package models

import (
	"time"

	"github.com/google/uuid"
)

// Pond is one tank served by a device. A device drives up to two ponds,
// addressed on the wire by Position (1 or 2).
type Pond struct {
	ID       uuid.UUID
	DeviceID string
	Name     string
	Position int
}

type FeedEvent struct {
	ID         uuid.UUID
	PondID     uuid.UUID
	CommandID  uuid.UUID // unique; a repeated device completion cannot record twice
	AmountKg   float64
	Actor      Actor
	OccurredAt time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}

type OutboxEvent struct {
	EventID       uuid.UUID
	PondID        uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Topic         string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}
