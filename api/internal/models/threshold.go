package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SensorThreshold struct {
	ID               uuid.UUID
	PondID           uuid.UUID
	Parameter        string
	UpperThreshold   float64
	LowerThreshold   float64
	AutomationAction Action
	Priority         Priority
	AlertLevel       AlertLevel
	ViolationTimeout int // seconds between reaching max_violations and acting
	MaxViolations    int
	SendAlert        bool
	Active           bool
}

func (t SensorThreshold) Violated(value float64) bool {
	return value > t.UpperThreshold || value < t.LowerThreshold
}

// BreachedBound is the bound value crossed, upper first.
func (t SensorThreshold) BreachedBound(value float64) float64 {
	if value > t.UpperThreshold {
		return t.UpperThreshold
	}
	return t.LowerThreshold
}

// ExecutionType for the triggered automation. Non-device actions fall back
// to the parameter: water parameters run as WATER, everything else as FEED.
func (t SensorThreshold) ExecutionType() ExecutionType {
	if t.AutomationAction.IsWater() {
		return ExecutionTypeWater
	}
	if t.AutomationAction == ActionFeed {
		return ExecutionTypeFeed
	}
	if strings.Contains(strings.ToLower(t.Parameter), "water") {
		return ExecutionTypeWater
	}
	return ExecutionTypeFeed
}

func (t SensorThreshold) Debounce() time.Duration {
	return time.Duration(t.ViolationTimeout) * time.Second
}

type Alert struct {
	ID               uuid.UUID
	PondID           uuid.UUID
	Parameter        string
	ThresholdID      *uuid.UUID
	Status           AlertStatus
	AlertLevel       AlertLevel
	Message          string
	CurrentValue     float64
	ThresholdValue   float64
	ViolationCount   int
	FirstViolationAt time.Time
	LastViolationAt  time.Time
	ResolvedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewAlert(t SensorThreshold, value float64, now time.Time) Alert {
	now = now.UTC()
	id := t.ID
	return Alert{
		ID:               uuid.New(),
		PondID:           t.PondID,
		Parameter:        t.Parameter,
		ThresholdID:      &id,
		Status:           AlertActive,
		AlertLevel:       t.AlertLevel,
		Message:          violationMessage(t, value),
		CurrentValue:     value,
		ThresholdValue:   t.BreachedBound(value),
		ViolationCount:   1,
		FirstViolationAt: now,
		LastViolationAt:  now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// RecordViolation bumps the count of an already active alert.
func (a *Alert) RecordViolation(t SensorThreshold, value float64, now time.Time) {
	now = now.UTC()
	a.ViolationCount++
	a.CurrentValue = value
	a.ThresholdValue = t.BreachedBound(value)
	a.Message = violationMessage(t, value)
	a.LastViolationAt = now
	a.UpdatedAt = now
}

func (a *Alert) Resolve(now time.Time) bool {
	if a.Status != AlertActive && a.Status != AlertAcknowledged {
		return false
	}
	now = now.UTC()
	a.Status = AlertResolved
	a.ResolvedAt = &now
	a.UpdatedAt = now
	return true
}

func violationMessage(t SensorThreshold, value float64) string {
	if value > t.UpperThreshold {
		return fmt.Sprintf("%s %.2f above upper threshold %.2f", t.Parameter, value, t.UpperThreshold)
	}
	return fmt.Sprintf("%s %.2f below lower threshold %.2f", t.Parameter, value, t.LowerThreshold)
}
