package handlers

import (
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

type actorView struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

func actorViewOf(a models.Actor) actorView {
	kind, ref := models.ActorParts(a)
	return actorView{Kind: kind, Ref: ref}
}

type executionView struct {
	ID            uuid.UUID      `json:"id"`
	PondID        uuid.UUID      `json:"pond_id"`
	ExecutionType string         `json:"execution_type"`
	Action        string         `json:"action"`
	Priority      string         `json:"priority"`
	Status        string         `json:"status"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Success       *bool          `json:"success,omitempty"`
	ResultMessage string         `json:"result_message,omitempty"`
	ErrorDetails  string         `json:"error_details,omitempty"`
	ScheduleID    *uuid.UUID     `json:"schedule_id,omitempty"`
	ThresholdID   *uuid.UUID     `json:"threshold_id,omitempty"`
	RetryOf       *uuid.UUID     `json:"retry_of,omitempty"`
	Actor         actorView      `json:"actor"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func executionViewOf(x models.Execution) executionView {
	return executionView{
		ID:            x.ID,
		PondID:        x.PondID,
		ExecutionType: string(x.ExecutionType),
		Action:        string(x.Action),
		Priority:      string(x.Priority),
		Status:        string(x.Status),
		ScheduledAt:   x.ScheduledAt,
		StartedAt:     x.StartedAt,
		CompletedAt:   x.CompletedAt,
		Parameters:    x.Parameters,
		Success:       x.Success,
		ResultMessage: x.ResultMessage,
		ErrorDetails:  x.ErrorDetails,
		ScheduleID:    x.ScheduleID,
		ThresholdID:   x.ThresholdID,
		RetryOf:       x.RetryOf,
		Actor:         actorViewOf(x.Actor),
		CreatedAt:     x.CreatedAt,
		UpdatedAt:     x.UpdatedAt,
	}
}

type commandView struct {
	ID            uuid.UUID      `json:"command_id"`
	PondID        uuid.UUID      `json:"pond_id"`
	DeviceID      string         `json:"device_id"`
	PondPosition  int            `json:"pond_position"`
	CommandType   string         `json:"command_type"`
	Status        string         `json:"status"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Success       *bool          `json:"success,omitempty"`
	ResultMessage string         `json:"result_message,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ExecutionID   *uuid.UUID     `json:"execution_id,omitempty"`
}

func commandViewOf(c models.DeviceCommand) commandView {
	return commandView{
		ID:            c.ID,
		PondID:        c.PondID,
		DeviceID:      c.DeviceID,
		PondPosition:  c.PondPosition,
		CommandType:   string(c.CommandType),
		Status:        string(c.Status),
		Parameters:    c.Parameters,
		SentAt:        c.SentAt,
		CompletedAt:   c.CompletedAt,
		RetryCount:    c.RetryCount,
		MaxRetries:    c.MaxRetries,
		Success:       c.Success,
		ResultMessage: c.ResultMessage,
		ErrorCode:     c.ErrorCode,
		ExecutionID:   c.ExecutionID,
	}
}

type scheduleView struct {
	ID             uuid.UUID  `json:"id"`
	PondID         uuid.UUID  `json:"pond_id"`
	Name           string     `json:"name"`
	AutomationType string     `json:"automation_type"`
	Action         string     `json:"action"`
	TimeOfDay      string     `json:"time"`
	Days           []int      `json:"days"`
	Active         bool       `json:"active"`
	NextExecution  *time.Time `json:"next_execution,omitempty"`
}

func scheduleViewOf(sc models.Schedule) scheduleView {
	return scheduleView{
		ID:             sc.ID,
		PondID:         sc.PondID,
		Name:           sc.Name,
		AutomationType: string(sc.AutomationType),
		Action:         string(sc.EffectiveAction()),
		TimeOfDay:      sc.TimeOfDay,
		Days:           sc.Days,
		Active:         sc.Active,
		NextExecution:  sc.NextExecution,
	}
}
