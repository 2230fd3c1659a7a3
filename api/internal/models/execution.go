package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/workflow"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Execution is one attempted automated pond action. Status only moves
// through the transition methods below.
type Execution struct {
	ID            uuid.UUID
	PondID        uuid.UUID
	ExecutionType ExecutionType
	Action        Action
	Priority      Priority
	Status        ExecutionStatus
	ScheduledAt   time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Parameters    map[string]any
	Success       *bool
	ResultMessage string
	ErrorDetails  string
	ScheduleID    *uuid.UUID
	ThresholdID   *uuid.UUID
	RetryOf       *uuid.UUID
	Actor         Actor
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewExecution returns a PENDING execution. Parameters are copied.
func NewExecution(pondID uuid.UUID, action Action, priority Priority, scheduledAt time.Time, params map[string]any, actor Actor) Execution {
	now := time.Now().UTC()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	return Execution{
		ID:            uuid.New(),
		PondID:        pondID,
		ExecutionType: action.ExecutionType(),
		Action:        action,
		Priority:      priority,
		Status:        ExecutionPending,
		ScheduledAt:   scheduledAt.UTC(),
		Parameters:    cloneParams(params),
		Actor:         actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (e *Execution) IsTerminal() bool { return e.Status.Terminal() }

// Start moves PENDING to EXECUTING. Starting an EXECUTING execution is a no-op.
func (e *Execution) Start(now time.Time) error {
	if e.Status == ExecutionExecuting {
		return nil
	}
	if err := e.to(ExecutionExecuting); err != nil {
		return err
	}
	t := now.UTC()
	e.StartedAt = &t
	e.UpdatedAt = t
	return nil
}

// Complete records the terminal outcome of an EXECUTING execution. It
// returns false without error when the execution is already terminal, so a
// duplicate device reply changes nothing.
func (e *Execution) Complete(now time.Time, success bool, message string, details string) (bool, error) {
	if e.IsTerminal() {
		return false, nil
	}
	target := ExecutionFailed
	if success {
		target = ExecutionCompleted
	}
	if err := e.to(target); err != nil {
		return false, err
	}
	t := now.UTC()
	e.CompletedAt = &t
	e.UpdatedAt = t
	e.Success = &success
	e.ResultMessage = message
	e.ErrorDetails = details
	return true, nil
}

// Cancel is only legal while PENDING or EXECUTING. It never retracts a
// command already sent to the device.
func (e *Execution) Cancel(now time.Time, reason string) error {
	if err := e.to(ExecutionCancelled); err != nil {
		return err
	}
	t := now.UTC()
	f := false
	e.CompletedAt = &t
	e.UpdatedAt = t
	e.Success = &f
	e.ResultMessage = reason
	return nil
}

// RunningFor is how long an EXECUTING execution has been running.
func (e *Execution) RunningFor(now time.Time) time.Duration {
	if e.Status != ExecutionExecuting || e.StartedAt == nil {
		return 0
	}
	return now.Sub(*e.StartedAt)
}

// CommandID returns the outbound command recorded on a manual execution.
func (e *Execution) CommandID() (uuid.UUID, bool) {
	raw, ok := e.Parameters[ParamCommandID].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (e *Execution) SetCommandID(id uuid.UUID) {
	if e.Parameters == nil {
		e.Parameters = map[string]any{}
	}
	e.Parameters[ParamCommandID] = id.String()
}

func (e *Execution) to(target ExecutionStatus) error {
	if e.Status == target || !workflow.CanTransitionExecution(string(e.Status), string(target)) {
		return fmt.Errorf("%w: execution %s -> %s", ErrInvalidTransition, e.Status, target)
	}
	e.Status = target
	return nil
}

// Parameter keys shared by handlers, the scheduler and the threshold monitor.
const (
	ParamCommandID        = "command_id"
	ParamFeedAmount       = "feed_amount"
	ParamDrainWaterLevel  = "drain_water_level"
	ParamTargetWaterLevel = "target_water_level"
	ParamMessage          = "message"
	ParamScheduleID       = "schedule_id"
	ParamThresholdID      = "threshold_id"
	ParamAlertID          = "alert_id"
	ParamParameter        = "parameter"
	ParamCurrentValue     = "current_value"
	ParamUpperThreshold   = "upper_threshold"
	ParamLowerThreshold   = "lower_threshold"
	ParamViolationCount   = "violation_count"
)

// FloatParam reads a numeric parameter, accepting JSON numbers and strings.
func FloatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case interface{ Float64() (float64, error) }:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
