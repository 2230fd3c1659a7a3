package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/workflow"
)

var (
	ErrNotRetryable   = errors.New("command is not in a retryable state")
	ErrRetryExhausted = errors.New("command retries exhausted")
)

const (
	DefaultCommandTimeout    = 10 * time.Second
	DefaultCommandMaxRetries = 3
)

// DeviceCommand is one outbound instruction. ID is the command_id that
// correlates every bridge hop.
type DeviceCommand struct {
	ID             uuid.UUID
	PondID         uuid.UUID
	DeviceID       string
	PondPosition   int
	CommandType    CommandType
	Status         CommandStatus
	Parameters     map[string]any
	SentAt         *time.Time
	AcknowledgedAt *time.Time
	CompletedAt    *time.Time
	TimeoutSeconds int
	MaxRetries     int
	RetryCount     int
	Success        *bool
	ResultMessage  string
	ErrorCode      string
	ErrorDetails   string
	ExecutionID    *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CommandResult is what a device (or the dispatcher) reports on completion.
type CommandResult struct {
	Success      bool
	Message      string
	ErrorCode    string
	ErrorDetails string
}

func NewDeviceCommand(pond Pond, commandType CommandType, params map[string]any, timeout time.Duration, maxRetries int) DeviceCommand {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if maxRetries < 0 {
		maxRetries = DefaultCommandMaxRetries
	}
	now := time.Now().UTC()
	return DeviceCommand{
		ID:             uuid.New(),
		PondID:         pond.ID,
		DeviceID:       pond.DeviceID,
		PondPosition:   pond.Position,
		CommandType:    commandType,
		Status:         CommandPending,
		Parameters:     cloneParams(params),
		TimeoutSeconds: int(timeout / time.Second),
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (c *DeviceCommand) IsTerminal() bool { return c.Status.Terminal() }

// Send moves PENDING to SENT and stamps sent_at.
func (c *DeviceCommand) Send(now time.Time) error {
	if err := c.to(CommandSent); err != nil {
		return err
	}
	t := now.UTC()
	c.SentAt = &t
	c.UpdatedAt = t
	return nil
}

// Acknowledge records the device ack. Repeated acks and acks for a command
// that already finished return false without error.
func (c *DeviceCommand) Acknowledge(now time.Time) (bool, error) {
	if c.Status == CommandAcknowledged || c.IsTerminal() {
		return false, nil
	}
	if err := c.to(CommandAcknowledged); err != nil {
		return false, err
	}
	t := now.UTC()
	if c.SentAt == nil {
		c.SentAt = &t
	}
	c.AcknowledgedAt = &t
	c.UpdatedAt = t
	return true, nil
}

// Complete records the final result. It returns false when the command is
// already terminal so duplicate completions have no side effects.
func (c *DeviceCommand) Complete(now time.Time, res CommandResult) (bool, error) {
	if c.IsTerminal() {
		return false, nil
	}
	target := CommandFailed
	if res.Success {
		target = CommandCompleted
	}
	if err := c.to(target); err != nil {
		return false, err
	}
	t := now.UTC()
	success := res.Success
	c.CompletedAt = &t
	c.UpdatedAt = t
	c.Success = &success
	c.ResultMessage = res.Message
	c.ErrorCode = res.ErrorCode
	c.ErrorDetails = res.ErrorDetails
	return true, nil
}

// Timeout moves an in-flight command to TIMEOUT.
func (c *DeviceCommand) Timeout(now time.Time) (bool, error) {
	if c.IsTerminal() {
		return false, nil
	}
	if err := c.to(CommandTimedOut); err != nil {
		return false, err
	}
	t := now.UTC()
	f := false
	c.CompletedAt = &t
	c.UpdatedAt = t
	c.Success = &f
	c.ErrorCode = "TIMEOUT"
	c.ResultMessage = fmt.Sprintf("Command timed out after %ds", c.TimeoutSeconds)
	return true, nil
}

func (c *DeviceCommand) IsRetryable() bool {
	return (c.Status == CommandFailed || c.Status == CommandTimedOut) && c.RetryCount < c.MaxRetries
}

// Retry resets a FAILED or TIMEOUT command to PENDING. retry_count never
// exceeds max_retries.
func (c *DeviceCommand) Retry(now time.Time) error {
	if c.Status != CommandFailed && c.Status != CommandTimedOut {
		return fmt.Errorf("%w: %s", ErrNotRetryable, c.Status)
	}
	if c.RetryCount >= c.MaxRetries {
		return fmt.Errorf("%w: %d/%d", ErrRetryExhausted, c.RetryCount, c.MaxRetries)
	}
	if err := c.to(CommandPending); err != nil {
		return err
	}
	c.RetryCount++
	c.SentAt = nil
	c.AcknowledgedAt = nil
	c.CompletedAt = nil
	c.Success = nil
	c.ResultMessage = ""
	c.ErrorCode = ""
	c.ErrorDetails = ""
	c.UpdatedAt = now.UTC()
	return nil
}

// IsExpired is true for SENT or ACKNOWLEDGED commands older than their timeout.
func (c *DeviceCommand) IsExpired(now time.Time) bool {
	if !c.Status.InFlight() || c.SentAt == nil {
		return false
	}
	return now.Sub(*c.SentAt) > time.Duration(c.TimeoutSeconds)*time.Second
}

func (c *DeviceCommand) to(target CommandStatus) error {
	if c.Status == target || !workflow.CanTransitionCommand(string(c.Status), string(target)) {
		return fmt.Errorf("%w: command %s -> %s", ErrInvalidTransition, c.Status, target)
	}
	c.Status = target
	return nil
}
