// Package commands owns the DeviceCommand lifecycle: it persists commands,
// publishes them on the bridge and applies device replies, sweeps and
// retries through the command state machine.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

// ErrDispatchFailed is returned when the command could not be handed to the
// bridge. The command itself is already FAILED when this is returned.
var ErrDispatchFailed = errors.New("command dispatch failed")

const publishFailedMessage = "Failed to publish to bridge"

// Store is the persistence the dispatcher needs. Both the Postgres store and
// memstore satisfy it.
type Store interface {
	GetPond(ctx context.Context, id uuid.UUID) (models.Pond, error)
	GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error)
	CreateCommand(ctx context.Context, cmd models.DeviceCommand) (models.DeviceCommand, error)
	AttachCommand(ctx context.Context, executionID uuid.UUID, cmd models.DeviceCommand) (models.DeviceCommand, error)
	GetCommand(ctx context.Context, id uuid.UUID) (models.DeviceCommand, error)
	UpdateCommand(ctx context.Context, id uuid.UUID, fn func(cmd *models.DeviceCommand, exec *models.Execution) (bool, error)) (models.DeviceCommand, bool, error)
	RecordFeedEvent(ctx context.Context, ev models.FeedEvent) (bool, error)
}

type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Now        func() time.Time
}

type Dispatcher struct {
	store      Store
	transport  bridge.Transport
	log        logx.Logger
	timeout    time.Duration
	maxRetries int
	now        func() time.Time
}

func New(store Store, transport bridge.Transport, log logx.Logger, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = models.DefaultCommandTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = models.DefaultCommandMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:      store,
		transport:  transport,
		log:        log.With(slog.String("component", "dispatcher")),
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
	}
}

// Dispatch sends a command that belongs to no execution (operator commands
// such as SET_THRESHOLD or RESTART). On failure it returns uuid.Nil.
func (d *Dispatcher) Dispatch(ctx context.Context, pond models.Pond, commandType models.CommandType, params map[string]any) (uuid.UUID, error) {
	cmd := models.NewDeviceCommand(pond, commandType, params, d.timeout, d.maxRetries)
	cmd, err := d.store.CreateCommand(ctx, cmd)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create command: %w", err)
	}
	return d.publish(ctx, pond, cmd)
}

// DispatchFor sends a command on behalf of an execution. The command row and
// its link on the execution are written together. When the execution
// already carries a live command, that command's id is returned and nothing
// is published.
func (d *Dispatcher) DispatchFor(ctx context.Context, exec models.Execution, commandType models.CommandType, params map[string]any) (uuid.UUID, error) {
	pond, err := d.store.GetPond(ctx, exec.PondID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load pond: %w", err)
	}
	cmd := models.NewDeviceCommand(pond, commandType, params, d.timeout, d.maxRetries)
	cmd, err = d.store.AttachCommand(ctx, exec.ID, cmd)
	if errors.Is(err, repos.ErrConflict) {
		if id, ok := d.inFlight(ctx, exec.ID); ok {
			d.log.Info(ctx, "command_already_attached", "execution already carries a command",
				slog.String("execution_id", exec.ID.String()),
				slog.String("command_id", id.String()),
			)
			return id, nil
		}
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("attach command: %w", err)
	}
	return d.publish(ctx, pond, cmd)
}

// inFlight returns the command linked to a still running execution.
func (d *Dispatcher) inFlight(ctx context.Context, executionID uuid.UUID) (uuid.UUID, bool) {
	cur, err := d.store.GetExecution(ctx, executionID)
	if err != nil || cur.IsTerminal() {
		return uuid.Nil, false
	}
	return cur.CommandID()
}

func (d *Dispatcher) publish(ctx context.Context, pond models.Pond, cmd models.DeviceCommand) (uuid.UUID, error) {
	out, err := bridge.NewOutgoing(cmd, d.now())
	if err == nil {
		var body []byte
		body, err = json.Marshal(out)
		if err == nil {
			_, err = d.transport.Publish(ctx, bridge.ChannelOutgoingCommands, body)
		}
	}
	if err != nil {
		d.log.Error(ctx, "command_publish_failed", "failed to publish command",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("command_id", cmd.ID.String()),
			slog.String("command_type", string(cmd.CommandType)),
			slog.String("error", err.Error()),
		)
		d.failUnsent(ctx, pond, cmd.ID, err)
		return uuid.Nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	sent, changed, err := d.store.UpdateCommand(ctx, cmd.ID, func(c *models.DeviceCommand, _ *models.Execution) (bool, error) {
		// A fast device may have acknowledged already.
		if c.Status != models.CommandPending {
			return false, nil
		}
		return true, c.Send(d.now())
	})
	if err != nil {
		// The device has the command; the timeout sweep reconciles the row.
		d.log.Warn(ctx, "command_mark_sent_failed", "command published but not marked sent",
			slog.String("command_id", cmd.ID.String()),
			slog.String("error", err.Error()),
		)
		return cmd.ID, nil
	}
	if changed {
		d.transitioned(ctx, pond, sent, "Command sent to device")
	}
	d.log.Info(ctx, "command_sent", "command sent",
		slog.String("command_id", cmd.ID.String()),
		slog.String("command_type", string(cmd.CommandType)),
		slog.String("device_id", cmd.DeviceID),
		slog.Int("pond_position", cmd.PondPosition),
	)
	return cmd.ID, nil
}

// failUnsent completes a command that never left the orchestrator. The
// linked execution is left for the caller, which records its own message.
func (d *Dispatcher) failUnsent(ctx context.Context, pond models.Pond, id uuid.UUID, cause error) {
	res := models.CommandResult{Success: false, Message: publishFailedMessage, ErrorCode: "PUBLISH_FAILED", ErrorDetails: cause.Error()}
	cmd, changed, err := d.store.UpdateCommand(ctx, id, func(c *models.DeviceCommand, _ *models.Execution) (bool, error) {
		return c.Complete(d.now(), res)
	})
	if err != nil {
		d.log.Error(ctx, "command_update_failed", "failed to record publish failure",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("command_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if changed {
		d.transitioned(ctx, pond, cmd, publishFailedMessage)
	}
}

// Acknowledge records a device ack. Duplicate acks are no-ops.
func (d *Dispatcher) Acknowledge(ctx context.Context, id uuid.UUID) (models.DeviceCommand, error) {
	cmd, changed, err := d.store.UpdateCommand(ctx, id, func(c *models.DeviceCommand, _ *models.Execution) (bool, error) {
		return c.Acknowledge(d.now())
	})
	if err != nil {
		return cmd, err
	}
	if changed {
		d.transitionedByID(ctx, cmd, "Command acknowledged by device")
	}
	return cmd, nil
}

// Complete records the final result and completes any linked execution that
// is still running. A repeated completion changes nothing and records no
// second FeedEvent.
func (d *Dispatcher) Complete(ctx context.Context, id uuid.UUID, res models.CommandResult) (models.DeviceCommand, error) {
	var actor models.Actor = models.ActorDevice
	cmd, changed, err := d.store.UpdateCommand(ctx, id, func(c *models.DeviceCommand, exec *models.Execution) (bool, error) {
		now := d.now()
		changed, err := c.Complete(now, res)
		if err != nil || !changed {
			return changed, err
		}
		if exec != nil {
			if exec.Actor != nil {
				actor = exec.Actor
			}
			completeLinked(exec, now, res.Success, derivedMessage(res.Success, res.Message), res.ErrorDetails)
		}
		return true, nil
	})
	if err != nil {
		return cmd, err
	}
	if !changed {
		return cmd, nil
	}
	if cmd.CommandType == models.CommandFeed && res.Success {
		d.recordFeed(ctx, cmd, actor)
	}
	d.transitionedByID(ctx, cmd, res.Message)
	return cmd, nil
}

// Timeout moves an expired in-flight command to TIMEOUT and fails any linked
// execution still running.
func (d *Dispatcher) Timeout(ctx context.Context, id uuid.UUID) (models.DeviceCommand, bool, error) {
	cmd, changed, err := d.store.UpdateCommand(ctx, id, func(c *models.DeviceCommand, exec *models.Execution) (bool, error) {
		now := d.now()
		if !c.Status.InFlight() {
			return false, nil
		}
		changed, err := c.Timeout(now)
		if err != nil || !changed {
			return changed, err
		}
		if exec != nil {
			completeLinked(exec, now, false, derivedMessage(false, c.ResultMessage), "")
		}
		return true, nil
	})
	if err != nil || !changed {
		return cmd, changed, err
	}
	d.transitionedByID(ctx, cmd, cmd.ResultMessage)
	return cmd, true, nil
}

// Retry resets a FAILED or TIMEOUT command to PENDING and publishes it again.
func (d *Dispatcher) Retry(ctx context.Context, id uuid.UUID) (models.DeviceCommand, error) {
	cmd, _, err := d.store.UpdateCommand(ctx, id, func(c *models.DeviceCommand, _ *models.Execution) (bool, error) {
		if err := c.Retry(d.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return cmd, err
	}
	pond, err := d.store.GetPond(ctx, cmd.PondID)
	if err != nil {
		return cmd, fmt.Errorf("load pond: %w", err)
	}
	d.log.Info(ctx, "command_retry", "retrying command",
		slog.String("command_id", cmd.ID.String()),
		slog.Int("retry_count", cmd.RetryCount),
		slog.Int("max_retries", cmd.MaxRetries),
	)
	if _, err := d.publish(ctx, pond, cmd); err != nil {
		latest, getErr := d.store.GetCommand(ctx, id)
		if getErr != nil {
			return cmd, err
		}
		return latest, err
	}
	return d.store.GetCommand(ctx, id)
}

func (d *Dispatcher) recordFeed(ctx context.Context, cmd models.DeviceCommand, actor models.Actor) {
	grams := models.FloatParam(cmd.Parameters, bridge.ParamAmount, 0)
	if grams <= 0 {
		return
	}
	occurred := d.now().UTC()
	if cmd.CompletedAt != nil {
		occurred = *cmd.CompletedAt
	}
	created, err := d.store.RecordFeedEvent(ctx, models.FeedEvent{
		ID:         uuid.New(),
		PondID:     cmd.PondID,
		CommandID:  cmd.ID,
		AmountKg:   grams / 1000,
		Actor:      actor,
		OccurredAt: occurred,
	})
	if err != nil {
		d.log.Error(ctx, "feed_event_failed", "failed to record feed event",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("command_id", cmd.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if created {
		d.log.Info(ctx, "feed_event_recorded", "feed event recorded",
			slog.String("command_id", cmd.ID.String()),
			slog.Float64("amount_kg", grams/1000),
		)
	}
}

func completeLinked(exec *models.Execution, now time.Time, success bool, message string, details string) {
	if exec.Status != models.ExecutionExecuting {
		return
	}
	// Complete only fails on an illegal transition, which the status check rules out.
	_, _ = exec.Complete(now, success, message, details)
}

func derivedMessage(success bool, msg string) string {
	if success {
		return "Command completed: " + msg
	}
	return "Command failed: " + msg
}

func (d *Dispatcher) transitionedByID(ctx context.Context, cmd models.DeviceCommand, message string) {
	pond, err := d.store.GetPond(ctx, cmd.PondID)
	if err != nil {
		pond = models.Pond{ID: cmd.PondID, DeviceID: cmd.DeviceID, Position: cmd.PondPosition}
	}
	d.transitioned(ctx, pond, cmd, message)
}

// transitioned counts the transition and broadcasts it. Broadcast failures
// are logged only; status channels are best effort.
func (d *Dispatcher) transitioned(ctx context.Context, pond models.Pond, cmd models.DeviceCommand, message string) {
	metricsx.IncCommandTransition(string(cmd.CommandType), string(cmd.Status))
	Broadcast(ctx, d.transport, d.log, pond, cmd, message, d.now())
}
