// Package tasks defines the asynq task types the worker runs and the
// enqueuer the other processes use to hand work to it.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeExecute        = "execution.run"
	TypeThresholdCheck = "threshold.check"
	TypeSweep          = "sweep.run"
	TypeSchedulerTick  = "scheduler.tick"
	TypeOutboxScan     = "outbox.scan"
)

type ExecutePayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
}

type ThresholdCheckPayload struct {
	PondID    uuid.UUID `json:"pond_id"`
	Parameter string    `json:"parameter"`
	Value     float64   `json:"value"`
}

type SweepPayload struct {
	Sweep  string `json:"sweep"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// Client is the part of *asynq.Client the enqueuer needs.
type Client interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Enqueuer struct {
	client Client
	queue  string
}

func NewEnqueuer(client Client, queue string) *Enqueuer {
	if queue == "" {
		queue = "default"
	}
	return &Enqueuer{client: client, queue: queue}
}

// Defer runs the execution again after delay.
func (e *Enqueuer) Defer(ctx context.Context, executionID uuid.UUID, delay time.Duration) error {
	return e.enqueue(ctx, TypeExecute, ExecutePayload{ExecutionID: executionID}, asynq.ProcessIn(delay))
}

// EnqueueExecution runs the execution as soon as a worker is free.
func (e *Enqueuer) EnqueueExecution(ctx context.Context, executionID uuid.UUID) error {
	return e.enqueue(ctx, TypeExecute, ExecutePayload{ExecutionID: executionID})
}

func (e *Enqueuer) EnqueueThresholdCheck(ctx context.Context, pondID uuid.UUID, parameter string, value float64) error {
	return e.enqueue(ctx, TypeThresholdCheck, ThresholdCheckPayload{PondID: pondID, Parameter: parameter, Value: value})
}

func (e *Enqueuer) EnqueueSweep(ctx context.Context, sweep string, dryRun bool) error {
	return e.enqueue(ctx, TypeSweep, SweepPayload{Sweep: sweep, DryRun: dryRun})
}

func (e *Enqueuer) enqueue(ctx context.Context, typename string, payload any, opts ...asynq.Option) error {
	task, err := NewTask(typename, payload, e.queue)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", typename, err)
	}
	return nil
}

// NewTask builds a task on queue with a JSON payload. A nil payload gives an
// empty body. opts are added after the queue option.
func NewTask(typename string, payload any, queue string, opts ...asynq.Option) (*asynq.Task, error) {
	var b []byte
	if payload != nil {
		var err error
		if b, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typename, err)
		}
	}
	return asynq.NewTask(typename, b, append([]asynq.Option{asynq.Queue(queue)}, opts...)...), nil
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
