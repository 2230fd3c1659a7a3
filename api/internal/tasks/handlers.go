package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/engine"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/outbox"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/scheduler"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/sweeps"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/threshold"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type Executor interface {
	Execute(ctx context.Context, id uuid.UUID) (engine.Outcome, error)
}

type Checker interface {
	CheckParameter(ctx context.Context, pondID uuid.UUID, parameter string, value float64) (threshold.Report, error)
}

type Sweeper interface {
	Run(ctx context.Context, name string, stuckAfter time.Duration, dryRun bool) (sweeps.Result, error)
}

type Ticker interface {
	Tick(ctx context.Context) ([]scheduler.Fired, error)
}

type Relay interface {
	Scan(ctx context.Context) (outbox.Result, error)
}

// Deps are the components behind each task type. A nil component leaves its
// task type unregistered.
type Deps struct {
	Engine     Executor
	Monitor    Checker
	Sweeper    Sweeper
	Scheduler  Ticker
	Relay      Relay
	StuckAfter time.Duration
	Log        logx.Logger
}

// Register installs a handler for every task type with a component in d.
func Register(mux *asynq.ServeMux, d Deps) {
	h := &handlers{Deps: d, log: d.Log.With(slog.String("component", "tasks"))}
	if d.Engine != nil {
		mux.HandleFunc(TypeExecute, traced(TypeExecute, h.execute))
	}
	if d.Monitor != nil {
		mux.HandleFunc(TypeThresholdCheck, traced(TypeThresholdCheck, h.thresholdCheck))
	}
	if d.Sweeper != nil {
		mux.HandleFunc(TypeSweep, traced(TypeSweep, h.sweep))
	}
	if d.Scheduler != nil {
		mux.HandleFunc(TypeSchedulerTick, traced(TypeSchedulerTick, h.tick))
	}
	if d.Relay != nil {
		mux.HandleFunc(TypeOutboxScan, traced(TypeOutboxScan, h.outboxScan))
	}
}

func traced(name string, fn func(ctx context.Context, t *asynq.Task) error) func(ctx context.Context, t *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, name)
		defer span.End()
		if id, ok := asynq.GetTaskID(ctx); ok {
			span.SetAttributes(attribute.String("task_id", id))
		}
		if q, ok := asynq.GetQueueName(ctx); ok {
			span.SetAttributes(attribute.String("queue", q))
		}
		return fn(ctx, t)
	}
}

type handlers struct {
	Deps
	log logx.Logger
}

func (h *handlers) execute(ctx context.Context, t *asynq.Task) error {
	var p ExecutePayload
	if err := decode(t, &p); err != nil {
		return err
	}
	out, err := h.Engine.Execute(ctx, p.ExecutionID)
	if errors.Is(err, repos.ErrNotFound) {
		h.log.Warn(ctx, "execution_missing", "dropping task for unknown execution",
			slog.String("execution_id", p.ExecutionID.String()),
		)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	h.log.Debug(ctx, "execution_task_done", "execution task finished",
		slog.String("execution_id", p.ExecutionID.String()),
		slog.String("status", string(out.Status)),
	)
	return nil
}

func (h *handlers) thresholdCheck(ctx context.Context, t *asynq.Task) error {
	var p ThresholdCheckPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	rep, err := h.Monitor.CheckParameter(ctx, p.PondID, p.Parameter, p.Value)
	if errors.Is(err, repos.ErrNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if len(rep.Violations) > 0 {
		h.log.Info(ctx, "threshold_checked", "threshold check found violations",
			slog.String("pond_id", p.PondID.String()),
			slog.String("parameter", p.Parameter),
			slog.Float64("value", p.Value),
			slog.Int("violations", len(rep.Violations)),
			slog.Int("executions", len(rep.Executions)),
		)
	}
	return nil
}

func (h *handlers) sweep(ctx context.Context, t *asynq.Task) error {
	var p SweepPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	_, err := h.Sweeper.Run(ctx, p.Sweep, h.StuckAfter, p.DryRun)
	if errors.Is(err, sweeps.ErrUnknownSweep) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (h *handlers) tick(ctx context.Context, _ *asynq.Task) error {
	_, err := h.Scheduler.Tick(ctx)
	return err
}

func (h *handlers) outboxScan(ctx context.Context, _ *asynq.Task) error {
	_, err := h.Relay.Scan(ctx)
	return err
}
