// Package engine runs automation executions: admission against the other
// work on the pond, then the handler registered for the action.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

const (
	DefaultDeferDelay   = 60 * time.Second
	DefaultMaxExecuting = 2 * time.Hour
)

type Store interface {
	CreateExecution(ctx context.Context, e models.Execution) (models.Execution, error)
	AdmitExecution(ctx context.Context, id uuid.UUID, fn func(e *models.Execution, active []models.Execution) (bool, error)) (models.Execution, bool, error)
	UpdateExecution(ctx context.Context, id uuid.UUID, fn func(e *models.Execution) (bool, error)) (models.Execution, bool, error)
}

// Deferrer runs an execution again after delay. The worker implements it
// with a delayed asynq task.
type Deferrer interface {
	Defer(ctx context.Context, executionID uuid.UUID, delay time.Duration) error
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeferred  Status = "deferred"
	StatusRefused   Status = "refused"
	// StatusAwaiting means a command is out and the device reply will
	// complete the execution.
	StatusAwaiting Status = "awaiting_device"
	// StatusRunning means another call holds the run.
	StatusRunning Status = "running"
)

// Outcome is the definite result of one Execute call.
type Outcome struct {
	ExecutionID  uuid.UUID
	Status       Status
	Success      bool
	Message      string
	ErrorDetails string
	CommandID    uuid.UUID
}

type Options struct {
	DeferDelay   time.Duration
	MaxExecuting time.Duration
	Now          func() time.Time
}

type Engine struct {
	store        Store
	handlers     map[models.Action]Handler
	deferrer     Deferrer
	log          logx.Logger
	deferDelay   time.Duration
	maxExecuting time.Duration
	now          func() time.Time
}

func New(store Store, handlers map[models.Action]Handler, deferrer Deferrer, log logx.Logger, opts Options) *Engine {
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = DefaultDeferDelay
	}
	if opts.MaxExecuting <= 0 {
		opts.MaxExecuting = DefaultMaxExecuting
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:        store,
		handlers:     handlers,
		deferrer:     deferrer,
		log:          log.With(slog.String("component", "engine")),
		deferDelay:   opts.DeferDelay,
		maxExecuting: opts.MaxExecuting,
		now:          opts.Now,
	}
}

// Submit stores a new PENDING execution and runs it immediately.
func (e *Engine) Submit(ctx context.Context, x models.Execution) (Outcome, error) {
	created, err := e.store.CreateExecution(ctx, x)
	if err != nil {
		return Outcome{}, fmt.Errorf("create execution: %w", err)
	}
	e.log.Info(ctx, "execution_created", "execution created",
		slog.String("execution_id", created.ID.String()),
		slog.String("pond_id", created.PondID.String()),
		slog.String("action", string(created.Action)),
		slog.String("priority", string(created.Priority)),
	)
	return e.Execute(ctx, created.ID)
}

// Execute admits and runs one execution. Domain outcomes, handler failures
// included, are reported in the Outcome; the error is reserved for the
// store being unreachable, which the task runner retries.
func (e *Engine) Execute(ctx context.Context, id uuid.UUID) (Outcome, error) {
	now := e.now()
	var d decision
	x, _, err := e.store.AdmitExecution(ctx, id, func(x *models.Execution, active []models.Execution) (bool, error) {
		d = admit(*x, active, now, e.maxExecuting)
		switch d.verdict {
		case verdictDefer:
			x.ScheduledAt = now.Add(e.deferDelay).UTC()
			x.UpdatedAt = now.UTC()
			return true, nil
		case verdictExpire:
			running := x.RunningFor(now)
			return x.Complete(now,
				false,
				fmt.Sprintf("Automation timed out after %.1fh", running.Hours()),
				fmt.Sprintf("Maximum execution time exceeded: %s", e.maxExecuting),
			)
		case verdictRun:
			return true, x.Start(now)
		}
		return false, nil
	})
	if err != nil {
		return Outcome{ExecutionID: id}, fmt.Errorf("admit execution %s: %w", id, err)
	}

	switch d.verdict {
	case verdictRefuse:
		e.log.Warn(ctx, "execution_refused", "execution cannot run",
			slog.String("execution_id", id.String()),
			slog.String("reason", d.reason),
		)
		return Outcome{ExecutionID: id, Status: StatusRefused, Message: d.reason}, nil
	case verdictDefer:
		return e.deferExecution(ctx, x, d), nil
	case verdictExpire:
		e.log.Warn(ctx, "execution_expired", "execution exceeded the executing ceiling",
			slog.String("execution_id", id.String()),
			slog.String("message", x.ResultMessage),
		)
		metricsx.IncExecutionOutcome(string(x.Action), string(StatusFailed))
		return Outcome{ExecutionID: id, Status: StatusFailed, Message: x.ResultMessage, ErrorDetails: x.ErrorDetails}, nil
	case verdictBusy:
		e.log.Info(ctx, "execution_busy", "execution already running elsewhere",
			slog.String("execution_id", id.String()),
		)
		return Outcome{ExecutionID: id, Status: StatusRunning, Success: true, Message: d.reason}, nil
	case verdictAwait:
		cmdID, _ := x.CommandID()
		return Outcome{
			ExecutionID: id,
			Status:      StatusAwaiting,
			Success:     true,
			Message:     fmt.Sprintf("Command %s already sent, awaiting device reply", cmdID),
			CommandID:   cmdID,
		}, nil
	}

	e.log.Info(ctx, "execution_started", "execution started",
		slog.String("execution_id", id.String()),
		slog.String("action", string(x.Action)),
		slog.String("priority", string(x.Priority)),
	)
	res := e.run(ctx, x)

	if res.Success && res.CommandID != uuid.Nil && x.Priority == models.PriorityManual {
		return Outcome{ExecutionID: id, Status: StatusAwaiting, Success: true, Message: res.Message, CommandID: res.CommandID}, nil
	}
	return e.finish(ctx, x, res)
}

func (e *Engine) run(ctx context.Context, x models.Execution) (res Result) {
	h, ok := e.handlers[x.Action]
	if !ok {
		return Result{Message: "Unknown automation action", ErrorDetails: fmt.Sprintf("Action %s not supported", x.Action)}
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error(ctx, "handler_panic", "action handler panicked",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("execution_id", x.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = Result{Message: fmt.Sprintf("%s automation failed", x.Action), ErrorDetails: fmt.Sprint(r)}
		}
	}()
	return h.Execute(ctx, x)
}

func (e *Engine) finish(ctx context.Context, x models.Execution, res Result) (Outcome, error) {
	now := e.now()
	done, changed, err := e.store.UpdateExecution(ctx, x.ID, func(cur *models.Execution) (bool, error) {
		return cur.Complete(now, res.Success, res.Message, res.ErrorDetails)
	})
	if err != nil {
		return Outcome{ExecutionID: x.ID}, fmt.Errorf("complete execution %s: %w", x.ID, err)
	}
	if !changed {
		// Completed meanwhile, typically by a fast device reply.
		return outcomeOf(done), nil
	}
	status := StatusFailed
	if res.Success {
		status = StatusCompleted
	}
	metricsx.IncExecutionOutcome(string(done.Action), string(status))
	if done.StartedAt != nil {
		metricsx.ObserveExecutionLatency(string(done.Action), now.Sub(*done.StartedAt))
	}
	attrs := []slog.Attr{
		slog.String("execution_id", done.ID.String()),
		slog.String("action", string(done.Action)),
		slog.String("message", res.Message),
	}
	if res.Success {
		e.log.Info(ctx, "execution_completed", "execution completed", attrs...)
	} else {
		e.log.Warn(ctx, "execution_failed", "execution failed", append(attrs, slog.String("error_details", res.ErrorDetails))...)
	}
	out := outcomeOf(done)
	out.CommandID = res.CommandID
	return out, nil
}

func (e *Engine) deferExecution(ctx context.Context, x models.Execution, d decision) Outcome {
	metricsx.IncExecutionDeferral(d.reason)
	attrs := []slog.Attr{
		slog.String("execution_id", x.ID.String()),
		slog.String("reason", d.reason),
		slog.Duration("retry_in", e.deferDelay),
	}
	if d.blocker != nil {
		attrs = append(attrs, slog.String("blocked_by", d.blocker.ID.String()))
	}
	e.log.Info(ctx, "execution_deferred", "execution deferred", attrs...)
	if e.deferrer != nil {
		if err := e.deferrer.Defer(ctx, x.ID, e.deferDelay); err != nil {
			// The due-pending sweep picks it up once scheduled_at passes.
			e.log.Warn(ctx, "defer_enqueue_failed", "failed to enqueue deferred execution",
				slog.String("execution_id", x.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return Outcome{
		ExecutionID: x.ID,
		Status:      StatusDeferred,
		Message:     fmt.Sprintf("Deferred (%s), retry in %s", d.reason, e.deferDelay),
	}
}

func outcomeOf(x models.Execution) Outcome {
	out := Outcome{ExecutionID: x.ID, Message: x.ResultMessage, ErrorDetails: x.ErrorDetails}
	switch x.Status {
	case models.ExecutionCompleted:
		out.Status, out.Success = StatusCompleted, true
	case models.ExecutionFailed, models.ExecutionCancelled:
		out.Status = StatusFailed
	default:
		out.Status = StatusAwaiting
	}
	return out
}

// Cancel stops a PENDING or EXECUTING execution. A command already sent is
// not retracted; its late reply finds the execution terminal and changes
// nothing.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, reason string) (models.Execution, error) {
	if reason == "" {
		reason = "Cancelled"
	}
	x, _, err := e.store.UpdateExecution(ctx, id, func(x *models.Execution) (bool, error) {
		if err := x.Cancel(e.now(), reason); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return x, err
	}
	metricsx.IncExecutionOutcome(string(x.Action), "cancelled")
	e.log.Info(ctx, "execution_cancelled", "execution cancelled",
		slog.String("execution_id", id.String()),
		slog.String("reason", reason),
	)
	return x, nil
}
