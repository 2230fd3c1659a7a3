// Package sweeps holds the periodic reconciliation jobs: command timeouts,
// stuck executions, failed-execution retries, lost deferrals and stale
// devices. Every sweep is safe to run concurrently with live traffic and
// supports a dry run that only counts.
package sweeps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

const (
	SweepCommandTimeouts = "command_timeouts"
	SweepStuck           = "stuck_executions"
	SweepRetry           = "retry_failed"
	SweepDuePending      = "due_pending"
	SweepOffline         = "devices_offline"
)

const (
	DefaultStuckAfter   = time.Hour
	DefaultRetryWindow  = time.Hour
	DefaultOnlineWindow = 30 * time.Second
	DefaultDueGrace     = 2 * time.Minute
	DefaultBatchSize    = 200
)

var ErrUnknownSweep = errors.New("unknown sweep")

// Names lists every sweep Run accepts.
var Names = []string{SweepCommandTimeouts, SweepStuck, SweepRetry, SweepDuePending, SweepOffline}

type Store interface {
	ExpiredCommands(ctx context.Context, now time.Time, limit int) ([]models.DeviceCommand, error)
	SentCommandsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.DeviceCommand, error)
	LatestCommandForExecution(ctx context.Context, executionID uuid.UUID) (models.DeviceCommand, error)
	StuckExecutions(ctx context.Context, startedBefore time.Time, limit int) ([]models.Execution, error)
	UpdateExecution(ctx context.Context, id uuid.UUID, fn func(e *models.Execution) (bool, error)) (models.Execution, bool, error)
	FailedWithoutRetry(ctx context.Context, since time.Time, limit int) ([]models.Execution, error)
	CreateExecution(ctx context.Context, e models.Execution) (models.Execution, error)
	DuePendingExecutions(ctx context.Context, now time.Time, limit int) ([]models.Execution, error)
	MarkStaleOffline(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)
}

// CommandTimer times out one in-flight command and cascades to its
// execution. commands.Dispatcher implements it.
type CommandTimer interface {
	Timeout(ctx context.Context, id uuid.UUID) (models.DeviceCommand, bool, error)
}

// Enqueuer hands an execution to the worker queue.
type Enqueuer interface {
	EnqueueExecution(ctx context.Context, executionID uuid.UUID) error
}

type Options struct {
	StuckAfter   time.Duration
	RetryWindow  time.Duration
	OnlineWindow time.Duration
	DueGrace     time.Duration
	BatchSize    int
	Now          func() time.Time
}

type Sweeper struct {
	store    Store
	commands CommandTimer
	queue    Enqueuer
	log      logx.Logger
	opts     Options
}

func New(store Store, commands CommandTimer, queue Enqueuer, log logx.Logger, opts Options) *Sweeper {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultStuckAfter
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = DefaultRetryWindow
	}
	if opts.OnlineWindow <= 0 {
		opts.OnlineWindow = DefaultOnlineWindow
	}
	if opts.DueGrace <= 0 {
		opts.DueGrace = DefaultDueGrace
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{store: store, commands: commands, queue: queue, log: log.With(slog.String("component", "sweeps")), opts: opts}
}

// Result reports one sweep run. In a dry run Repaired counts what would have
// been changed.
type Result struct {
	Sweep    string
	Found    int
	Repaired int
	DryRun   bool
}

func (s *Sweeper) done(ctx context.Context, res Result) Result {
	if !res.DryRun {
		metricsx.AddSweepRepairs(res.Sweep, res.Repaired)
	}
	if res.Found > 0 {
		s.log.Info(ctx, "sweep_done", "sweep finished",
			slog.String("sweep", res.Sweep),
			slog.Int("found", res.Found),
			slog.Int("repaired", res.Repaired),
			slog.Bool("dry_run", res.DryRun),
		)
	}
	return res
}

// CommandTimeouts times out every SENT or ACKNOWLEDGED command older than its
// own timeout.
func (s *Sweeper) CommandTimeouts(ctx context.Context, dryRun bool) (Result, error) {
	res := Result{Sweep: SweepCommandTimeouts, DryRun: dryRun}
	expired, err := s.store.ExpiredCommands(ctx, s.opts.Now(), s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load expired commands: %w", err)
	}
	res.Found = len(expired)
	res.Repaired = s.timeoutAll(ctx, expired, dryRun)
	return s.done(ctx, res), nil
}

func (s *Sweeper) timeoutAll(ctx context.Context, cmds []models.DeviceCommand, dryRun bool) int {
	n := 0
	for _, cmd := range cmds {
		if dryRun {
			n++
			continue
		}
		_, changed, err := s.commands.Timeout(ctx, cmd.ID)
		if err != nil {
			s.log.Error(ctx, "command_timeout_failed", "failed to time out command",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("command_id", cmd.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			n++
		}
	}
	return n
}

// StuckExecutions repairs work that never finished: SENT commands older than
// stuckAfter are timed out, then every execution EXECUTING for longer than
// stuckAfter is synced from its latest linked command. A zero stuckAfter uses
// the configured default.
func (s *Sweeper) StuckExecutions(ctx context.Context, stuckAfter time.Duration, dryRun bool) (Result, error) {
	if stuckAfter <= 0 {
		stuckAfter = s.opts.StuckAfter
	}
	res := Result{Sweep: SweepStuck, DryRun: dryRun}
	cutoff := s.opts.Now().Add(-stuckAfter)

	sent, err := s.store.SentCommandsBefore(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load stuck commands: %w", err)
	}
	res.Found += len(sent)
	res.Repaired += s.timeoutAll(ctx, sent, dryRun)

	stuck, err := s.store.StuckExecutions(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load stuck executions: %w", err)
	}
	res.Found += len(stuck)
	for _, x := range stuck {
		success, message, err := s.syncVerdict(ctx, x.ID, stuckAfter)
		if err != nil {
			s.log.Error(ctx, "stuck_sync_failed", "failed to inspect stuck execution",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("execution_id", x.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if dryRun {
			res.Repaired++
			continue
		}
		_, changed, err := s.store.UpdateExecution(ctx, x.ID, func(e *models.Execution) (bool, error) {
			if e.Status != models.ExecutionExecuting {
				return false, nil
			}
			return e.Complete(s.opts.Now(), success, message, "")
		})
		if err != nil {
			s.log.Error(ctx, "stuck_sync_failed", "failed to sync stuck execution",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("execution_id", x.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			res.Repaired++
			s.log.Warn(ctx, "execution_synced", message,
				slog.String("execution_id", x.ID.String()),
				slog.Bool("success", success),
			)
		}
	}
	return s.done(ctx, res), nil
}

func (s *Sweeper) syncVerdict(ctx context.Context, executionID uuid.UUID, stuckAfter time.Duration) (bool, string, error) {
	cmd, err := s.store.LatestCommandForExecution(ctx, executionID)
	if errors.Is(err, repos.ErrNotFound) {
		return false, "No linked commands found", nil
	}
	if err != nil {
		return false, "", err
	}
	switch cmd.Status {
	case models.CommandCompleted:
		return true, "Auto-synced from completed command", nil
	case models.CommandFailed, models.CommandTimedOut:
		return false, fmt.Sprintf("Auto-synced from %s command", strings.ToLower(string(cmd.Status))), nil
	}
	hours := strconv.FormatFloat(stuckAfter.Hours(), 'f', -1, 64)
	return false, fmt.Sprintf("Execution stuck: no terminal command after %sh", hours), nil
}

// RetryFailed creates one fresh PENDING execution for every execution that
// failed within the retry window and has not been retried. The failed
// record is never modified; the new one points back at it.
func (s *Sweeper) RetryFailed(ctx context.Context, dryRun bool) (Result, error) {
	res := Result{Sweep: SweepRetry, DryRun: dryRun}
	now := s.opts.Now()
	failed, err := s.store.FailedWithoutRetry(ctx, now.Add(-s.opts.RetryWindow), s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load failed executions: %w", err)
	}
	res.Found = len(failed)
	for _, f := range failed {
		if dryRun {
			res.Repaired++
			continue
		}
		retry, err := s.store.CreateExecution(ctx, retryOf(f, now))
		if errors.Is(err, repos.ErrConflict) {
			continue
		}
		if err != nil {
			s.log.Error(ctx, "retry_create_failed", "failed to create retry execution",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("execution_id", f.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Repaired++
		s.log.Info(ctx, "execution_retry_created", "retrying failed execution",
			slog.String("execution_id", retry.ID.String()),
			slog.String("retry_of", f.ID.String()),
			slog.String("action", string(f.Action)),
		)
		s.enqueue(ctx, retry.ID)
	}
	return s.done(ctx, res), nil
}

func retryOf(f models.Execution, now time.Time) models.Execution {
	params := make(map[string]any, len(f.Parameters))
	for k, v := range f.Parameters {
		if k == models.ParamCommandID {
			continue
		}
		params[k] = v
	}
	actor := f.Actor
	if actor == nil {
		actor = models.ActorSweeper
	}
	x := models.NewExecution(f.PondID, f.Action, f.Priority, now, params, actor)
	x.ExecutionType = f.ExecutionType
	x.ScheduleID = f.ScheduleID
	x.ThresholdID = f.ThresholdID
	id := f.ID
	x.RetryOf = &id
	return x
}

// DuePending re-enqueues PENDING executions whose scheduled time passed more
// than the grace period ago, recovering deferrals whose queued task was lost.
func (s *Sweeper) DuePending(ctx context.Context, dryRun bool) (Result, error) {
	res := Result{Sweep: SweepDuePending, DryRun: dryRun}
	due, err := s.store.DuePendingExecutions(ctx, s.opts.Now().Add(-s.opts.DueGrace), s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load due executions: %w", err)
	}
	res.Found = len(due)
	for _, x := range due {
		if dryRun {
			res.Repaired++
			continue
		}
		if s.enqueue(ctx, x.ID) {
			res.Repaired++
		}
	}
	return s.done(ctx, res), nil
}

// DevicesOffline marks ONLINE devices not seen within the online window
// OFFLINE.
func (s *Sweeper) DevicesOffline(ctx context.Context, dryRun bool) (Result, error) {
	res := Result{Sweep: SweepOffline, DryRun: dryRun}
	n, err := s.store.MarkStaleOffline(ctx, s.opts.Now().Add(-s.opts.OnlineWindow), dryRun)
	if err != nil {
		return res, fmt.Errorf("mark stale devices: %w", err)
	}
	res.Found, res.Repaired = int(n), int(n)
	return s.done(ctx, res), nil
}

// Run executes the sweep called name. A zero stuckAfter uses the configured
// cutoff.
func (s *Sweeper) Run(ctx context.Context, name string, stuckAfter time.Duration, dryRun bool) (Result, error) {
	switch name {
	case SweepCommandTimeouts:
		return s.CommandTimeouts(ctx, dryRun)
	case SweepStuck:
		return s.StuckExecutions(ctx, stuckAfter, dryRun)
	case SweepRetry:
		return s.RetryFailed(ctx, dryRun)
	case SweepDuePending:
		return s.DuePending(ctx, dryRun)
	case SweepOffline:
		return s.DevicesOffline(ctx, dryRun)
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
}

func (s *Sweeper) enqueue(ctx context.Context, id uuid.UUID) bool {
	if s.queue == nil {
		return false
	}
	if err := s.queue.EnqueueExecution(ctx, id); err != nil {
		s.log.Error(ctx, "execution_enqueue_failed", "failed to enqueue execution",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("execution_id", id.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
