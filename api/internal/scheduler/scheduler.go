// Package scheduler turns recurring automation schedules into executions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/engine"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type Store interface {
	ActiveSchedules(ctx context.Context) ([]models.Schedule, error)
	ClaimScheduleRun(ctx context.Context, id uuid.UUID, slot time.Time, next *time.Time) (bool, error)
}

type Submitter interface {
	Submit(ctx context.Context, x models.Execution) (engine.Outcome, error)
}

type Scheduler struct {
	store  Store
	engine Submitter
	loc    *time.Location
	log    logx.Logger
	now    func() time.Time
}

// New builds a Scheduler matching schedules against the wall clock in loc.
func New(store Store, eng Submitter, loc *time.Location, log logx.Logger, now func() time.Time) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: store, engine: eng, loc: loc, log: log.With(slog.String("component", "scheduler")), now: now}
}

type Fired struct {
	ScheduleID uuid.UUID
	Outcome    engine.Outcome
}

// Tick fires every active schedule due in the current minute. A schedule
// claimed by another worker for this minute is skipped.
func (s *Scheduler) Tick(ctx context.Context) ([]Fired, error) {
	now := s.now().In(s.loc)
	slot := now.Truncate(time.Minute)
	schedules, err := s.store.ActiveSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}

	var fired []Fired
	for _, sc := range schedules {
		if !sc.Matches(now) {
			continue
		}
		var next *time.Time
		if n, ok := sc.NextAfter(now); ok {
			u := n.UTC()
			next = &u
		}
		claimed, err := s.store.ClaimScheduleRun(ctx, sc.ID, slot.UTC(), next)
		if err != nil {
			s.log.Error(ctx, "schedule_claim_failed", "failed to claim schedule run",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("schedule_id", sc.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !claimed {
			continue
		}

		out, err := s.engine.Submit(ctx, executionFor(sc, now))
		if err != nil {
			s.log.Error(ctx, "schedule_submit_failed", "failed to submit scheduled execution",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("schedule_id", sc.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.log.Info(ctx, "schedule_fired", "schedule fired",
			slog.String("schedule_id", sc.ID.String()),
			slog.String("schedule", sc.Name),
			slog.String("execution_id", out.ExecutionID.String()),
			slog.String("status", string(out.Status)),
		)
		fired = append(fired, Fired{ScheduleID: sc.ID, Outcome: out})
	}
	return fired, nil
}

func executionFor(sc models.Schedule, now time.Time) models.Execution {
	var actor models.Actor = models.ActorScheduler
	if sc.Actor != nil {
		actor = sc.Actor
	}
	x := models.NewExecution(sc.PondID, sc.EffectiveAction(), models.PriorityScheduled, now, sc.ExecutionParameters(), actor)
	if sc.AutomationType != "" {
		x.ExecutionType = sc.AutomationType
	}
	id := sc.ID
	x.ScheduleID = &id
	return x
}
