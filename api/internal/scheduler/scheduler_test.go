package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/engine"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/memstore"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type submitted struct {
	execs []models.Execution
}

func (s *submitted) Submit(_ context.Context, x models.Execution) (engine.Outcome, error) {
	s.execs = append(s.execs, x)
	return engine.Outcome{ExecutionID: x.ID, Status: engine.StatusCompleted, Success: true}, nil
}

func f64(v float64) *float64 { return &v }

func TestTickFiresMatchingScheduleOncePerMinute(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pondID := uuid.New()
	feed, _ := store.CreateSchedule(ctx, models.Schedule{
		PondID:         pondID,
		Name:           "morning feed",
		AutomationType: models.ExecutionTypeFeed,
		TimeOfDay:      "07:30",
		Days:           []int{0, 5},
		FeedAmount:     f64(120),
		Active:         true,
	})
	store.CreateSchedule(ctx, models.Schedule{
		PondID:         pondID,
		Name:           "evening flush",
		AutomationType: models.ExecutionTypeWater,
		TimeOfDay:      "18:00",
		Active:         true,
	})

	// Friday 2026-10-16 07:30:20 UTC.
	now := time.Date(2026, 10, 16, 7, 30, 20, 0, time.UTC)
	sub := &submitted{}
	s := New(store, sub, time.UTC, logx.Discard(), func() time.Time { return now })

	fired, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(fired) != 1 || fired[0].ScheduleID != feed.ID {
		t.Fatalf("expected the feed schedule to fire, got %+v", fired)
	}
	x := sub.execs[0]
	if x.Action != models.ActionFeed || x.Priority != models.PriorityScheduled || x.Status != models.ExecutionPending {
		t.Fatalf("unexpected execution %s %s %s", x.Action, x.Priority, x.Status)
	}
	if x.ScheduleID == nil || *x.ScheduleID != feed.ID || models.FloatParam(x.Parameters, models.ParamFeedAmount, 0) != 120 {
		t.Fatalf("execution lacks schedule context: %+v", x)
	}

	now = now.Add(30 * time.Second)
	if fired, _ := s.Tick(ctx); len(fired) != 0 {
		t.Fatalf("schedule fired twice in one minute")
	}

	got := store.Schedule(feed.ID)
	if got.ExecutionCount != 1 || got.LastExecution == nil {
		t.Fatalf("run not recorded: %+v", got)
	}
	// Next run is Sunday 2026-10-18 07:30.
	if got.NextExecution == nil || !got.NextExecution.Equal(time.Date(2026, 10, 18, 7, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next execution %v", got.NextExecution)
	}
}

func TestTickUsesConfiguredTimezone(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.CreateSchedule(ctx, models.Schedule{
		PondID:           uuid.New(),
		AutomationType:   models.ExecutionTypeWater,
		Action:           models.ActionWaterDrain,
		TimeOfDay:        "08:00",
		DrainWaterLevel:  f64(40),
		TargetWaterLevel: nil,
		Active:           true,
	})
	lagos := time.FixedZone("WAT", 3600)
	sub := &submitted{}
	s := New(store, sub, lagos, logx.Discard(), func() time.Time { return time.Date(2026, 10, 16, 7, 0, 5, 0, time.UTC) })

	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sub.execs) != 1 || sub.execs[0].Action != models.ActionWaterDrain {
		t.Fatalf("expected the drain to fire at 08:00 local, got %+v", sub.execs)
	}
}

func TestValidate(t *testing.T) {
	base := models.Schedule{PondID: uuid.New(), AutomationType: models.ExecutionTypeFeed, TimeOfDay: "06:15", FeedAmount: f64(50)}
	cases := []struct {
		name   string
		mutate func(*models.Schedule)
		ok     bool
	}{
		{"valid feed", func(*models.Schedule) {}, true},
		{"feed without amount", func(s *models.Schedule) { s.FeedAmount = nil }, false},
		{"negative amount", func(s *models.Schedule) { s.FeedAmount = f64(-1) }, false},
		{"bad clock", func(s *models.Schedule) { s.TimeOfDay = "25:00" }, false},
		{"bad day", func(s *models.Schedule) { s.Days = []int{7} }, false},
		{"flush needs both levels", func(s *models.Schedule) {
			s.AutomationType = models.ExecutionTypeWater
			s.DrainWaterLevel = f64(10)
		}, false},
		{"flush with both levels", func(s *models.Schedule) {
			s.AutomationType = models.ExecutionTypeWater
			s.DrainWaterLevel = f64(10)
			s.TargetWaterLevel = f64(90)
		}, true},
		{"level above 100", func(s *models.Schedule) {
			s.AutomationType = models.ExecutionTypeWater
			s.Action = models.ActionWaterFill
			s.TargetWaterLevel = f64(120)
		}, false},
		{"feed action on water schedule", func(s *models.Schedule) {
			s.AutomationType = models.ExecutionTypeWater
			s.Action = models.ActionFeed
		}, false},
		{"missing pond", func(s *models.Schedule) { s.PondID = uuid.Nil }, false},
	}
	for _, tc := range cases {
		sc := base
		tc.mutate(&sc)
		err := Validate(sc)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("%s: expected ErrInvalidSchedule, got %v", tc.name, err)
		}
	}
}

func TestScheduledExecutionsKeepScheduledPriority(t *testing.T) {
	sc := models.Schedule{
		ID:             uuid.New(),
		PondID:         uuid.New(),
		AutomationType: models.ExecutionTypeFeed,
		FeedAmount:     f64(80),
		Priority:       models.PriorityManual,
	}
	x := executionFor(sc, time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC))
	if x.Priority != models.PriorityScheduled {
		t.Fatalf("expected SCHEDULED, got %s", x.Priority)
	}
}
