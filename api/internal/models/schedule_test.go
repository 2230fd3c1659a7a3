package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestScheduleMatches(t *testing.T) {
	// 2026-10-18 is a Sunday.
	sunday := time.Date(2026, 10, 18, 7, 30, 15, 0, time.UTC)
	s := Schedule{ID: uuid.New(), TimeOfDay: "07:30", Days: []int{0, 3}}
	if !s.Matches(sunday) {
		t.Fatalf("expected sunday 07:30 to match")
	}
	if s.Matches(sunday.Add(time.Minute)) {
		t.Fatalf("07:31 must not match")
	}
	if s.Matches(sunday.AddDate(0, 0, 1)) {
		t.Fatalf("monday must not match")
	}
	every := Schedule{TimeOfDay: "07:30:00"}
	if !every.Matches(sunday.AddDate(0, 0, 1)) {
		t.Fatalf("empty days should match every day")
	}
}

func TestScheduleNextAfter(t *testing.T) {
	sunday := time.Date(2026, 10, 18, 7, 30, 0, 0, time.UTC)
	s := Schedule{TimeOfDay: "07:30", Days: []int{0, 3}}
	next, ok := s.NextAfter(sunday)
	if !ok {
		t.Fatalf("expected next run")
	}
	want := time.Date(2026, 10, 21, 7, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
	s.RecordRun(sunday)
	if s.ExecutionCount != 1 || s.NextExecution == nil || !s.NextExecution.Equal(want) {
		t.Fatalf("unexpected bookkeeping %+v", s)
	}
}

func TestScheduleEffectiveAction(t *testing.T) {
	if (Schedule{AutomationType: ExecutionTypeWater}).EffectiveAction() != ActionWaterFlush {
		t.Fatalf("water schedules default to flush")
	}
	if (Schedule{AutomationType: ExecutionTypeFeed}).EffectiveAction() != ActionFeed {
		t.Fatalf("feed schedules default to feed")
	}
	if (Schedule{AutomationType: ExecutionTypeWater, Action: ActionWaterDrain}).EffectiveAction() != ActionWaterDrain {
		t.Fatalf("explicit action wins")
	}
}

func TestScheduleClockRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "7", "24:00", "07:60", "aa:bb"} {
		if _, _, err := (Schedule{TimeOfDay: raw}).Clock(); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
