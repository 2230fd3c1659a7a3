package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring automation trigger. Days use Sunday=0 numbering;
// an empty Days list means every day.
type Schedule struct {
	ID               uuid.UUID     `validate:"-"`
	PondID           uuid.UUID     `validate:"required"`
	Name             string        `validate:"max=100"`
	AutomationType   ExecutionType `validate:"oneof=FEED WATER"`
	Action           Action        `validate:"omitempty"`
	TimeOfDay        string        `validate:"required"`
	Days             []int         `validate:"dive,gte=0,lte=6"`
	FeedAmount       *float64      `validate:"omitempty,gt=0"`
	DrainWaterLevel  *float64      `validate:"omitempty,gte=0,lte=100"`
	TargetWaterLevel *float64      `validate:"omitempty,gte=0,lte=100"`
	Priority         Priority      `validate:"omitempty"`
	Active           bool          `validate:"-"`
	LastExecution    *time.Time    `validate:"-"`
	NextExecution    *time.Time    `validate:"-"`
	ExecutionCount   int           `validate:"gte=0"`
	Actor            Actor         `validate:"-"`
}

// Clock parses TimeOfDay ("HH:MM" or "HH:MM:SS").
func (s Schedule) Clock() (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s.TimeOfDay), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s.TimeOfDay)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s.TimeOfDay)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s.TimeOfDay)
	}
	return h, m, nil
}

func (s Schedule) RunsOn(day time.Weekday) bool {
	if len(s.Days) == 0 {
		return true
	}
	for _, d := range s.Days {
		if d == int(day) {
			return true
		}
	}
	return false
}

// Matches reports whether the schedule fires in the wall-clock minute of now.
func (s Schedule) Matches(now time.Time) bool {
	h, m, err := s.Clock()
	if err != nil {
		return false
	}
	return now.Hour() == h && now.Minute() == m && s.RunsOn(now.Weekday())
}

// NextAfter returns the first firing strictly after now, in now's location.
func (s Schedule) NextAfter(now time.Time) (time.Time, bool) {
	h, m, err := s.Clock()
	if err != nil {
		return time.Time{}, false
	}
	for i := 0; i <= 7; i++ {
		d := now.AddDate(0, 0, i)
		candidate := time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, now.Location())
		if candidate.After(now) && s.RunsOn(candidate.Weekday()) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// EffectiveAction is the configured action or the default for the type.
func (s Schedule) EffectiveAction() Action {
	if s.Action != "" {
		return s.Action
	}
	if s.AutomationType == ExecutionTypeWater {
		return ActionWaterFlush
	}
	return ActionFeed
}

// ExecutionParameters are copied onto every execution the schedule creates.
func (s Schedule) ExecutionParameters() map[string]any {
	params := map[string]any{ParamScheduleID: s.ID.String()}
	if s.FeedAmount != nil {
		params[ParamFeedAmount] = *s.FeedAmount
	}
	if s.DrainWaterLevel != nil {
		params[ParamDrainWaterLevel] = *s.DrainWaterLevel
	}
	if s.TargetWaterLevel != nil {
		params[ParamTargetWaterLevel] = *s.TargetWaterLevel
	}
	return params
}

// RecordRun updates bookkeeping after the schedule fired at now.
func (s *Schedule) RecordRun(now time.Time) {
	t := now.UTC()
	s.LastExecution = &t
	s.ExecutionCount++
	if next, ok := s.NextAfter(now); ok {
		n := next.UTC()
		s.NextExecution = &n
	}
}
