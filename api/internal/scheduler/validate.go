package scheduler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

var validate = validator.New()

// Validate checks the struct tags on models.Schedule and the per-action
// requirements: FEED needs feed_amount, drain needs a drain level, fill a
// target level, and flush both.
func Validate(sc models.Schedule) error {
	if err := validate.Struct(sc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if _, _, err := sc.Clock(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if sc.Priority != "" && !sc.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidSchedule, sc.Priority)
	}
	action := sc.EffectiveAction()
	if sc.Action != "" {
		if _, ok := models.ParseAction(string(sc.Action)); !ok {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidSchedule, sc.Action)
		}
		if action.CommandType() != "" && action.ExecutionType() != sc.AutomationType {
			return fmt.Errorf("%w: action %s does not belong to %s schedules", ErrInvalidSchedule, action, sc.AutomationType)
		}
	}

	switch action {
	case models.ActionFeed:
		if sc.FeedAmount == nil {
			return fmt.Errorf("%w: feed_amount is required for FEED schedules", ErrInvalidSchedule)
		}
	case models.ActionWaterDrain:
		if sc.DrainWaterLevel == nil {
			return fmt.Errorf("%w: drain_water_level is required for WATER_DRAIN", ErrInvalidSchedule)
		}
	case models.ActionWaterFill:
		if sc.TargetWaterLevel == nil {
			return fmt.Errorf("%w: target_water_level is required for WATER_FILL", ErrInvalidSchedule)
		}
	case models.ActionWaterFlush:
		if sc.DrainWaterLevel == nil || sc.TargetWaterLevel == nil {
			return fmt.Errorf("%w: WATER_FLUSH needs drain_water_level and target_water_level", ErrInvalidSchedule)
		}
	}
	return nil
}
