package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

const scheduleColumns = `id, pond_id, name, automation_type, action, time_of_day, days, feed_amount, drain_water_level,
	target_water_level, priority, active, last_execution, next_execution, execution_count, actor_kind, actor_ref`

type SchedulesRepo struct {
	pool *pgxpool.Pool
}

func NewSchedulesRepo(pool *pgxpool.Pool) *SchedulesRepo {
	return &SchedulesRepo{pool: pool}
}

func (r *SchedulesRepo) CreateSchedule(ctx context.Context, s models.Schedule) (models.Schedule, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	kind, ref := models.ActorParts(s.Actor)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO automation_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, s.ID, s.PondID, s.Name, string(s.AutomationType), string(s.Action), s.TimeOfDay, days16(s.Days), s.FeedAmount,
		s.DrainWaterLevel, s.TargetWaterLevel, string(s.Priority), s.Active, s.LastExecution, s.NextExecution,
		s.ExecutionCount, kind, ref)
	return s, mapErr(err)
}

func (r *SchedulesRepo) ActiveSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM automation_schedules WHERE active ORDER BY time_of_day ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		var (
			s                          models.Schedule
			execType, action, priority string
			days                       []int16
			kind, ref                  string
		)
		if err := rows.Scan(&s.ID, &s.PondID, &s.Name, &execType, &action, &s.TimeOfDay, &days, &s.FeedAmount,
			&s.DrainWaterLevel, &s.TargetWaterLevel, &priority, &s.Active, &s.LastExecution, &s.NextExecution,
			&s.ExecutionCount, &kind, &ref); err != nil {
			return nil, err
		}
		s.AutomationType = models.ExecutionType(execType)
		s.Action = models.Action(action)
		s.Priority = models.Priority(priority)
		s.Actor = models.ActorFromParts(kind, ref)
		for _, d := range days {
			s.Days = append(s.Days, int(d))
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClaimScheduleRun records a firing of the schedule for the minute starting
// at slot. It returns false when another worker already claimed that minute.
func (r *SchedulesRepo) ClaimScheduleRun(ctx context.Context, id uuid.UUID, slot time.Time, next *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE automation_schedules
		SET last_execution = $2, next_execution = $3, execution_count = execution_count + 1, updated_at = now()
		WHERE id = $1 AND active AND (last_execution IS NULL OR last_execution < $2)
	`, id, slot.UTC(), next)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func days16(days []int) []int16 {
	out := make([]int16, 0, len(days))
	for _, d := range days {
		out = append(out, int16(d))
	}
	return out
}
