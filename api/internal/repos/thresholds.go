package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/events"
)

const thresholdColumns = `id, pond_id, parameter, upper_threshold, lower_threshold, automation_action, priority,
	alert_level, violation_timeout, max_violations, send_alert, active`

const alertColumns = `id, pond_id, parameter, threshold_id, status, alert_level, message, current_value,
	threshold_value, violation_count, first_violation_at, last_violation_at, resolved_at, created_at, updated_at`

type ThresholdsRepo struct {
	pool *pgxpool.Pool
}

func NewThresholdsRepo(pool *pgxpool.Pool) *ThresholdsRepo {
	return &ThresholdsRepo{pool: pool}
}

func (r *ThresholdsRepo) CreateThreshold(ctx context.Context, t models.SensorThreshold) (models.SensorThreshold, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sensor_thresholds (`+thresholdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, t.PondID, t.Parameter, t.UpperThreshold, t.LowerThreshold, string(t.AutomationAction), string(t.Priority),
		string(t.AlertLevel), t.ViolationTimeout, t.MaxViolations, t.SendAlert, t.Active)
	return t, mapErr(err)
}

func (r *ThresholdsRepo) ActiveThresholds(ctx context.Context, pondID uuid.UUID, parameter string) ([]models.SensorThreshold, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+thresholdColumns+`
		FROM sensor_thresholds
		WHERE pond_id = $1 AND parameter = $2 AND active
		ORDER BY created_at ASC
	`, pondID, parameter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SensorThreshold
	for rows.Next() {
		var (
			t                          models.SensorThreshold
			action, priority, alertLvl string
		)
		if err := rows.Scan(&t.ID, &t.PondID, &t.Parameter, &t.UpperThreshold, &t.LowerThreshold, &action, &priority,
			&alertLvl, &t.ViolationTimeout, &t.MaxViolations, &t.SendAlert, &t.Active); err != nil {
			return nil, err
		}
		t.AutomationAction = models.Action(action)
		t.Priority = models.Priority(priority)
		t.AlertLevel = models.AlertLevel(alertLvl)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordViolation creates the active alert for (pond, parameter) or bumps
// its violation count. The partial unique index on active alerts makes the
// upsert atomic, so concurrent readings each observe a distinct count.
func (r *ThresholdsRepo) RecordViolation(ctx context.Context, t models.SensorThreshold, value float64, now time.Time) (models.Alert, bool, error) {
	fresh := models.NewAlert(t, value, now)
	var (
		out     models.Alert
		created bool
	)
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO alerts (`+alertColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (pond_id, parameter) WHERE status = 'active' DO UPDATE SET
				violation_count = alerts.violation_count + 1,
				current_value = EXCLUDED.current_value,
				threshold_value = EXCLUDED.threshold_value,
				message = EXCLUDED.message,
				last_violation_at = EXCLUDED.last_violation_at,
				updated_at = EXCLUDED.updated_at
			RETURNING `+alertColumns+`, (xmax = 0)
		`, fresh.ID, fresh.PondID, fresh.Parameter, fresh.ThresholdID, string(fresh.Status), string(fresh.AlertLevel),
			fresh.Message, fresh.CurrentValue, fresh.ThresholdValue, fresh.ViolationCount, fresh.FirstViolationAt,
			fresh.LastViolationAt, fresh.ResolvedAt, fresh.CreatedAt, fresh.UpdatedAt)
		a, inserted, err := scanAlert(row, true)
		if err != nil {
			return err
		}
		out, created = a, inserted
		if !created {
			return nil
		}
		return appendEvent(ctx, tx, events.AggregateAlert, a.ID, a.PondID, events.EventAlertRaised, alertSnapshot(a))
	})
	return out, created, mapErr(err)
}

// ResolveAlerts resolves the active alert for (pond, parameter), if any.
func (r *ThresholdsRepo) ResolveAlerts(ctx context.Context, pondID uuid.UUID, parameter string, now time.Time) (int, error) {
	var resolved int
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE alerts SET status = 'resolved', resolved_at = $3, updated_at = $3
			WHERE pond_id = $1 AND parameter = $2 AND status = 'active'
			RETURNING `+alertColumns, pondID, parameter, now.UTC())
		if err != nil {
			return err
		}
		var done []models.Alert
		for rows.Next() {
			a, _, err := scanAlert(rows, false)
			if err != nil {
				rows.Close()
				return err
			}
			done = append(done, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, a := range done {
			if err := appendEvent(ctx, tx, events.AggregateAlert, a.ID, a.PondID, events.EventAlertResolved, alertSnapshot(a)); err != nil {
				return err
			}
		}
		resolved = len(done)
		return nil
	})
	return resolved, mapErr(err)
}

func (r *ThresholdsRepo) ActiveAlert(ctx context.Context, pondID uuid.UUID, parameter string) (models.Alert, error) {
	a, _, err := scanAlert(r.pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alerts WHERE pond_id = $1 AND parameter = $2 AND status = 'active'
	`, pondID, parameter), false)
	return a, mapErr(err)
}

func scanAlert(row scanner, withInserted bool) (models.Alert, bool, error) {
	var (
		a             models.Alert
		status, level string
		inserted      bool
	)
	dest := []any{&a.ID, &a.PondID, &a.Parameter, &a.ThresholdID, &status, &level, &a.Message, &a.CurrentValue,
		&a.ThresholdValue, &a.ViolationCount, &a.FirstViolationAt, &a.LastViolationAt, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt}
	if withInserted {
		dest = append(dest, &inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return models.Alert{}, false, err
	}
	a.Status = models.AlertStatus(status)
	a.AlertLevel = models.AlertLevel(level)
	return a, inserted, nil
}

type alertEvent struct {
	AlertID        uuid.UUID `json:"alert_id"`
	PondID         uuid.UUID `json:"pond_id"`
	Parameter      string    `json:"parameter"`
	Status         string    `json:"status"`
	AlertLevel     string    `json:"alert_level"`
	Message        string    `json:"message"`
	CurrentValue   float64   `json:"current_value"`
	ThresholdValue float64   `json:"threshold_value"`
	ViolationCount int       `json:"violation_count"`
}

func alertSnapshot(a models.Alert) alertEvent {
	return alertEvent{
		AlertID:        a.ID,
		PondID:         a.PondID,
		Parameter:      a.Parameter,
		Status:         string(a.Status),
		AlertLevel:     string(a.AlertLevel),
		Message:        a.Message,
		CurrentValue:   a.CurrentValue,
		ThresholdValue: a.ThresholdValue,
		ViolationCount: a.ViolationCount,
	}
}
