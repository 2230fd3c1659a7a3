package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/events"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/workflow"
)

const executionColumns = `id, pond_id, execution_type, action, priority, status, scheduled_at, started_at, completed_at,
	parameters, success, result_message, error_details, schedule_id, threshold_id, retry_of, actor_kind, actor_ref,
	created_at, updated_at`

type ExecutionsRepo struct {
	pool *pgxpool.Pool
}

func NewExecutionsRepo(pool *pgxpool.Pool) *ExecutionsRepo {
	return &ExecutionsRepo{pool: pool}
}

// CreateExecution inserts a new execution. A second retry of the same
// failed execution is rejected with ErrConflict.
func (r *ExecutionsRepo) CreateExecution(ctx context.Context, e models.Execution) (models.Execution, error) {
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertExecution(ctx, tx, e); err != nil {
			return err
		}
		return appendEvent(ctx, tx, events.AggregateExecution, e.ID, e.PondID, workflow.EventExecutionCreated, executionSnapshot(e))
	})
	if err != nil {
		return models.Execution{}, mapErr(err)
	}
	return e, nil
}

func (r *ExecutionsRepo) GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error) {
	e, err := scanExecution(r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM automation_executions WHERE id = $1`, id))
	return e, mapErr(err)
}

// AdmitExecution runs fn with the execution row locked and the other
// PENDING/EXECUTING executions of the same pond loaded, under a pond-wide
// advisory lock so two admissions on one pond never interleave.
func (r *ExecutionsRepo) AdmitExecution(ctx context.Context, id uuid.UUID, fn func(e *models.Execution, active []models.Execution) (bool, error)) (models.Execution, bool, error) {
	var (
		out     models.Execution
		changed bool
	)
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var pondID uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT pond_id FROM automation_executions WHERE id = $1`, id).Scan(&pondID); err != nil {
			return err
		}
		if err := lockPond(ctx, tx, pondID.String()); err != nil {
			return err
		}
		e, err := scanExecution(tx.QueryRow(ctx, `SELECT `+executionColumns+` FROM automation_executions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		active, err := queryExecutions(ctx, tx, `
			SELECT `+executionColumns+`
			FROM automation_executions
			WHERE pond_id = $1 AND id <> $2 AND status IN ('PENDING', 'EXECUTING')
			ORDER BY created_at ASC
		`, pondID, id)
		if err != nil {
			return err
		}
		before := e.Status
		changed, err = fn(&e, active)
		out = e
		if err != nil || !changed {
			return err
		}
		return saveExecution(ctx, tx, before, e)
	})
	return out, changed, mapErr(err)
}

// UpdateExecution applies fn to the row-locked execution and persists it when
// fn reports a change.
func (r *ExecutionsRepo) UpdateExecution(ctx context.Context, id uuid.UUID, fn func(e *models.Execution) (bool, error)) (models.Execution, bool, error) {
	var (
		out     models.Execution
		changed bool
	)
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		e, err := scanExecution(tx.QueryRow(ctx, `SELECT `+executionColumns+` FROM automation_executions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		before := e.Status
		changed, err = fn(&e)
		out = e
		if err != nil || !changed {
			return err
		}
		return saveExecution(ctx, tx, before, e)
	})
	return out, changed, mapErr(err)
}

func (r *ExecutionsRepo) StuckExecutions(ctx context.Context, startedBefore time.Time, limit int) ([]models.Execution, error) {
	return queryExecutions(ctx, r.pool, `
		SELECT `+executionColumns+`
		FROM automation_executions
		WHERE status = 'EXECUTING' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`, startedBefore, clampLimit(limit))
}

// FailedWithoutRetry lists FAILED executions completed since the cutoff that
// have not been retried yet. Retries themselves are never retried again.
func (r *ExecutionsRepo) FailedWithoutRetry(ctx context.Context, since time.Time, limit int) ([]models.Execution, error) {
	return queryExecutions(ctx, r.pool, `
		SELECT `+executionColumns+`
		FROM automation_executions e
		WHERE e.status = 'FAILED' AND e.completed_at >= $1 AND e.retry_of IS NULL
			AND NOT EXISTS (SELECT 1 FROM automation_executions r WHERE r.retry_of = e.id)
		ORDER BY e.completed_at ASC
		LIMIT $2
	`, since, clampLimit(limit))
}

func (r *ExecutionsRepo) DuePendingExecutions(ctx context.Context, now time.Time, limit int) ([]models.Execution, error) {
	return queryExecutions(ctx, r.pool, `
		SELECT `+executionColumns+`
		FROM automation_executions
		WHERE status = 'PENDING' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, clampLimit(limit))
}

func insertExecution(ctx context.Context, db DBTX, e models.Execution) error {
	params, err := encodeParams(e.Parameters)
	if err != nil {
		return err
	}
	kind, ref := models.ActorParts(e.Actor)
	_, err = db.Exec(ctx, `
		INSERT INTO automation_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, e.ID, e.PondID, string(e.ExecutionType), string(e.Action), string(e.Priority), string(e.Status), e.ScheduledAt,
		e.StartedAt, e.CompletedAt, params, e.Success, e.ResultMessage, e.ErrorDetails, e.ScheduleID, e.ThresholdID,
		e.RetryOf, kind, ref, e.CreatedAt, e.UpdatedAt)
	return err
}

func saveExecution(ctx context.Context, db DBTX, before models.ExecutionStatus, e models.Execution) error {
	params, err := encodeParams(e.Parameters)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		UPDATE automation_executions
		SET status = $2, scheduled_at = $3, started_at = $4, completed_at = $5, parameters = $6,
			success = $7, result_message = $8, error_details = $9, updated_at = $10
		WHERE id = $1
	`, e.ID, string(e.Status), e.ScheduledAt, e.StartedAt, e.CompletedAt, params,
		e.Success, e.ResultMessage, e.ErrorDetails, time.Now().UTC())
	if err != nil {
		return err
	}
	event := workflow.ExecutionEvent(string(before), string(e.Status))
	return appendEvent(ctx, db, events.AggregateExecution, e.ID, e.PondID, event, executionSnapshot(e))
}

func queryExecutions(ctx context.Context, db DBTX, sql string, args ...any) ([]models.Execution, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row scanner) (models.Execution, error) {
	var (
		e                                  models.Execution
		execType, action, priority, status string
		params                             []byte
		kind, ref                          string
	)
	err := row.Scan(&e.ID, &e.PondID, &execType, &action, &priority, &status, &e.ScheduledAt, &e.StartedAt,
		&e.CompletedAt, &params, &e.Success, &e.ResultMessage, &e.ErrorDetails, &e.ScheduleID, &e.ThresholdID,
		&e.RetryOf, &kind, &ref, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return models.Execution{}, err
	}
	e.ExecutionType = models.ExecutionType(execType)
	e.Action = models.Action(action)
	e.Priority = models.Priority(priority)
	e.Status = models.ExecutionStatus(status)
	e.Parameters = decodePayload(params)
	e.Actor = models.ActorFromParts(kind, ref)
	return e, nil
}

type executionEvent struct {
	ExecutionID   uuid.UUID `json:"execution_id"`
	PondID        uuid.UUID `json:"pond_id"`
	Action        string    `json:"action"`
	Priority      string    `json:"priority"`
	Status        string    `json:"status"`
	Success       *bool     `json:"success,omitempty"`
	ResultMessage string    `json:"result_message,omitempty"`
	ErrorDetails  string    `json:"error_details,omitempty"`
	ActorKind     string    `json:"actor_kind"`
	ActorRef      string    `json:"actor_ref"`
}

func executionSnapshot(e models.Execution) executionEvent {
	kind, ref := models.ActorParts(e.Actor)
	return executionEvent{
		ExecutionID:   e.ID,
		PondID:        e.PondID,
		Action:        string(e.Action),
		Priority:      string(e.Priority),
		Status:        string(e.Status),
		Success:       e.Success,
		ResultMessage: e.ResultMessage,
		ErrorDetails:  e.ErrorDetails,
		ActorKind:     kind,
		ActorRef:      ref,
	}
}
