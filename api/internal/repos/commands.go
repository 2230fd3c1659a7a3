package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/events"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/workflow"
)

const commandColumns = `id, pond_id, device_id, pond_position, command_type, status, parameters, sent_at, acknowledged_at,
	completed_at, timeout_seconds, max_retries, retry_count, success, result_message, error_code, error_details,
	execution_id, created_at, updated_at`

type CommandsRepo struct {
	pool *pgxpool.Pool
}

func NewCommandsRepo(pool *pgxpool.Pool) *CommandsRepo {
	return &CommandsRepo{pool: pool}
}

func (r *CommandsRepo) CreateCommand(ctx context.Context, cmd models.DeviceCommand) (models.DeviceCommand, error) {
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		return insertCommand(ctx, tx, cmd)
	})
	if err != nil {
		return models.DeviceCommand{}, mapErr(err)
	}
	return cmd, nil
}

// AttachCommand inserts cmd linked to the execution and records its id on
// the execution in the same transaction. An execution that is terminal or
// already carries a command is rejected with ErrConflict, so a manual
// action can never dispatch twice.
func (r *CommandsRepo) AttachCommand(ctx context.Context, executionID uuid.UUID, cmd models.DeviceCommand) (models.DeviceCommand, error) {
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		e, err := scanExecution(tx.QueryRow(ctx, `SELECT `+executionColumns+` FROM automation_executions WHERE id = $1 FOR UPDATE`, executionID))
		if err != nil {
			return err
		}
		if e.IsTerminal() {
			return ErrConflict
		}
		if _, linked := e.CommandID(); linked {
			return ErrConflict
		}
		cmd.ExecutionID = &e.ID
		if err := insertCommand(ctx, tx, cmd); err != nil {
			return err
		}
		e.SetCommandID(cmd.ID)
		return saveExecution(ctx, tx, e.Status, e)
	})
	if err != nil {
		return models.DeviceCommand{}, mapErr(err)
	}
	return cmd, nil
}

func (r *CommandsRepo) GetCommand(ctx context.Context, id uuid.UUID) (models.DeviceCommand, error) {
	cmd, err := scanCommand(r.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = $1`, id))
	return cmd, mapErr(err)
}

// UpdateCommand locks the command and, when linked, its execution, then
// applies fn to both. exec is nil for commands without an execution.
func (r *CommandsRepo) UpdateCommand(ctx context.Context, id uuid.UUID, fn func(cmd *models.DeviceCommand, exec *models.Execution) (bool, error)) (models.DeviceCommand, bool, error) {
	var (
		out     models.DeviceCommand
		changed bool
	)
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		cmd, err := scanCommand(tx.QueryRow(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		var exec *models.Execution
		var execBefore models.ExecutionStatus
		if cmd.ExecutionID != nil {
			e, err := scanExecution(tx.QueryRow(ctx, `SELECT `+executionColumns+` FROM automation_executions WHERE id = $1 FOR UPDATE`, *cmd.ExecutionID))
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if err == nil {
				exec = &e
				execBefore = e.Status
			}
		}
		before := cmd.Status
		changed, err = fn(&cmd, exec)
		out = cmd
		if err != nil || !changed {
			return err
		}
		if err := saveCommand(ctx, tx, before, cmd); err != nil {
			return err
		}
		if exec != nil && exec.Status != execBefore {
			return saveExecution(ctx, tx, execBefore, *exec)
		}
		return nil
	})
	return out, changed, mapErr(err)
}

func (r *CommandsRepo) ExpiredCommands(ctx context.Context, now time.Time, limit int) ([]models.DeviceCommand, error) {
	return queryCommands(ctx, r.pool, `
		SELECT `+commandColumns+`
		FROM device_commands
		WHERE status IN ('SENT', 'ACKNOWLEDGED')
			AND sent_at + make_interval(secs => timeout_seconds) < $1
		ORDER BY sent_at ASC
		LIMIT $2
	`, now, clampLimit(limit))
}

func (r *CommandsRepo) SentCommandsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.DeviceCommand, error) {
	return queryCommands(ctx, r.pool, `
		SELECT `+commandColumns+`
		FROM device_commands
		WHERE status = 'SENT' AND sent_at < $1
		ORDER BY sent_at ASC
		LIMIT $2
	`, cutoff, clampLimit(limit))
}

// LatestCommandForExecution returns the most recently updated command
// linked to the execution, or ErrNotFound.
func (r *CommandsRepo) LatestCommandForExecution(ctx context.Context, executionID uuid.UUID) (models.DeviceCommand, error) {
	cmd, err := scanCommand(r.pool.QueryRow(ctx, `
		SELECT `+commandColumns+`
		FROM device_commands
		WHERE execution_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, executionID))
	return cmd, mapErr(err)
}

func insertCommand(ctx context.Context, db DBTX, cmd models.DeviceCommand) error {
	params, err := encodeParams(cmd.Parameters)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO device_commands (`+commandColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, cmd.ID, cmd.PondID, cmd.DeviceID, cmd.PondPosition, string(cmd.CommandType), string(cmd.Status), params,
		cmd.SentAt, cmd.AcknowledgedAt, cmd.CompletedAt, cmd.TimeoutSeconds, cmd.MaxRetries, cmd.RetryCount,
		cmd.Success, cmd.ResultMessage, cmd.ErrorCode, cmd.ErrorDetails, cmd.ExecutionID, cmd.CreatedAt, cmd.UpdatedAt)
	if err != nil {
		return err
	}
	return appendEvent(ctx, db, events.AggregateCommand, cmd.ID, cmd.PondID, workflow.EventCommandCreated, commandSnapshot(cmd))
}

func saveCommand(ctx context.Context, db DBTX, before models.CommandStatus, cmd models.DeviceCommand) error {
	_, err := db.Exec(ctx, `
		UPDATE device_commands
		SET status = $2, sent_at = $3, acknowledged_at = $4, completed_at = $5, retry_count = $6,
			success = $7, result_message = $8, error_code = $9, error_details = $10, updated_at = $11
		WHERE id = $1
	`, cmd.ID, string(cmd.Status), cmd.SentAt, cmd.AcknowledgedAt, cmd.CompletedAt, cmd.RetryCount,
		cmd.Success, cmd.ResultMessage, cmd.ErrorCode, cmd.ErrorDetails, time.Now().UTC())
	if err != nil {
		return err
	}
	event := workflow.CommandEvent(string(before), string(cmd.Status))
	return appendEvent(ctx, db, events.AggregateCommand, cmd.ID, cmd.PondID, event, commandSnapshot(cmd))
}

func queryCommands(ctx context.Context, db DBTX, sql string, args ...any) ([]models.DeviceCommand, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeviceCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func scanCommand(row scanner) (models.DeviceCommand, error) {
	var (
		cmd                 models.DeviceCommand
		commandType, status string
		params              []byte
	)
	err := row.Scan(&cmd.ID, &cmd.PondID, &cmd.DeviceID, &cmd.PondPosition, &commandType, &status, &params,
		&cmd.SentAt, &cmd.AcknowledgedAt, &cmd.CompletedAt, &cmd.TimeoutSeconds, &cmd.MaxRetries, &cmd.RetryCount,
		&cmd.Success, &cmd.ResultMessage, &cmd.ErrorCode, &cmd.ErrorDetails, &cmd.ExecutionID, &cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return models.DeviceCommand{}, err
	}
	cmd.CommandType = models.CommandType(commandType)
	cmd.Status = models.CommandStatus(status)
	cmd.Parameters = decodePayload(params)
	return cmd, nil
}

type commandEvent struct {
	CommandID     uuid.UUID  `json:"command_id"`
	PondID        uuid.UUID  `json:"pond_id"`
	DeviceID      string     `json:"device_id"`
	CommandType   string     `json:"command_type"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	Success       *bool      `json:"success,omitempty"`
	ResultMessage string     `json:"result_message,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ExecutionID   *uuid.UUID `json:"execution_id,omitempty"`
}

func commandSnapshot(cmd models.DeviceCommand) commandEvent {
	return commandEvent{
		CommandID:     cmd.ID,
		PondID:        cmd.PondID,
		DeviceID:      cmd.DeviceID,
		CommandType:   string(cmd.CommandType),
		Status:        string(cmd.Status),
		RetryCount:    cmd.RetryCount,
		Success:       cmd.Success,
		ResultMessage: cmd.ResultMessage,
		ErrorCode:     cmd.ErrorCode,
		ExecutionID:   cmd.ExecutionID,
	}
}
