package repos

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/events"
)

// Outbox row lifecycle: pending -> sending -> delivered, or back to pending
// with a retry time, or dead once attempts run out.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

var outboxFields = []string{
	"event_id", "pond_id", "aggregate_type", "aggregate_id", "event_type", "topic", "payload",
	"status", "attempts", "next_retry_at", "locked_at", "locked_by", "last_error",
	"created_at", "updated_at", "published_at",
}

// outboxSelect lists the outbox columns, qualified with alias when set.
func outboxSelect(alias string) string {
	if alias == "" {
		return strings.Join(outboxFields, ", ")
	}
	cols := make([]string, len(outboxFields))
	for i, f := range outboxFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// ClaimPending locks up to limit due rows for owner. Concurrent relays skip
// each other's rows.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT event_id FROM outbox_events
			WHERE status = $1 AND coalesce(next_retry_at, '-infinity') <= now()
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM due
		WHERE o.event_id = due.event_id
		RETURNING `+outboxSelect("o"),
		OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.OutboxEvent, error) {
		return scanOutbox(row)
	})
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	return r.settle(ctx, eventID, OutboxStatusDelivered, `published_at = now()`)
}

// MarkFailed records a failed publish. A dead row keeps its last error and
// never becomes due again.
func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	if dead {
		return r.settle(ctx, eventID, OutboxStatusDead, `attempts = $3, next_retry_at = NULL, last_error = $4`, attempts, lastErr)
	}
	return r.settle(ctx, eventID, OutboxStatusPending, `attempts = $3, next_retry_at = $4, last_error = $5`, attempts, nextRetryAt, lastErr)
}

// settle moves a claimed row to status and releases its lock; set holds the
// extra assignments, numbered from $3.
func (r *OutboxRepo) settle(ctx context.Context, eventID uuid.UUID, status string, set string, args ...any) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, locked_at = NULL, locked_by = NULL, updated_at = now(), `+set+`
		WHERE event_id = $1`,
		append([]any{eventID, status}, args...)...)
	return err
}

// ReleaseStale hands rows left in sending by a crashed relay back to pending.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - make_interval(secs => $3)`,
		OutboxStatusPending, OutboxStatusSending, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanOutbox(row scanner) (models.OutboxEvent, error) {
	var e models.OutboxEvent
	err := row.Scan(
		&e.EventID, &e.PondID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Topic, &e.Payload,
		&e.Status, &e.Attempts, &e.NextRetryAt, &e.LockedAt, &e.LockedBy, &e.LastError,
		&e.CreatedAt, &e.UpdatedAt, &e.PublishedAt,
	)
	return e, err
}

// appendEvent queues a status event in the caller's transaction so it
// commits together with the state change. An empty eventType writes nothing.
func appendEvent(ctx context.Context, db DBTX, aggregateType string, aggregateID uuid.UUID, pondID uuid.UUID, eventType string, payload any) error {
	if eventType == "" {
		return nil
	}
	env, err := events.New(aggregateType, aggregateID, pondID, eventType, payload)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO outbox_events (event_id, pond_id, aggregate_type, aggregate_id, event_type, topic, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		env.EventID, env.PondID, env.AggregateType, env.AggregateID, env.EventType,
		events.TopicFor(env.AggregateType), []byte(env.Payload), OutboxStatusPending, env.OccurredAt)
	return err
}
