package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

var auditColumns = []string{
	"audit_id", "occurred_at", "subject", "action", "resource_type", "resource_id",
	"request_id", "method", "path", "status_code", "duration_ms", "client_ip", "user_agent", "details",
}

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteAuditLog bulk-loads entries with COPY.
func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []models.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			return auditRow(entries[i], now), nil
		}))
	return err
}

func auditRow(e models.AuditLog, now time.Time) []any {
	if e.AuditID == uuid.Nil {
		e.AuditID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	var details any
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	return []any{
		e.AuditID, e.OccurredAt, e.Subject, e.Action, e.ResourceType, e.ResourceID,
		e.RequestID, e.Method, e.Path, e.StatusCode, e.DurationMS, e.ClientIP, e.UserAgent, details,
	}
}
