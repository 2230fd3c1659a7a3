package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

type FeedEventsRepo struct {
	pool *pgxpool.Pool
}

func NewFeedEventsRepo(pool *pgxpool.Pool) *FeedEventsRepo {
	return &FeedEventsRepo{pool: pool}
}

// RecordFeedEvent inserts the event unless one already exists for the same
// command. It reports whether a row was written.
func (r *FeedEventsRepo) RecordFeedEvent(ctx context.Context, ev models.FeedEvent) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	kind, ref := models.ActorParts(ev.Actor)
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO feed_events (id, pond_id, command_id, amount_kg, actor_kind, actor_ref, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (command_id) DO NOTHING
	`, ev.ID, ev.PondID, ev.CommandID, ev.AmountKg, kind, ref, ev.OccurredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
