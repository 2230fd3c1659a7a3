package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/dbx"
)

// Store bundles the Postgres repositories behind the method sets the
// engine, dispatcher and monitors depend on.
type Store struct {
	*PondsRepo
	*ExecutionsRepo
	*CommandsRepo
	*ThresholdsRepo
	*SchedulesRepo
	*DevicesRepo
	*FeedEventsRepo

	Outbox *OutboxRepo
	Audit  *AuditRepo
	pool   *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		PondsRepo:      NewPondsRepo(pool),
		ExecutionsRepo: NewExecutionsRepo(pool),
		CommandsRepo:   NewCommandsRepo(pool),
		ThresholdsRepo: NewThresholdsRepo(pool),
		SchedulesRepo:  NewSchedulesRepo(pool),
		DevicesRepo:    NewDevicesRepo(pool),
		FeedEventsRepo: NewFeedEventsRepo(pool),
		Outbox:         NewOutboxRepo(pool),
		Audit:          NewAuditRepo(pool),
		pool:           pool,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return dbx.Ping(ctx, s.pool)
}
