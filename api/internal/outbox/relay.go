// Package outbox relays durable status events from the outbox table to Kafka.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/events"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type Store interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Publisher interface {
	PublishEnvelope(ctx context.Context, env events.Envelope) error
}

type Options struct {
	Owner       string
	BatchSize   int
	MaxAttempts int
	// StaleAfter releases rows a crashed relay left in sending.
	StaleAfter time.Duration
	Now        func() time.Time
}

type Relay struct {
	store Store
	pub   Publisher
	log   logx.Logger
	opts  Options
}

type Result struct {
	Claimed   int
	Delivered int
	Failed    int
	Dead      int
}

func New(store Store, pub Publisher, log logx.Logger, opts Options) *Relay {
	if opts.Owner == "" {
		opts.Owner = "outbox-relay"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{store: store, pub: pub, log: log.With(slog.String("component", "outbox")), opts: opts}
}

// Scan claims one batch and publishes it in creation order. Publish failures
// are rescheduled on the row and never fail the scan.
func (r *Relay) Scan(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.scan")
	defer span.End()

	if n, err := r.store.ReleaseStale(ctx, r.opts.StaleAfter); err != nil {
		r.log.Warn(ctx, "outbox_release_failed", "failed to release stale outbox rows", slog.String("error", err.Error()))
	} else if n > 0 {
		r.log.Info(ctx, "outbox_released", "released stale outbox rows", slog.Int64("count", n))
	}

	rows, err := r.store.ClaimPending(ctx, r.opts.Owner, r.opts.BatchSize)
	if err != nil {
		return Result{}, err
	}
	res := Result{Claimed: len(rows)}
	span.SetAttributes(attribute.Int("outbox.claimed", len(rows)))
	for _, row := range rows {
		if err := r.pub.PublishEnvelope(ctx, Envelope(row)); err != nil {
			if r.fail(ctx, row, err) {
				res.Dead++
			} else {
				res.Failed++
			}
			continue
		}
		if err := r.store.MarkDelivered(ctx, row.EventID); err != nil {
			return res, err
		}
		res.Delivered++
	}
	return res, nil
}

func (r *Relay) fail(ctx context.Context, row models.OutboxEvent, cause error) bool {
	attempts := row.Attempts + 1
	next := r.opts.Now().UTC().Add(RetryDelay(attempts))
	dead := attempts >= r.opts.MaxAttempts
	if err := r.store.MarkFailed(ctx, row.EventID, attempts, &next, cause.Error(), dead); err != nil {
		r.log.Error(ctx, "outbox_mark_failed", "failed to record outbox publish failure",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_id", row.EventID.String()),
			slog.String("error", err.Error()),
		)
	}
	if dead {
		r.log.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", row.EventID.String()),
			slog.String("event_type", row.EventType),
			slog.Int("attempts", attempts),
		)
	}
	return dead
}

// Envelope rebuilds the published envelope from a stored row.
func Envelope(row models.OutboxEvent) events.Envelope {
	return events.Envelope{
		EventID:       row.EventID,
		PondID:        row.PondID,
		OccurredAt:    row.CreatedAt,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		EventType:     row.EventType,
		Payload:       row.Payload,
	}
}

// RetryDelay grows quadratically from 5s and caps at 5m.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
