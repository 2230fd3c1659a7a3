package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/events"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type failure struct {
	attempts int
	next     *time.Time
	dead     bool
}

type fakeStore struct {
	pending   []models.OutboxEvent
	delivered []uuid.UUID
	failed    map[uuid.UUID]failure
	released  int
}

func (s *fakeStore) ClaimPending(_ context.Context, _ string, limit int) ([]models.OutboxEvent, error) {
	n := min(limit, len(s.pending))
	out := s.pending[:n]
	s.pending = s.pending[n:]
	return out, nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, id uuid.UUID) error {
	s.delivered = append(s.delivered, id)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, attempts int, next *time.Time, _ string, dead bool) error {
	if s.failed == nil {
		s.failed = map[uuid.UUID]failure{}
	}
	s.failed[id] = failure{attempts: attempts, next: next, dead: dead}
	return nil
}

func (s *fakeStore) ReleaseStale(context.Context, time.Duration) (int64, error) {
	s.released++
	return 0, nil
}

type publisher struct {
	failFor map[uuid.UUID]bool
	sent    []events.Envelope
}

func (p *publisher) PublishEnvelope(_ context.Context, env events.Envelope) error {
	if p.failFor[env.EventID] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, env)
	return nil
}

func row(attempts int) models.OutboxEvent {
	return models.OutboxEvent{
		EventID:       uuid.New(),
		PondID:        uuid.New(),
		AggregateType: events.AggregateExecution,
		AggregateID:   uuid.New(),
		EventType:     "execution_completed",
		Payload:       []byte(`{"status":"COMPLETED"}`),
		Attempts:      attempts,
		CreatedAt:     time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
}

func TestScanDeliversAndReschedules(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 5, 0, 0, time.UTC)
	ok, flaky, doomed := row(0), row(1), row(19)
	store := &fakeStore{pending: []models.OutboxEvent{ok, flaky, doomed}}
	pub := &publisher{failFor: map[uuid.UUID]bool{flaky.EventID: true, doomed.EventID: true}}
	r := New(store, pub, logx.Discard(), Options{MaxAttempts: 20, Now: func() time.Time { return now }})

	res, err := r.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res != (Result{Claimed: 3, Delivered: 1, Failed: 1, Dead: 1}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if store.released != 1 {
		t.Fatalf("stale rows should be released before claiming")
	}
	if len(pub.sent) != 1 || pub.sent[0].EventID != ok.EventID || pub.sent[0].OccurredAt != ok.CreatedAt {
		t.Fatalf("unexpected envelopes %+v", pub.sent)
	}
	f := store.failed[flaky.EventID]
	if f.dead || f.attempts != 2 || f.next == nil || !f.next.Equal(now.Add(20*time.Second)) {
		t.Fatalf("flaky row: %+v", f)
	}
	if d := store.failed[doomed.EventID]; !d.dead || d.attempts != 20 {
		t.Fatalf("doomed row should be dead: %+v", d)
	}
}

func TestScanHonoursBatchSize(t *testing.T) {
	store := &fakeStore{pending: []models.OutboxEvent{row(0), row(0), row(0)}}
	r := New(store, &publisher{}, logx.Discard(), Options{BatchSize: 2})
	res, _ := r.Scan(context.Background())
	if res.Claimed != 2 || len(store.pending) != 1 {
		t.Fatalf("unexpected claim %+v, %d left", res, len(store.pending))
	}
}

func TestRetryDelay(t *testing.T) {
	cases := map[int]time.Duration{0: 5 * time.Second, 1: 5 * time.Second, 3: 45 * time.Second, 7: 245 * time.Second, 8: 5 * time.Minute, 50: 5 * time.Minute}
	for attempt, want := range cases {
		if got := RetryDelay(attempt); got != want {
			t.Fatalf("attempt %d: got %s want %s", attempt, got, want)
		}
	}
}
