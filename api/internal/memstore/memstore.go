// Package memstore is an in-process Store with the same semantics as the
// Postgres repositories. Component tests run against it.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/workflow"
)

type Store struct {
	mu sync.Mutex

	ponds      map[uuid.UUID]models.Pond
	executions map[uuid.UUID]models.Execution
	commands   map[uuid.UUID]models.DeviceCommand
	commandSeq map[uuid.UUID]int64
	thresholds map[uuid.UUID]models.SensorThreshold
	alerts     map[uuid.UUID]models.Alert
	schedules  map[uuid.UUID]models.Schedule
	devices    map[string]models.DeviceStatus
	feedEvents map[uuid.UUID]models.FeedEvent
	events     []string
	seq        int64

	// PingErr is returned by Ping when set.
	PingErr error
}

func New() *Store {
	return &Store{
		ponds:      map[uuid.UUID]models.Pond{},
		executions: map[uuid.UUID]models.Execution{},
		commands:   map[uuid.UUID]models.DeviceCommand{},
		commandSeq: map[uuid.UUID]int64{},
		thresholds: map[uuid.UUID]models.SensorThreshold{},
		alerts:     map[uuid.UUID]models.Alert{},
		schedules:  map[uuid.UUID]models.Schedule{},
		devices:    map[string]models.DeviceStatus{},
		feedEvents: map[uuid.UUID]models.FeedEvent{},
	}
}

func (s *Store) Ping(context.Context) error { return s.PingErr }

func (s *Store) UpsertPond(_ context.Context, pond models.Pond) (models.Pond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ponds {
		if p.DeviceID == pond.DeviceID && p.Position == pond.Position {
			p.Name = pond.Name
			s.ponds[p.ID] = p
			return p, nil
		}
	}
	if pond.ID == uuid.Nil {
		pond.ID = uuid.New()
	}
	s.ponds[pond.ID] = pond
	return pond, nil
}

func (s *Store) GetPond(_ context.Context, id uuid.UUID) (models.Pond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ponds[id]
	if !ok {
		return models.Pond{}, repos.ErrNotFound
	}
	return p, nil
}

func (s *Store) PondsByDevice(_ context.Context, deviceID string) ([]models.Pond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Pond
	for _, p := range s.ponds {
		if p.DeviceID == deviceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) CreateExecution(_ context.Context, e models.Execution) (models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.insertExecution(e)
	if err != nil {
		return models.Execution{}, err
	}
	return cloneExecution(stored), nil
}

func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return models.Execution{}, repos.ErrNotFound
	}
	return cloneExecution(e), nil
}

func (s *Store) AdmitExecution(_ context.Context, id uuid.UUID, fn func(e *models.Execution, active []models.Execution) (bool, error)) (models.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return models.Execution{}, false, repos.ErrNotFound
	}
	var active []models.Execution
	for _, other := range s.executions {
		if other.ID != id && other.PondID == e.PondID && other.Status.Active() {
			active = append(active, cloneExecution(other))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	work := cloneExecution(e)
	changed, err := fn(&work, active)
	if err != nil || !changed {
		return work, changed, err
	}
	s.saveExecution(e.Status, work)
	return cloneExecution(work), true, nil
}

func (s *Store) UpdateExecution(_ context.Context, id uuid.UUID, fn func(e *models.Execution) (bool, error)) (models.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return models.Execution{}, false, repos.ErrNotFound
	}
	work := cloneExecution(e)
	changed, err := fn(&work)
	if err != nil || !changed {
		return work, changed, err
	}
	s.saveExecution(e.Status, work)
	return cloneExecution(work), true, nil
}

func (s *Store) StuckExecutions(_ context.Context, startedBefore time.Time, limit int) ([]models.Execution, error) {
	return s.filterExecutions(limit, func(e models.Execution) bool {
		return e.Status == models.ExecutionExecuting && e.StartedAt != nil && e.StartedAt.Before(startedBefore)
	}), nil
}

func (s *Store) FailedWithoutRetry(_ context.Context, since time.Time, limit int) ([]models.Execution, error) {
	s.mu.Lock()
	retried := map[uuid.UUID]bool{}
	for _, e := range s.executions {
		if e.RetryOf != nil {
			retried[*e.RetryOf] = true
		}
	}
	s.mu.Unlock()
	return s.filterExecutions(limit, func(e models.Execution) bool {
		return e.Status == models.ExecutionFailed && e.RetryOf == nil && !retried[e.ID] &&
			e.CompletedAt != nil && !e.CompletedAt.Before(since)
	}), nil
}

func (s *Store) DuePendingExecutions(_ context.Context, now time.Time, limit int) ([]models.Execution, error) {
	return s.filterExecutions(limit, func(e models.Execution) bool {
		return e.Status == models.ExecutionPending && !e.ScheduledAt.After(now)
	}), nil
}

// Executions returns every execution on the pond, oldest first.
func (s *Store) Executions(pondID uuid.UUID) []models.Execution {
	return s.filterExecutions(0, func(e models.Execution) bool { return e.PondID == pondID })
}

func (s *Store) filterExecutions(limit int, keep func(models.Execution) bool) []models.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Execution
	for _, e := range s.executions {
		if keep(e) {
			out = append(out, cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) insertExecution(e models.Execution) (models.Execution, error) {
	if _, exists := s.executions[e.ID]; exists {
		return models.Execution{}, repos.ErrConflict
	}
	if e.RetryOf != nil {
		for _, other := range s.executions {
			if other.RetryOf != nil && *other.RetryOf == *e.RetryOf {
				return models.Execution{}, repos.ErrConflict
			}
		}
	}
	s.seq++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// Keep insertion order stable for executions created in the same instant.
	e.CreatedAt = e.CreatedAt.Add(time.Duration(s.seq))
	s.executions[e.ID] = cloneExecution(e)
	s.events = append(s.events, workflow.EventExecutionCreated)
	return e, nil
}

func (s *Store) saveExecution(before models.ExecutionStatus, e models.Execution) {
	e.UpdatedAt = time.Now().UTC()
	s.executions[e.ID] = cloneExecution(e)
	if ev := workflow.ExecutionEvent(string(before), string(e.Status)); ev != "" {
		s.events = append(s.events, ev)
	}
}

// Events lists the outbox event types recorded so far, in order.
func (s *Store) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func cloneExecution(e models.Execution) models.Execution {
	params := make(map[string]any, len(e.Parameters))
	for k, v := range e.Parameters {
		params[k] = v
	}
	e.Parameters = params
	return e
}
