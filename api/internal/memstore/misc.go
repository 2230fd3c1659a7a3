package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
)

func (s *Store) CreateSchedule(_ context.Context, sc models.Schedule) (models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	s.schedules[sc.ID] = sc
	return sc, nil
}

func (s *Store) ActiveSchedules(context.Context) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Schedule
	for _, sc := range s.schedules {
		if sc.Active {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeOfDay < out[j].TimeOfDay })
	return out, nil
}

func (s *Store) ClaimScheduleRun(_ context.Context, id uuid.UUID, slot time.Time, next *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok || !sc.Active {
		return false, nil
	}
	slot = slot.UTC()
	if sc.LastExecution != nil && !sc.LastExecution.Before(slot) {
		return false, nil
	}
	sc.LastExecution = &slot
	sc.NextExecution = next
	sc.ExecutionCount++
	s.schedules[id] = sc
	return true, nil
}

func (s *Store) Schedule(id uuid.UUID) models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedules[id]
}

func (s *Store) GetDeviceStatus(_ context.Context, deviceID string) (models.DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return models.DeviceStatus{}, repos.ErrNotFound
	}
	return d, nil
}

func (s *Store) ApplyTelemetry(_ context.Context, deviceID string, t models.Telemetry, now time.Time, startup bool) (models.DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[deviceID]
	d.DeviceID = deviceID
	d.Apply(t, now, startup)
	s.devices[deviceID] = d
	return d, nil
}

// PutDevice seeds a device row as-is.
func (s *Store) PutDevice(d models.DeviceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.DeviceID] = d
}

func (s *Store) MarkStaleOffline(_ context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.devices {
		if d.Status != models.DeviceOnline || (d.LastSeen != nil && !d.LastSeen.Before(cutoff)) {
			continue
		}
		n++
		if !dryRun {
			d.Status = models.DeviceOffline
			s.devices[id] = d
		}
	}
	return n, nil
}

func (s *Store) RecordFeedEvent(_ context.Context, ev models.FeedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.feedEvents[ev.CommandID]; exists {
		return false, nil
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	s.feedEvents[ev.CommandID] = ev
	return true, nil
}

func (s *Store) FeedEvents() []models.FeedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FeedEvent, 0, len(s.feedEvents))
	for _, ev := range s.feedEvents {
		out = append(out, ev)
	}
	return out
}
