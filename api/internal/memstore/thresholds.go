package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/events"
)

func (s *Store) CreateThreshold(_ context.Context, t models.SensorThreshold) (models.SensorThreshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	s.thresholds[t.ID] = t
	return t, nil
}

func (s *Store) ActiveThresholds(_ context.Context, pondID uuid.UUID, parameter string) ([]models.SensorThreshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SensorThreshold
	for _, t := range s.thresholds {
		if t.Active && t.PondID == pondID && t.Parameter == parameter {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) RecordViolation(_ context.Context, t models.SensorThreshold, value float64, now time.Time) (models.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.alerts {
		if a.PondID == t.PondID && a.Parameter == t.Parameter && a.Status == models.AlertActive {
			a.RecordViolation(t, value, now)
			s.alerts[id] = a
			return a, false, nil
		}
	}
	a := models.NewAlert(t, value, now)
	s.alerts[a.ID] = a
	s.events = append(s.events, events.EventAlertRaised)
	return a, true, nil
}

func (s *Store) ResolveAlerts(_ context.Context, pondID uuid.UUID, parameter string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.alerts {
		if a.PondID == pondID && a.Parameter == parameter && a.Status == models.AlertActive {
			a.Resolve(now)
			s.alerts[id] = a
			s.events = append(s.events, events.EventAlertResolved)
			n++
		}
	}
	return n, nil
}

func (s *Store) ActiveAlert(_ context.Context, pondID uuid.UUID, parameter string) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.PondID == pondID && a.Parameter == parameter && a.Status == models.AlertActive {
			return a, nil
		}
	}
	return models.Alert{}, repos.ErrNotFound
}

// Alerts returns every alert for the pond regardless of status.
func (s *Store) Alerts(pondID uuid.UUID) []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if a.PondID == pondID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
