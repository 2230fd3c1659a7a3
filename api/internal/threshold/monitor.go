// Package threshold evaluates sensor readings against configured bounds,
// keeps the per-parameter alert up to date and fires the configured
// automation once a violation persists.
package threshold

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

type Store interface {
	GetPond(ctx context.Context, id uuid.UUID) (models.Pond, error)
	ActiveThresholds(ctx context.Context, pondID uuid.UUID, parameter string) ([]models.SensorThreshold, error)
	RecordViolation(ctx context.Context, t models.SensorThreshold, value float64, now time.Time) (models.Alert, bool, error)
	ResolveAlerts(ctx context.Context, pondID uuid.UUID, parameter string, now time.Time) (int, error)
	CreateExecution(ctx context.Context, e models.Execution) (models.Execution, error)
}

// Locker serializes checks of one (pond, parameter). lockx.Mutex
// implements it across processes, LocalLocker within one.
type Locker interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Deferrer runs a created execution after the debounce delay.
type Deferrer interface {
	Defer(ctx context.Context, executionID uuid.UUID, delay time.Duration) error
}

type Monitor struct {
	store    Store
	locker   Locker
	deferrer Deferrer
	events   bridge.Transport
	log      logx.Logger
	now      func() time.Time
}

// New builds a Monitor. events may be nil, in which case alerts are not
// fanned out to live observers.
func New(store Store, locker Locker, deferrer Deferrer, events bridge.Transport, log logx.Logger, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		store:    store,
		locker:   locker,
		deferrer: deferrer,
		events:   events,
		log:      log.With(slog.String("component", "threshold")),
		now:      now,
	}
}

// Report summarizes one CheckParameter call.
type Report struct {
	Violations []uuid.UUID // thresholds violated by the reading
	Alerts     []models.Alert
	Resolved   int
	Executions []uuid.UUID
}

// CheckParameter evaluates value against every active threshold for
// (pondID, parameter).
func (m *Monitor) CheckParameter(ctx context.Context, pondID uuid.UUID, parameter string, value float64) (Report, error) {
	var rep Report
	key := fmt.Sprintf("threshold:%s:%s", pondID, parameter)
	err := m.locker.Do(ctx, key, func(ctx context.Context) error {
		var err error
		rep, err = m.check(ctx, pondID, parameter, value)
		return err
	})
	return rep, err
}

func (m *Monitor) check(ctx context.Context, pondID uuid.UUID, parameter string, value float64) (Report, error) {
	var rep Report
	thresholds, err := m.store.ActiveThresholds(ctx, pondID, parameter)
	if err != nil {
		return rep, fmt.Errorf("load thresholds: %w", err)
	}
	now := m.now()
	for _, t := range thresholds {
		if !t.Violated(value) {
			n, err := m.store.ResolveAlerts(ctx, pondID, parameter, now)
			if err != nil {
				return rep, fmt.Errorf("resolve alerts: %w", err)
			}
			if n > 0 {
				m.log.Info(ctx, "alert_resolved", "alert resolved",
					slog.String("pond_id", pondID.String()),
					slog.String("parameter", parameter),
					slog.Float64("value", value),
				)
			}
			rep.Resolved += n
			continue
		}

		metricsx.IncThresholdViolation(parameter)
		rep.Violations = append(rep.Violations, t.ID)
		alert, created, err := m.store.RecordViolation(ctx, t, value, now)
		if err != nil {
			return rep, fmt.Errorf("record violation: %w", err)
		}
		rep.Alerts = append(rep.Alerts, alert)
		m.log.Info(ctx, "threshold_violation", alert.Message,
			slog.String("pond_id", pondID.String()),
			slog.String("parameter", parameter),
			slog.Float64("value", value),
			slog.Float64("lower", t.LowerThreshold),
			slog.Float64("upper", t.UpperThreshold),
			slog.Int("violation_count", alert.ViolationCount),
		)
		if created && t.SendAlert {
			m.broadcast(ctx, alert)
		}

		// Fire once, when the count reaches max_violations. The store hands
		// out each count exactly once.
		if alert.ViolationCount != t.MaxViolations || t.AutomationAction == "" {
			continue
		}
		id, err := m.trigger(ctx, t, alert, value, now)
		if err != nil {
			return rep, err
		}
		rep.Executions = append(rep.Executions, id)
	}
	return rep, nil
}

func (m *Monitor) trigger(ctx context.Context, t models.SensorThreshold, alert models.Alert, value float64, now time.Time) (uuid.UUID, error) {
	params := map[string]any{
		models.ParamParameter:      t.Parameter,
		models.ParamCurrentValue:   value,
		models.ParamUpperThreshold: t.UpperThreshold,
		models.ParamLowerThreshold: t.LowerThreshold,
		models.ParamThresholdID:    t.ID.String(),
		models.ParamAlertID:        alert.ID.String(),
		models.ParamViolationCount: alert.ViolationCount,
		models.ParamMessage:        alert.Message,
	}
	x := models.NewExecution(t.PondID, t.AutomationAction, models.PriorityThreshold, now.Add(t.Debounce()), params, models.ActorThresholdMonitor)
	x.ExecutionType = t.ExecutionType()
	tid := t.ID
	x.ThresholdID = &tid
	x, err := m.store.CreateExecution(ctx, x)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create threshold execution: %w", err)
	}
	m.log.Info(ctx, "threshold_automation_scheduled", "threshold automation scheduled",
		slog.String("execution_id", x.ID.String()),
		slog.String("action", string(x.Action)),
		slog.Duration("delay", t.Debounce()),
	)
	if m.deferrer != nil {
		if err := m.deferrer.Defer(ctx, x.ID, t.Debounce()); err != nil {
			// Still PENDING with scheduled_at set; the due-pending sweep runs it.
			m.log.Warn(ctx, "defer_enqueue_failed", "failed to enqueue threshold automation",
				slog.String("execution_id", x.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return x.ID, nil
}

func (m *Monitor) broadcast(ctx context.Context, alert models.Alert) {
	if m.events == nil {
		return
	}
	pond, err := m.store.GetPond(ctx, alert.PondID)
	if err != nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"alert_id":        alert.ID.String(),
		"pond_id":         pond.ID.String(),
		"pond_name":       pond.Name,
		"parameter":       alert.Parameter,
		"alert_level":     alert.AlertLevel,
		"message":         alert.Message,
		"current_value":   alert.CurrentValue,
		"threshold_value": alert.ThresholdValue,
	})
	if err != nil {
		return
	}
	body, err := json.Marshal(bridge.DeviceEvent{Type: bridge.DeviceEventAlert, DeviceID: pond.DeviceID, Data: data, Timestamp: m.now().UTC()})
	if err != nil {
		return
	}
	if _, err := m.events.Publish(ctx, bridge.DeviceEventsChannel(pond.DeviceID), body); err != nil {
		m.log.Warn(ctx, "alert_broadcast_failed", "failed to broadcast alert",
			slog.String("alert_id", alert.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// LocalLocker serializes by key within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *LocalLocker) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	k, ok := l.locks[key]
	if !ok {
		k = &sync.Mutex{}
		l.locks[key] = k
	}
	l.mu.Unlock()

	k.Lock()
	defer k.Unlock()
	return fn(ctx)
}
