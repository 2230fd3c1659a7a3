package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/commands"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/memstore"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

const device = "AA:BB:CC:00:11:22"

type check struct {
	pondID    uuid.UUID
	parameter string
	value     float64
}

type checkQueue struct {
	mu     sync.Mutex
	checks []check
}

func (q *checkQueue) EnqueueThresholdCheck(_ context.Context, pondID uuid.UUID, parameter string, value float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checks = append(q.checks, check{pondID, parameter, value})
	return nil
}

func (q *checkQueue) find(pondID uuid.UUID, parameter string) (float64, bool) {
	for _, c := range q.checks {
		if c.pondID == pondID && c.parameter == parameter {
			return c.value, true
		}
	}
	return 0, false
}

type sensorWrite struct {
	position int
	values   map[string]float64
}

type sink struct {
	sensors   []sensorWrite
	telemetry []map[string]any
	err       error
}

func (s *sink) WriteSensorReading(_ context.Context, _ string, position int, values map[string]float64, _ time.Time) error {
	s.sensors = append(s.sensors, sensorWrite{position, values})
	return s.err
}

func (s *sink) WriteTelemetry(_ context.Context, _ string, fields map[string]any, _ time.Time) error {
	s.telemetry = append(s.telemetry, fields)
	return s.err
}

type fixture struct {
	store    *memstore.Store
	bus      *bridge.Memory
	disp     *commands.Dispatcher
	checks   *checkQueue
	sink     *sink
	consumer *Consumer
	north    models.Pond
	south    models.Pond
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  memstore.New(),
		bus:    bridge.NewMemory(),
		checks: &checkQueue{},
		sink:   &sink{},
		now:    time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
	var err error
	if f.north, err = f.store.UpsertPond(ctx, models.Pond{DeviceID: device, Name: "North", Position: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if f.south, err = f.store.UpsertPond(ctx, models.Pond{DeviceID: device, Name: "South", Position: 2}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clock := func() time.Time { return f.now }
	f.disp = commands.New(f.store, f.bus, logx.Discard(), commands.Options{Now: clock})
	f.consumer = New(f.store, f.disp, f.sink, f.checks, f.bus, logx.Discard(), clock)
	return f
}

func message(t *testing.T, topic string, payload any) bridge.IncomingMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bridge.IncomingMessage{Topic: topic, Payload: raw, DeviceID: device, Source: bridge.SourceDeviceClient}
}

// manualFeed dispatches a feed command linked to a running manual execution.
func (f *fixture) manualFeed(t *testing.T) (models.Execution, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	x := models.NewExecution(f.north.ID, models.ActionFeed, models.PriorityManual, f.now, nil, models.User{Subject: "farmer-1"})
	if err := x.Start(f.now); err != nil {
		t.Fatalf("start: %v", err)
	}
	x, err := f.store.CreateExecution(ctx, x)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := f.disp.DispatchFor(ctx, x, models.CommandFeed, map[string]any{bridge.ParamAmount: 200.0})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return x, id
}

func TestAckThenCompleteFinishesExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x, id := f.manualFeed(t)

	if err := f.consumer.Handle(ctx, message(t, "devices/"+device+"/ack", map[string]any{"command_id": id.String(), "success": true})); err != nil {
		t.Fatalf("ack: %v", err)
	}
	cmd, _ := f.store.GetCommand(ctx, id)
	if cmd.Status != models.CommandAcknowledged {
		t.Fatalf("expected ACKNOWLEDGED, got %s", cmd.Status)
	}

	done := message(t, "devices/"+device+"/complete", map[string]any{"command_id": id.String(), "success": true, "message": "dispensed"})
	for i := 0; i < 2; i++ {
		if err := f.consumer.Handle(ctx, done); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	exec, _ := f.store.GetExecution(ctx, x.ID)
	if exec.Status != models.ExecutionCompleted || exec.ResultMessage != "Command completed: dispensed" {
		t.Fatalf("unexpected execution %s %q", exec.Status, exec.ResultMessage)
	}
	if n := len(f.store.FeedEvents()); n != 1 {
		t.Fatalf("expected one feed event, got %d", n)
	}
}

func TestNegativeAckFailsCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x, id := f.manualFeed(t)

	err := f.consumer.Handle(ctx, message(t, "devices/"+device+"/ack", map[string]any{
		"command_id":    id.String(),
		"success":       false,
		"message":       "hopper empty",
		"error_code":    "HOPPER_EMPTY",
		"error_details": "level sensor reads 0",
	}))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	cmd, _ := f.store.GetCommand(ctx, id)
	if cmd.Status != models.CommandFailed || cmd.ErrorCode != "HOPPER_EMPTY" {
		t.Fatalf("expected FAILED with device code, got %s %q", cmd.Status, cmd.ErrorCode)
	}
	exec, _ := f.store.GetExecution(ctx, x.ID)
	if exec.Status != models.ExecutionFailed || exec.ResultMessage != "Command failed: hopper empty" {
		t.Fatalf("unexpected execution %s %q", exec.Status, exec.ResultMessage)
	}
	if len(f.store.FeedEvents()) != 0 {
		t.Fatalf("a failed feed must not be recorded")
	}
}

func TestMalformedReplyIsRejected(t *testing.T) {
	f := newFixture(t)
	err := f.consumer.Handle(context.Background(), message(t, "devices/"+device+"/ack", map[string]any{"command_id": "not-a-uuid"}))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestSensorReadingsRouteByPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := map[string]any{
		"data": map[string]any{
			"temperature": 27.5,
			"water1":      64,
			"water2":      "71.5",
			"feed1":       40,
			"ph":          19.2,
			"battery":     88,
			"humidity":    50,
		},
	}
	if err := f.consumer.Handle(ctx, message(t, "devices/"+device+"/sensors", payload)); err != nil {
		t.Fatalf("sensors: %v", err)
	}

	if v, ok := f.checks.find(f.north.ID, "water_level"); !ok || v != 64 {
		t.Fatalf("north water_level: %v %v", v, ok)
	}
	if v, ok := f.checks.find(f.south.ID, "water_level"); !ok || v != 71.5 {
		t.Fatalf("south water_level: %v %v", v, ok)
	}
	if _, ok := f.checks.find(f.south.ID, "feed_level"); ok {
		t.Fatalf("feed1 must not reach the second pond")
	}
	for _, p := range []models.Pond{f.north, f.south} {
		if v, ok := f.checks.find(p.ID, "temperature"); !ok || v != 27.5 {
			t.Fatalf("shared temperature missing on %s", p.Name)
		}
		if _, ok := f.checks.find(p.ID, "ph"); ok {
			t.Fatalf("out-of-range ph must be dropped")
		}
	}
	if len(f.sink.sensors) != 2 {
		t.Fatalf("expected one series write per pond, got %d", len(f.sink.sensors))
	}
	if n := len(f.bus.Published(bridge.DeviceEventsChannel(device))); n != 1 {
		t.Fatalf("expected one sensor device event, got %d", n)
	}
}

func TestFlatSensorPayloadAndSinkFailure(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("influx down")
	err := f.consumer.Handle(context.Background(), message(t, "devices/"+device+"/sensors", map[string]any{"dissolved_oxygen": 6.1}))
	if err != nil {
		t.Fatalf("a storage failure must not stop threshold checks: %v", err)
	}
	if v, ok := f.checks.find(f.north.ID, "dissolved_oxygen"); !ok || v != 6.1 {
		t.Fatalf("expected check for flat payload, got %v %v", v, ok)
	}
}

func TestSensorsFromUnknownDevice(t *testing.T) {
	f := newFixture(t)
	msg := message(t, "devices/ghost/sensors", map[string]any{"temperature": 20})
	msg.DeviceID = "ghost"
	if err := f.consumer.Handle(context.Background(), msg); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestStartupResetsErrorsAndHeartbeatUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.now.Add(-time.Hour)
	f.store.PutDevice(models.DeviceStatus{DeviceID: device, Status: models.DeviceOffline, LastSeen: &old, ErrorCount: 4, LastError: "brownout"})

	if err := f.consumer.Handle(ctx, message(t, "devices/"+device+"/startup", map[string]any{"firmware_version": "2.4.1", "free_heap": 81234})); err != nil {
		t.Fatalf("startup: %v", err)
	}
	d, _ := f.store.GetDeviceStatus(ctx, device)
	if d.Status != models.DeviceOnline || d.ErrorCount != 0 || d.LastError != "" || d.FirmwareVersion != "2.4.1" {
		t.Fatalf("unexpected status after startup: %+v", d)
	}

	f.now = f.now.Add(30 * time.Second)
	if err := f.consumer.Handle(ctx, message(t, "devices/"+device+"/heartbeat", map[string]any{"wifi_signal_strength": -61})); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	d, _ = f.store.GetDeviceStatus(ctx, device)
	if d.FirmwareVersion != "2.4.1" || d.WiFiSignalStrength == nil || *d.WiFiSignalStrength != -61 || !d.LastSeen.Equal(f.now) {
		t.Fatalf("heartbeat did not merge: %+v", d)
	}
	if len(f.sink.telemetry) != 2 || f.sink.telemetry[1]["wifi_signal_strength"] != -61 {
		t.Fatalf("unexpected telemetry writes %+v", f.sink.telemetry)
	}
}

func TestDeviceThresholdReport(t *testing.T) {
	f := newFixture(t)
	err := f.consumer.Handle(context.Background(), message(t, "devices/"+device+"/threshold", map[string]any{
		"parameter":     "temperature",
		"value":         33.0,
		"pond_position": 2,
	}))
	if err != nil {
		t.Fatalf("threshold: %v", err)
	}
	if len(f.checks.checks) != 1 || f.checks.checks[0].pondID != f.south.ID || f.checks.checks[0].value != 33 {
		t.Fatalf("expected one check on the south pond, got %+v", f.checks.checks)
	}
}

func TestParseReadings(t *testing.T) {
	r, err := ParseReadings(json.RawMessage(`{"turbidity": 1200, "ammonia": "NaN", "feed2": 12, "ph": 7}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(r.Rejected) != 2 {
		t.Fatalf("expected turbidity and ammonia rejected, got %+v", r.Rejected)
	}
	if r.Shared["ph"] != 7 || r.ByPosition[2]["feed_level"] != 12 {
		t.Fatalf("unexpected readings %+v", r)
	}
	if got := r.ForPosition(1); len(got) != 1 {
		t.Fatalf("position 1 gets only shared readings, got %+v", got)
	}
	if _, err := ParseReadings(json.RawMessage(`[1,2]`)); err == nil {
		t.Fatalf("expected error for non-object payload")
	}
}
