package sweeps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/commands"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/memstore"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type queue struct {
	ids []uuid.UUID
}

func (q *queue) EnqueueExecution(_ context.Context, id uuid.UUID) error {
	q.ids = append(q.ids, id)
	return nil
}

type fixture struct {
	store *memstore.Store
	disp  *commands.Dispatcher
	queue *queue
	sw    *Sweeper
	pond  models.Pond
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		queue: &queue{},
		now:   time.Date(2026, 10, 16, 14, 0, 0, 0, time.UTC),
	}
	pond, err := f.store.UpsertPond(context.Background(), models.Pond{DeviceID: "dev-1", Name: "Tilapia", Position: 1})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.pond = pond
	clock := func() time.Time { return f.now }
	f.disp = commands.New(f.store, bridge.NewMemory(), logx.Discard(), commands.Options{Now: clock})
	f.sw = New(f.store, f.disp, f.queue, logx.Discard(), Options{Now: clock})
	return f
}

func (f *fixture) running(t *testing.T, startedAgo time.Duration) models.Execution {
	t.Helper()
	x := models.NewExecution(f.pond.ID, models.ActionFeed, models.PriorityManual, f.now, nil, models.User{Subject: "op"})
	if err := x.Start(f.now.Add(-startedAgo)); err != nil {
		t.Fatalf("start: %v", err)
	}
	x, err := f.store.CreateExecution(context.Background(), x)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return x
}

// linked stores a command for x directly in the given status.
func (f *fixture) linked(t *testing.T, x models.Execution, status models.CommandStatus, sentAgo time.Duration) models.DeviceCommand {
	t.Helper()
	cmd := models.NewDeviceCommand(f.pond, models.CommandFeed, nil, 0, 3)
	cmd.Status = status
	sent := f.now.Add(-sentAgo)
	cmd.SentAt = &sent
	id := x.ID
	cmd.ExecutionID = &id
	cmd, err := f.store.CreateCommand(context.Background(), cmd)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	return cmd
}

func (f *fixture) execution(t *testing.T, id uuid.UUID) models.Execution {
	t.Helper()
	x, err := f.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return x
}

func TestCommandTimeoutsCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := f.running(t, 0)
	id, err := f.disp.DispatchFor(ctx, x, models.CommandFeed, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.now = f.now.Add(11 * time.Second)

	res, err := f.sw.CommandTimeouts(ctx, true)
	if err != nil || res.Repaired != 1 {
		t.Fatalf("dry run: %+v %v", res, err)
	}
	if cmd, _ := f.store.GetCommand(ctx, id); cmd.Status != models.CommandSent {
		t.Fatalf("dry run changed the command to %s", cmd.Status)
	}

	res, err = f.sw.CommandTimeouts(ctx, false)
	if err != nil || res.Repaired != 1 {
		t.Fatalf("sweep: %+v %v", res, err)
	}
	cmd, _ := f.store.GetCommand(ctx, id)
	if cmd.Status != models.CommandTimedOut {
		t.Fatalf("expected TIMEOUT, got %s", cmd.Status)
	}
	got := f.execution(t, x.ID)
	if got.Status != models.ExecutionFailed || got.ResultMessage != "Command failed: Command timed out after 10s" {
		t.Fatalf("unexpected execution %s %q", got.Status, got.ResultMessage)
	}

	if res, _ := f.sw.CommandTimeouts(ctx, false); res.Found != 0 {
		t.Fatalf("second sweep found %d", res.Found)
	}
}

func TestStuckExecutionsSyncFromLatestCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed := f.running(t, 2*time.Hour)
	f.linked(t, completed, models.CommandCompleted, 2*time.Hour)
	failed := f.running(t, 2*time.Hour)
	f.linked(t, failed, models.CommandFailed, 2*time.Hour)
	acked := f.running(t, 2*time.Hour)
	f.linked(t, acked, models.CommandAcknowledged, 2*time.Hour)
	orphan := f.running(t, 2*time.Hour)
	sent := f.running(t, 2*time.Hour)
	sentCmd := f.linked(t, sent, models.CommandSent, 90*time.Minute)
	fresh := f.running(t, 10*time.Minute)

	res, err := f.sw.StuckExecutions(ctx, 0, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Found != 5 || res.Repaired != 5 {
		t.Fatalf("unexpected result %+v", res)
	}

	cases := []struct {
		id      uuid.UUID
		status  models.ExecutionStatus
		message string
	}{
		{completed.ID, models.ExecutionCompleted, "Auto-synced from completed command"},
		{failed.ID, models.ExecutionFailed, "Auto-synced from failed command"},
		{acked.ID, models.ExecutionFailed, "Execution stuck: no terminal command after 1h"},
		{orphan.ID, models.ExecutionFailed, "No linked commands found"},
		{sent.ID, models.ExecutionFailed, "Command failed: Command timed out after 10s"},
		{fresh.ID, models.ExecutionExecuting, ""},
	}
	for _, tc := range cases {
		got := f.execution(t, tc.id)
		if got.Status != tc.status || got.ResultMessage != tc.message {
			t.Fatalf("execution %s: got %s %q, want %s %q", tc.id, got.Status, got.ResultMessage, tc.status, tc.message)
		}
	}
	if cmd, _ := f.store.GetCommand(ctx, sentCmd.ID); cmd.Status != models.CommandTimedOut {
		t.Fatalf("old SENT command should be timed out, got %s", cmd.Status)
	}
}

func TestStuckExecutionsDryRunAndCustomCutoff(t *testing.T) {
	f := newFixture(t)
	x := f.running(t, 3*time.Hour)

	res, err := f.sw.StuckExecutions(context.Background(), 4*time.Hour, false)
	if err != nil || res.Found != 0 {
		t.Fatalf("a 4h cutoff must skip a 3h execution: %+v %v", res, err)
	}
	res, err = f.sw.StuckExecutions(context.Background(), 2*time.Hour, true)
	if err != nil || res.Repaired != 1 || !res.DryRun {
		t.Fatalf("dry run: %+v %v", res, err)
	}
	if got := f.execution(t, x.ID); got.Status != models.ExecutionExecuting {
		t.Fatalf("dry run modified execution: %s", got.Status)
	}
}

func TestRetryFailedCreatesOneRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mk := func(completedAgo time.Duration) models.Execution {
		at := f.now.Add(-completedAgo)
		x := models.NewExecution(f.pond.ID, models.ActionWaterDrain, models.PriorityScheduled, at, map[string]any{
			models.ParamCommandID:       uuid.NewString(),
			models.ParamDrainWaterLevel: 20.0,
		}, models.ActorScheduler)
		if err := x.Start(at); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := x.Complete(at, false, "valve jammed", ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
		x, err := f.store.CreateExecution(ctx, x)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return x
	}
	recent := mk(10 * time.Minute)
	mk(3 * time.Hour)

	res, err := f.sw.RetryFailed(ctx, false)
	if err != nil || res.Found != 1 || res.Repaired != 1 {
		t.Fatalf("retry: %+v %v", res, err)
	}
	if len(f.queue.ids) != 1 {
		t.Fatalf("expected the retry to be enqueued, got %v", f.queue.ids)
	}
	retry := f.execution(t, f.queue.ids[0])
	if retry.Status != models.ExecutionPending || retry.RetryOf == nil || *retry.RetryOf != recent.ID {
		t.Fatalf("unexpected retry %+v", retry)
	}
	if _, linked := retry.CommandID(); linked {
		t.Fatalf("a retry must not inherit the old command link")
	}
	if models.FloatParam(retry.Parameters, models.ParamDrainWaterLevel, 0) != 20 || retry.Actor != models.ActorScheduler {
		t.Fatalf("retry lost context: %+v", retry)
	}
	if orig := f.execution(t, recent.ID); orig.Status != models.ExecutionFailed || orig.ResultMessage != "valve jammed" {
		t.Fatalf("failed record was modified: %+v", orig)
	}

	if res, _ := f.sw.RetryFailed(ctx, false); res.Found != 0 {
		t.Fatalf("an execution is retried at most once, found %d", res.Found)
	}
}

func TestDuePendingHonoursGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lost := models.NewExecution(f.pond.ID, models.ActionFeed, models.PriorityThreshold, f.now.Add(-5*time.Minute), nil, models.ActorThresholdMonitor)
	f.store.CreateExecution(ctx, lost)
	justDue := models.NewExecution(f.pond.ID, models.ActionFeed, models.PriorityThreshold, f.now.Add(-30*time.Second), nil, models.ActorThresholdMonitor)
	f.store.CreateExecution(ctx, justDue)

	res, err := f.sw.DuePending(ctx, false)
	if err != nil || res.Repaired != 1 {
		t.Fatalf("due pending: %+v %v", res, err)
	}
	if len(f.queue.ids) != 1 || f.queue.ids[0] != lost.ID {
		t.Fatalf("expected only the lost execution, got %v", f.queue.ids)
	}
}

func TestDevicesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.now.Add(-time.Minute)
	recent := f.now.Add(-10 * time.Second)
	f.store.PutDevice(models.DeviceStatus{DeviceID: "stale", Status: models.DeviceOnline, LastSeen: &stale})
	f.store.PutDevice(models.DeviceStatus{DeviceID: "recent", Status: models.DeviceOnline, LastSeen: &recent})

	res, err := f.sw.DevicesOffline(ctx, true)
	if err != nil || res.Repaired != 1 {
		t.Fatalf("dry run: %+v %v", res, err)
	}
	if d, _ := f.store.GetDeviceStatus(ctx, "stale"); d.Status != models.DeviceOnline {
		t.Fatalf("dry run changed status")
	}
	if _, err := f.sw.DevicesOffline(ctx, false); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if d, _ := f.store.GetDeviceStatus(ctx, "stale"); d.Status != models.DeviceOffline {
		t.Fatalf("expected OFFLINE, got %s", d.Status)
	}
	if d, _ := f.store.GetDeviceStatus(ctx, "recent"); d.Status != models.DeviceOnline {
		t.Fatalf("recent device must stay ONLINE")
	}
}

func TestRunByName(t *testing.T) {
	f := newFixture(t)
	for _, name := range Names {
		res, err := f.sw.Run(context.Background(), name, 0, true)
		if err != nil || res.Sweep != name || !res.DryRun {
			t.Fatalf("%s: %+v %v", name, res, err)
		}
	}
	if _, err := f.sw.Run(context.Background(), "vacuum", 0, false); !errors.Is(err, ErrUnknownSweep) {
		t.Fatalf("expected ErrUnknownSweep, got %v", err)
	}
}
