package engine

import (
	"context"
	"errors"
	"strings"
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

type deferCall struct {
	id    uuid.UUID
	delay time.Duration
}

type recordingDeferrer struct {
	mu    sync.Mutex
	calls []deferCall
}

func (r *recordingDeferrer) Defer(_ context.Context, id uuid.UUID, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, deferCall{id: id, delay: delay})
	return nil
}

type fixture struct {
	store    *memstore.Store
	bus      *bridge.Memory
	deferrer *recordingDeferrer
	engine   *Engine
	pond     models.Pond
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		bus:      bridge.NewMemory(),
		deferrer: &recordingDeferrer{},
		now:      time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC),
	}
	pond, err := f.store.UpsertPond(context.Background(), models.Pond{DeviceID: "dev-1", Name: "Tilapia A", Position: 2})
	if err != nil {
		t.Fatalf("seed pond: %v", err)
	}
	f.pond = pond
	clock := func() time.Time { return f.now }
	disp := commands.New(f.store, f.bus, logx.Discard(), commands.Options{MaxRetries: 3, Now: clock})
	handlers := Handlers(Deps{Commands: disp, Ponds: f.store, Events: f.bus, Log: logx.Discard()})
	f.engine = New(f.store, handlers, f.deferrer, logx.Discard(), Options{Now: clock})
	return f
}

func (f *fixture) seed(t *testing.T, action models.Action, priority models.Priority, status models.ExecutionStatus, startedAgo time.Duration) models.Execution {
	t.Helper()
	x := models.NewExecution(f.pond.ID, action, priority, f.now, nil, models.ActorScheduler)
	if status == models.ExecutionExecuting {
		if err := x.Start(f.now.Add(-startedAgo)); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	x, err := f.store.CreateExecution(context.Background(), x)
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	return x
}

func (f *fixture) get(t *testing.T, id uuid.UUID) models.Execution {
	t.Helper()
	x, err := f.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	return x
}

func TestHigherPriorityPendingDefersLowerPriority(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.ActionFeed, models.PriorityManual, models.ExecutionPending, 0)
	low := f.seed(t, models.ActionFeed, models.PriorityScheduled, models.ExecutionPending, 0)

	out, err := f.engine.Execute(context.Background(), low.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusDeferred || out.Success {
		t.Fatalf("expected deferral, got %+v", out)
	}
	got := f.get(t, low.ID)
	if got.Status != models.ExecutionPending {
		t.Fatalf("deferred execution must stay PENDING, got %s", got.Status)
	}
	if !got.ScheduledAt.Equal(f.now.Add(DefaultDeferDelay)) {
		t.Fatalf("expected scheduled_at pushed to %s, got %s", f.now.Add(DefaultDeferDelay), got.ScheduledAt)
	}
	if len(f.deferrer.calls) != 1 || f.deferrer.calls[0].id != low.ID || f.deferrer.calls[0].delay != time.Minute {
		t.Fatalf("unexpected defer calls %+v", f.deferrer.calls)
	}
	if len(f.store.Commands(f.pond.ID)) != 0 {
		t.Fatalf("deferred execution must not dispatch")
	}
}

func TestWaterActionsExcludeEachOtherRegardlessOfPriority(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.ActionWaterFill, models.PriorityThreshold, models.ExecutionExecuting, time.Minute)

	drain := models.NewExecution(f.pond.ID, models.ActionWaterDrain, models.PriorityManual, f.now, nil, models.User{Subject: "op"})
	out, err := f.engine.Submit(context.Background(), drain)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusDeferred {
		t.Fatalf("expected deferral, got %+v", out)
	}
	if got := f.get(t, drain.ID); got.Status != models.ExecutionPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
}

func TestWaitingWaterExecutionsDoNotDeferEachOther(t *testing.T) {
	f := newFixture(t)
	older := f.seed(t, models.ActionWaterFlush, models.PriorityScheduled, models.ExecutionPending, 0)
	younger := f.seed(t, models.ActionWaterDrain, models.PriorityScheduled, models.ExecutionPending, 0)

	if out, _ := f.engine.Execute(context.Background(), younger.ID); out.Status != StatusDeferred {
		t.Fatalf("younger should wait for the older one, got %+v", out)
	}
	out, err := f.engine.Execute(context.Background(), older.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("older should run, got %+v", out)
	}
	if out.Message != "Water flush automation executed: drain to 0%, fill to 80%" {
		t.Fatalf("unexpected message %q", out.Message)
	}
}

func TestScheduledFeedCompletesOnDispatch(t *testing.T) {
	f := newFixture(t)
	x := models.NewExecution(f.pond.ID, models.ActionFeed, models.PriorityScheduled, f.now, map[string]any{models.ParamFeedAmount: 150.0}, models.ActorScheduler)

	out, err := f.engine.Submit(context.Background(), x)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusCompleted || !out.Success || out.Message != "Feed automation executed: 150g" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	cmds := f.store.Commands(f.pond.ID)
	if len(cmds) != 1 || cmds[0].Status != models.CommandSent {
		t.Fatalf("expected one SENT command, got %+v", cmds)
	}
	if models.FloatParam(cmds[0].Parameters, bridge.ParamAmount, 0) != 150 || cmds[0].Parameters[bridge.ParamUnit] != "grams" {
		t.Fatalf("unexpected command parameters %+v", cmds[0].Parameters)
	}
	if cmds[0].ExecutionID == nil || *cmds[0].ExecutionID != x.ID {
		t.Fatalf("command not linked to execution")
	}
}

func TestManualExecutionAwaitsDeviceReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := models.NewExecution(f.pond.ID, models.ActionFeed, models.PriorityManual, f.now, nil, models.User{Subject: "op"})

	out, err := f.engine.Submit(ctx, x)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusAwaiting || out.CommandID == uuid.Nil {
		t.Fatalf("expected awaiting with a command id, got %+v", out)
	}
	if got := f.get(t, x.ID); got.Status != models.ExecutionExecuting {
		t.Fatalf("expected EXECUTING, got %s", got.Status)
	}

	again, err := f.engine.Execute(ctx, x.ID)
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if again.Status != StatusAwaiting || again.CommandID != out.CommandID {
		t.Fatalf("expected the same in-flight command, got %+v", again)
	}
	if n := len(f.store.Commands(f.pond.ID)); n != 1 {
		t.Fatalf("re-execution must not dispatch again, got %d commands", n)
	}
}

func TestPublishFailureFailsExecutionWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.bus.SetFailPublish(errors.New("bridge down"))
	x := models.NewExecution(f.pond.ID, models.ActionFeed, models.PriorityScheduled, f.now, nil, models.ActorScheduler)

	out, err := f.engine.Submit(context.Background(), x)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusFailed || !strings.Contains(out.Message, "Failed to send") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got := f.get(t, x.ID)
	if got.Status != models.ExecutionFailed || !strings.Contains(got.ResultMessage, "Failed to send") {
		t.Fatalf("unexpected execution %s %q", got.Status, got.ResultMessage)
	}
	cmds := f.store.Commands(f.pond.ID)
	if len(cmds) != 1 || cmds[0].Status != models.CommandFailed || cmds[0].RetryCount != 0 {
		t.Fatalf("expected one FAILED command with no retries, got %+v", cmds)
	}
}

func TestExecutingCeilingForceFails(t *testing.T) {
	f := newFixture(t)
	x := f.seed(t, models.ActionFeed, models.PriorityScheduled, models.ExecutionExecuting, 3*time.Hour)

	out, err := f.engine.Execute(context.Background(), x.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusFailed || out.Message != "Automation timed out after 3.0h" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.store.Commands(f.pond.ID)) != 0 {
		t.Fatalf("expired execution must not dispatch")
	}
}

func TestTerminalExecutionIsRefused(t *testing.T) {
	f := newFixture(t)
	x := f.seed(t, models.ActionLog, models.PriorityScheduled, models.ExecutionPending, 0)
	if _, err := f.engine.Cancel(context.Background(), x.ID, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out, err := f.engine.Execute(context.Background(), x.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusRefused || out.Success {
		t.Fatalf("expected refusal, got %+v", out)
	}
	if _, err := f.engine.Cancel(context.Background(), x.ID, "again"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("cancelling a terminal execution must fail, got %v", err)
	}
}

func TestUnknownActionAndPanicFail(t *testing.T) {
	f := newFixture(t)
	f.engine.handlers = map[models.Action]Handler{
		models.ActionLog: HandlerFunc(func(context.Context, models.Execution) Result { panic("boom") }),
	}

	unknown := f.seed(t, models.ActionAlert, models.PriorityScheduled, models.ExecutionPending, 0)
	out, err := f.engine.Execute(context.Background(), unknown.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusFailed || out.Message != "Unknown automation action" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	panicky := f.seed(t, models.ActionLog, models.PriorityScheduled, models.ExecutionPending, 0)
	out, err = f.engine.Execute(context.Background(), panicky.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusFailed || out.ErrorDetails != "boom" {
		t.Fatalf("panic should become a failure, got %+v", out)
	}
}

func TestEveryActionHasAHandler(t *testing.T) {
	table := Handlers(Deps{Log: logx.Discard()})
	for _, a := range models.AllActions() {
		if _, ok := table[a]; !ok {
			t.Fatalf("no handler for %s", a)
		}
	}
	if len(table) != len(models.AllActions()) {
		t.Fatalf("handler table has %d entries for %d actions", len(table), len(models.AllActions()))
	}
}

func TestAlertActionReachesDeviceObservers(t *testing.T) {
	f := newFixture(t)
	x := models.NewExecution(f.pond.ID, models.ActionAlert, models.PriorityThreshold, f.now, map[string]any{models.ParamMessage: "oxygen low"}, models.ActorThresholdMonitor)

	out, err := f.engine.Submit(context.Background(), x)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	events := f.bus.Published(bridge.DeviceEventsChannel(f.pond.DeviceID))
	if len(events) != 1 || !strings.Contains(string(events[0]), "oxygen low") {
		t.Fatalf("expected one alert event, got %q", events)
	}
}

func TestConcurrentExecuteRunsHandlerOnce(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	f.engine.handlers = map[models.Action]Handler{
		models.ActionLog: HandlerFunc(func(context.Context, models.Execution) Result {
			mu.Lock()
			runs++
			mu.Unlock()
			entered <- struct{}{}
			<-release
			return Result{Success: true, Message: "logged"}
		}),
	}
	x := f.seed(t, models.ActionLog, models.PriorityScheduled, models.ExecutionPending, 0)

	done := make(chan Outcome, 1)
	go func() {
		out, err := f.engine.Execute(context.Background(), x.ID)
		if err != nil {
			t.Errorf("first execute: %v", err)
		}
		done <- out
	}()
	<-entered

	out, err := f.engine.Execute(context.Background(), x.ID)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if out.Status != StatusRunning {
		t.Fatalf("second call must leave the run to the first, got %+v", out)
	}
	close(release)

	first := <-done
	if first.Status != StatusCompleted || first.Message != "logged" {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	if runs != 1 {
		t.Fatalf("handler ran %d times", runs)
	}
	if got := f.get(t, x.ID); got.Status != models.ExecutionCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
}

func TestRedeliveredScheduledFeedKeepsFirstCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := f.seed(t, models.ActionFeed, models.PriorityScheduled, models.ExecutionExecuting, time.Minute)
	first := f.engine.handlers[models.ActionFeed].Execute(ctx, x)
	if !first.Success || first.CommandID == uuid.Nil {
		t.Fatalf("first dispatch: %+v", first)
	}

	again := f.engine.handlers[models.ActionFeed].Execute(ctx, x)
	if !again.Success || again.CommandID != first.CommandID {
		t.Fatalf("redelivery must report the attached command, got %+v", again)
	}
	if n := len(f.store.Commands(f.pond.ID)); n != 1 {
		t.Fatalf("expected one command, got %d", n)
	}
}

func TestValveFailureNamesTheCommand(t *testing.T) {
	f := newFixture(t)
	f.bus.SetFailPublish(errors.New("bridge down"))
	x := models.NewExecution(f.pond.ID, models.ActionWaterInletOpen, models.PriorityScheduled, f.now, nil, models.ActorScheduler)

	out, err := f.engine.Submit(context.Background(), x)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusFailed || out.Message != "Failed to send water inlet open command" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
