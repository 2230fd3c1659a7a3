package commands

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/memstore"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type fixture struct {
	store *memstore.Store
	bus   *bridge.Memory
	disp  *Dispatcher
	pond  models.Pond
	now   time.Time
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		bus:   bridge.NewMemory(),
		now:   time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
	pond, err := f.store.UpsertPond(context.Background(), models.Pond{DeviceID: "AA:BB:CC:00:11:22", Name: "North", Position: 1})
	if err != nil {
		t.Fatalf("seed pond: %v", err)
	}
	f.pond = pond
	f.disp = New(f.store, f.bus, logx.Discard(), Options{MaxRetries: maxRetries, Now: func() time.Time { return f.now }})
	return f
}

func (f *fixture) execution(t *testing.T, action models.Action, priority models.Priority) models.Execution {
	t.Helper()
	e := models.NewExecution(f.pond.ID, action, priority, f.now, nil, models.User{Subject: "farmer-1"})
	if err := e.Start(f.now); err != nil {
		t.Fatalf("start: %v", err)
	}
	e, err := f.store.CreateExecution(context.Background(), e)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return e
}

func TestDispatchPublishesAndMarksSent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	id, err := f.disp.Dispatch(ctx, f.pond, models.CommandFeed, map[string]any{bridge.ParamAmount: 100.0, bridge.ParamUnit: "grams"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	cmd, err := f.store.GetCommand(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != models.CommandSent || cmd.SentAt == nil {
		t.Fatalf("expected SENT with sent_at, got %s", cmd.Status)
	}

	published := f.bus.Published(bridge.ChannelOutgoingCommands)
	if len(published) != 1 {
		t.Fatalf("expected 1 outgoing message, got %d", len(published))
	}
	var out bridge.OutgoingCommand
	if err := json.Unmarshal(published[0], &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.CommandID != id.String() || out.Topic != "devices/AA:BB:CC:00:11:22/commands" || out.QoS != 2 {
		t.Fatalf("unexpected envelope %+v", out)
	}
	wire, err := bridge.Decode(out.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wire.CommandID != id {
		t.Fatalf("command id mangled across the bridge: %s != %s", wire.CommandID, id)
	}

	if got := len(f.bus.Published(bridge.CommandStatusChannel(id))); got != 1 {
		t.Fatalf("expected 1 status broadcast, got %d", got)
	}
}

func TestDispatchPublishFailureIsTerminal(t *testing.T) {
	f := newFixture(t, 3)
	f.bus.SetFailPublish(errors.New("connection refused"))

	id, err := f.disp.Dispatch(context.Background(), f.pond, models.CommandFeed, nil)
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	if id != uuid.Nil {
		t.Fatalf("expected no command id, got %s", id)
	}
	cmds := f.store.Commands(f.pond.ID)
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Status != models.CommandFailed || cmds[0].ResultMessage != publishFailedMessage {
		t.Fatalf("expected FAILED %q, got %s %q", publishFailedMessage, cmds[0].Status, cmds[0].ResultMessage)
	}
	if cmds[0].RetryCount != 0 {
		t.Fatalf("dispatch failure must not retry, retry_count=%d", cmds[0].RetryCount)
	}
}

func TestCompleteCascadesOnceAndRecordsOneFeedEvent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	exec := f.execution(t, models.ActionFeed, models.PriorityManual)

	id, err := f.disp.DispatchFor(ctx, exec, models.CommandFeed, map[string]any{bridge.ParamAmount: 250.0, bridge.ParamUnit: "grams"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	linked, _ := f.store.GetExecution(ctx, exec.ID)
	if got, ok := linked.CommandID(); !ok || got != id {
		t.Fatalf("execution not linked to command %s", id)
	}

	if _, err := f.disp.Acknowledge(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := f.disp.Acknowledge(ctx, id); err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}

	res := models.CommandResult{Success: true, Message: "fed"}
	for i := 0; i < 2; i++ {
		cmd, err := f.disp.Complete(ctx, id, res)
		if err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if cmd.Status != models.CommandCompleted {
			t.Fatalf("expected COMPLETED, got %s", cmd.Status)
		}
	}

	got, _ := f.store.GetExecution(ctx, exec.ID)
	if got.Status != models.ExecutionCompleted || got.ResultMessage != "Command completed: fed" {
		t.Fatalf("unexpected execution %s %q", got.Status, got.ResultMessage)
	}
	events := f.store.FeedEvents()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 feed event, got %d", len(events))
	}
	if events[0].AmountKg != 0.25 || events[0].Actor.Ref() != "farmer-1" {
		t.Fatalf("unexpected feed event %+v", events[0])
	}
}

func TestDispatchForReusesAttachedCommand(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	exec := f.execution(t, models.ActionWaterDrain, models.PriorityManual)

	first, err := f.disp.DispatchFor(ctx, exec, models.CommandWaterDrain, nil)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := f.disp.DispatchFor(ctx, exec, models.CommandWaterDrain, nil)
	if err != nil || second != first {
		t.Fatalf("expected the attached command %s, got %s %v", first, second, err)
	}
	if got := len(f.store.Commands(f.pond.ID)); got != 1 {
		t.Fatalf("expected 1 command, got %d", got)
	}
	if got := len(f.bus.Published(bridge.ChannelOutgoingCommands)); got != 1 {
		t.Fatalf("expected 1 publish, got %d", got)
	}

	if _, err := f.disp.Complete(ctx, first, models.CommandResult{Success: true, Message: "drained"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if id, err := f.disp.DispatchFor(ctx, exec, models.CommandWaterDrain, nil); err == nil || id != uuid.Nil {
		t.Fatalf("a finished execution must refuse dispatch, got %s %v", id, err)
	}
}

func TestDeviceFailureFailsExecution(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	exec := f.execution(t, models.ActionWaterFill, models.PriorityManual)

	id, err := f.disp.DispatchFor(ctx, exec, models.CommandWaterFill, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	cmd, err := f.disp.Complete(ctx, id, models.CommandResult{Success: false, Message: "valve jammed", ErrorCode: "VALVE_ERROR"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if cmd.Status != models.CommandFailed || cmd.ErrorCode != "VALVE_ERROR" {
		t.Fatalf("unexpected command %s %q", cmd.Status, cmd.ErrorCode)
	}
	got, _ := f.store.GetExecution(ctx, exec.ID)
	if got.Status != models.ExecutionFailed || got.ResultMessage != "Command failed: valve jammed" {
		t.Fatalf("unexpected execution %s %q", got.Status, got.ResultMessage)
	}
	if len(f.store.FeedEvents()) != 0 {
		t.Fatalf("failed commands must not record feed events")
	}
}

func TestTimeoutCascadesAndRetryIsBounded(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	exec := f.execution(t, models.ActionFeed, models.PriorityManual)

	id, err := f.disp.DispatchFor(ctx, exec, models.CommandFeed, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.now = f.now.Add(11 * time.Second)
	cmd, changed, err := f.disp.Timeout(ctx, id)
	if err != nil || !changed {
		t.Fatalf("timeout: changed=%v err=%v", changed, err)
	}
	if cmd.Status != models.CommandTimedOut {
		t.Fatalf("expected TIMEOUT, got %s", cmd.Status)
	}
	got, _ := f.store.GetExecution(ctx, exec.ID)
	if got.Status != models.ExecutionFailed || !strings.Contains(got.ResultMessage, "timed out") {
		t.Fatalf("unexpected execution %s %q", got.Status, got.ResultMessage)
	}
	if _, changed, _ := f.disp.Timeout(ctx, id); changed {
		t.Fatalf("second timeout must be a no-op")
	}

	retried, err := f.disp.Retry(ctx, id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != models.CommandSent || retried.RetryCount != 1 {
		t.Fatalf("expected SENT retry 1, got %s retry %d", retried.Status, retried.RetryCount)
	}

	f.now = f.now.Add(11 * time.Second)
	if _, _, err := f.disp.Timeout(ctx, id); err != nil {
		t.Fatalf("timeout after retry: %v", err)
	}
	if _, err := f.disp.Retry(ctx, id); !errors.Is(err, models.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	final, _ := f.store.GetCommand(ctx, id)
	if final.RetryCount != final.MaxRetries || final.IsRetryable() {
		t.Fatalf("retry_count %d/%d retryable=%v", final.RetryCount, final.MaxRetries, final.IsRetryable())
	}
}
