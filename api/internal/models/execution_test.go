package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestExecutionTransitions(t *testing.T) {
	now := time.Now()
	e := NewExecution(uuid.New(), ActionWaterDrain, PriorityScheduled, time.Time{}, map[string]any{ParamDrainWaterLevel: 20.0}, ActorScheduler)
	if e.ExecutionType != ExecutionTypeWater {
		t.Fatalf("expected WATER type, got %s", e.ExecutionType)
	}
	if _, err := e.Complete(now, true, "done", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pending completion to be rejected, got %v", err)
	}
	if err := e.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(now.Add(time.Minute)); err != nil {
		t.Fatalf("restart of executing must be a no-op: %v", err)
	}
	if !e.StartedAt.Equal(now.UTC()) {
		t.Fatalf("started_at moved")
	}
	if got := e.RunningFor(now.Add(90 * time.Minute)); got != 90*time.Minute {
		t.Fatalf("running for %s", got)
	}
	changed, err := e.Complete(now, false, "Failed to send feed command", "bridge down")
	if err != nil || !changed || e.Status != ExecutionFailed {
		t.Fatalf("complete: changed=%v err=%v status=%s", changed, err, e.Status)
	}
	changed, err = e.Complete(now, true, "late ack", "")
	if err != nil || changed || e.Status != ExecutionFailed {
		t.Fatalf("terminal execution must be immutable: changed=%v err=%v status=%s", changed, err, e.Status)
	}
	if err := e.Cancel(now, "operator"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected cancel of terminal to fail, got %v", err)
	}
}

func TestExecutionCancelPending(t *testing.T) {
	e := NewExecution(uuid.New(), ActionFeed, PriorityManual, time.Time{}, nil, User{Subject: "u-1"})
	if err := e.Cancel(time.Now(), "operator cancelled"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if e.Status != ExecutionCancelled || e.ResultMessage != "operator cancelled" {
		t.Fatalf("unexpected %+v", e)
	}
}

func TestExecutionCommandID(t *testing.T) {
	e := NewExecution(uuid.New(), ActionFeed, PriorityManual, time.Time{}, nil, nil)
	if _, ok := e.CommandID(); ok {
		t.Fatalf("unexpected command id")
	}
	id := uuid.New()
	e.SetCommandID(id)
	got, ok := e.CommandID()
	if !ok || got != id {
		t.Fatalf("command id round trip failed: %s %v", got, ok)
	}
}

func TestPriorityAbove(t *testing.T) {
	above := PriorityScheduled.Above()
	if len(above) != 2 || above[0] != PriorityManual || above[1] != PriorityEmergency {
		t.Fatalf("unexpected %v", above)
	}
	if len(PriorityManual.Above()) != 0 {
		t.Fatalf("manual should have nothing above it")
	}
	if !PriorityEmergency.Outranks(PriorityThreshold) || PriorityThreshold.Outranks(PriorityThreshold) {
		t.Fatalf("unexpected ordering")
	}
}

func TestActionClassification(t *testing.T) {
	for _, a := range AllActions() {
		water := a == ActionWaterDrain || a == ActionWaterFill || a == ActionWaterFlush ||
			a == ActionWaterInletOpen || a == ActionWaterInletClose || a == ActionWaterOutletOpen || a == ActionWaterOutletClose
		if a.IsWater() != water {
			t.Fatalf("%s IsWater = %v", a, a.IsWater())
		}
	}
	if ActionLog.CommandType() != "" || ActionWaterFlush.CommandType() != CommandWaterFlush {
		t.Fatalf("unexpected command type mapping")
	}
	if _, ok := ParseAction("water_fill"); !ok {
		t.Fatalf("expected case-insensitive parse")
	}
	if _, ok := ParseAction("DANCE"); ok {
		t.Fatalf("unexpected parse of unknown action")
	}
}

func TestActorParts(t *testing.T) {
	kind, ref := ActorParts(User{Subject: "abc"})
	if a, ok := ActorFromParts(kind, ref).(User); !ok || a.Subject != "abc" {
		t.Fatalf("user round trip failed")
	}
	kind, ref = ActorParts(nil)
	if _, ok := ActorFromParts(kind, ref).(SystemActor); !ok {
		t.Fatalf("nil actor should become a system actor")
	}
}
