package engine

import (
	"fmt"
	"time"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

type verdict int

const (
	verdictRun verdict = iota
	verdictRefuse
	verdictDefer
	verdictExpire
	verdictAwait
	verdictBusy
)

type decision struct {
	verdict verdict
	reason  string
	blocker *models.Execution
}

// admit decides what Execute does with x given the other PENDING and
// EXECUTING executions on the same pond. It has no side effects. Only the
// call that moves x from PENDING to EXECUTING runs the handler.
func admit(x models.Execution, active []models.Execution, now time.Time, maxExecuting time.Duration) decision {
	if x.IsTerminal() {
		return decision{verdict: verdictRefuse, reason: fmt.Sprintf("execution is %s", x.Status)}
	}

	if x.Status == models.ExecutionPending {
		for i := range active {
			if active[i].Priority.Outranks(x.Priority) {
				return decision{verdict: verdictDefer, reason: "priority", blocker: &active[i]}
			}
		}
		if x.Action.IsWater() {
			for i := range active {
				if waterBlocks(active[i], x) {
					return decision{verdict: verdictDefer, reason: "water_exclusion", blocker: &active[i]}
				}
			}
		}
		return decision{verdict: verdictRun}
	}

	if x.RunningFor(now) > maxExecuting {
		return decision{verdict: verdictExpire}
	}
	// A command already went out; its reply completes the execution.
	if _, sent := x.CommandID(); sent {
		return decision{verdict: verdictAwait}
	}
	// Another call moved it to EXECUTING and owns the handler run. A run
	// that died is failed by the ceiling above or the stuck sweep.
	return decision{verdict: verdictBusy, reason: "execution already running"}
}

// waterBlocks reports whether other keeps the water execution x waiting.
// A running water action always blocks. Two waiting ones are ordered by
// priority, then age, so they never defer each other forever.
func waterBlocks(other models.Execution, x models.Execution) bool {
	if !other.Action.IsWater() || other.ID == x.ID {
		return false
	}
	if other.Status == models.ExecutionExecuting {
		return true
	}
	if other.Priority != x.Priority {
		return other.Priority.Outranks(x.Priority)
	}
	return other.CreatedAt.Before(x.CreatedAt)
}
