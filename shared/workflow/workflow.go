package workflow

import "strings"

const (
	ExecutionPending   = "PENDING"
	ExecutionExecuting = "EXECUTING"
	ExecutionCompleted = "COMPLETED"
	ExecutionFailed    = "FAILED"
	ExecutionCancelled = "CANCELLED"
)

const (
	CommandPending      = "PENDING"
	CommandSent         = "SENT"
	CommandAcknowledged = "ACKNOWLEDGED"
	CommandCompleted    = "COMPLETED"
	CommandFailed       = "FAILED"
	CommandTimeout      = "TIMEOUT"
)

const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventCommandCreated      = "command_created"
	EventCommandSent         = "command_sent"
	EventCommandAcknowledged = "command_acknowledged"
	EventCommandCompleted    = "command_completed"
	EventCommandFailed       = "command_failed"
	EventCommandTimeout      = "command_timeout"
	EventCommandRetried      = "command_retried"
)

var executionTransitions = map[string]map[string]string{
	ExecutionPending: {
		ExecutionExecuting: EventExecutionStarted,
		ExecutionCancelled: EventExecutionCancelled,
	},
	ExecutionExecuting: {
		ExecutionCompleted: EventExecutionCompleted,
		ExecutionFailed:    EventExecutionFailed,
		ExecutionCancelled: EventExecutionCancelled,
	},
}

// A command can fail straight from PENDING when the bridge publish fails, and
// can be acknowledged before the SENT write lands when the device is fast.
var commandTransitions = map[string]map[string]string{
	CommandPending: {
		CommandSent:         EventCommandSent,
		CommandAcknowledged: EventCommandAcknowledged,
		CommandCompleted:    EventCommandCompleted,
		CommandFailed:       EventCommandFailed,
	},
	CommandSent: {
		CommandAcknowledged: EventCommandAcknowledged,
		CommandCompleted:    EventCommandCompleted,
		CommandFailed:       EventCommandFailed,
		CommandTimeout:      EventCommandTimeout,
	},
	CommandAcknowledged: {
		CommandCompleted: EventCommandCompleted,
		CommandFailed:    EventCommandFailed,
		CommandTimeout:   EventCommandTimeout,
	},
	CommandFailed: {
		CommandPending: EventCommandRetried,
	},
	CommandTimeout: {
		CommandPending: EventCommandRetried,
	},
}

func Normalize(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func CanTransitionExecution(from string, to string) bool {
	return canTransition(executionTransitions, from, to)
}

func CanTransitionCommand(from string, to string) bool {
	return canTransition(commandTransitions, from, to)
}

func ExecutionEvent(from string, to string) string {
	return eventFor(executionTransitions, from, to)
}

func CommandEvent(from string, to string) string {
	return eventFor(commandTransitions, from, to)
}

func IsTerminalExecution(status string) bool {
	switch Normalize(status) {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

func IsTerminalCommand(status string) bool {
	switch Normalize(status) {
	case CommandCompleted, CommandFailed, CommandTimeout:
		return true
	}
	return false
}

func canTransition(table map[string]map[string]string, from string, to string) bool {
	from = Normalize(from)
	to = Normalize(to)
	if from == to {
		return true
	}
	_, ok := table[from][to]
	return ok
}

func eventFor(table map[string]map[string]string, from string, to string) string {
	from = Normalize(from)
	to = Normalize(to)
	if from == to {
		return ""
	}
	return table[from][to]
}

func AllExecutionStatuses() []string {
	return []string{ExecutionPending, ExecutionExecuting, ExecutionCompleted, ExecutionFailed, ExecutionCancelled}
}
