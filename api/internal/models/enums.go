package models

import (
	"strings"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/workflow"
)

type Priority string

const (
	PriorityManual    Priority = "MANUAL_COMMAND"
	PriorityEmergency Priority = "EMERGENCY_WATER"
	PriorityScheduled Priority = "SCHEDULED"
	PriorityThreshold Priority = "THRESHOLD"
)

var priorityRank = map[Priority]int{
	PriorityManual:    4,
	PriorityEmergency: 3,
	PriorityScheduled: 2,
	PriorityThreshold: 1,
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

func (p Priority) Rank() int { return priorityRank[p] }

// Outranks reports whether p is strictly higher than other.
func (p Priority) Outranks(other Priority) bool {
	return p.Rank() > other.Rank()
}

// Above lists the priorities strictly higher than p, highest first.
func (p Priority) Above() []Priority {
	out := make([]Priority, 0, 3)
	for _, q := range []Priority{PriorityManual, PriorityEmergency, PriorityScheduled, PriorityThreshold} {
		if q.Outranks(p) {
			out = append(out, q)
		}
	}
	return out
}

type ExecutionType string

const (
	ExecutionTypeFeed  ExecutionType = "FEED"
	ExecutionTypeWater ExecutionType = "WATER"
)

type Action string

const (
	ActionFeed             Action = "FEED"
	ActionWaterDrain       Action = "WATER_DRAIN"
	ActionWaterFill        Action = "WATER_FILL"
	ActionWaterFlush       Action = "WATER_FLUSH"
	ActionWaterInletOpen   Action = "WATER_INLET_OPEN"
	ActionWaterInletClose  Action = "WATER_INLET_CLOSE"
	ActionWaterOutletOpen  Action = "WATER_OUTLET_OPEN"
	ActionWaterOutletClose Action = "WATER_OUTLET_CLOSE"
	ActionAlert            Action = "ALERT"
	ActionNotification     Action = "NOTIFICATION"
	ActionLog              Action = "LOG"
)

func AllActions() []Action {
	return []Action{
		ActionFeed,
		ActionWaterDrain, ActionWaterFill, ActionWaterFlush,
		ActionWaterInletOpen, ActionWaterInletClose, ActionWaterOutletOpen, ActionWaterOutletClose,
		ActionAlert, ActionNotification, ActionLog,
	}
}

func ParseAction(raw string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range AllActions() {
		if a == known {
			return a, true
		}
	}
	return a, false
}

// IsWater reports whether a is one of the mutually exclusive water actions.
func (a Action) IsWater() bool {
	switch a {
	case ActionWaterDrain, ActionWaterFill, ActionWaterFlush,
		ActionWaterInletOpen, ActionWaterInletClose, ActionWaterOutletOpen, ActionWaterOutletClose:
		return true
	}
	return false
}

// CommandType is the device command an action issues, or "" for actions
// that never reach a device.
func (a Action) CommandType() CommandType {
	if a == ActionFeed || a.IsWater() {
		return CommandType(a)
	}
	return ""
}

func (a Action) ExecutionType() ExecutionType {
	if a.IsWater() {
		return ExecutionTypeWater
	}
	return ExecutionTypeFeed
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = workflow.ExecutionPending
	ExecutionExecuting ExecutionStatus = workflow.ExecutionExecuting
	ExecutionCompleted ExecutionStatus = workflow.ExecutionCompleted
	ExecutionFailed    ExecutionStatus = workflow.ExecutionFailed
	ExecutionCancelled ExecutionStatus = workflow.ExecutionCancelled
)

func (s ExecutionStatus) Terminal() bool { return workflow.IsTerminalExecution(string(s)) }

func (s ExecutionStatus) Active() bool {
	return s == ExecutionPending || s == ExecutionExecuting
}

type CommandType string

const (
	CommandFeed             CommandType = "FEED"
	CommandWaterDrain       CommandType = "WATER_DRAIN"
	CommandWaterFill        CommandType = "WATER_FILL"
	CommandWaterFlush       CommandType = "WATER_FLUSH"
	CommandWaterInletOpen   CommandType = "WATER_INLET_OPEN"
	CommandWaterInletClose  CommandType = "WATER_INLET_CLOSE"
	CommandWaterOutletOpen  CommandType = "WATER_OUTLET_OPEN"
	CommandWaterOutletClose CommandType = "WATER_OUTLET_CLOSE"
	CommandSetThreshold     CommandType = "SET_THRESHOLD"
	CommandFirmwareUpdate   CommandType = "FIRMWARE_UPDATE"
	CommandRestart          CommandType = "RESTART"
	CommandConfigUpdate     CommandType = "CONFIG_UPDATE"
)

type CommandStatus string

const (
	CommandPending      CommandStatus = workflow.CommandPending
	CommandSent         CommandStatus = workflow.CommandSent
	CommandAcknowledged CommandStatus = workflow.CommandAcknowledged
	CommandCompleted    CommandStatus = workflow.CommandCompleted
	CommandFailed       CommandStatus = workflow.CommandFailed
	CommandTimedOut     CommandStatus = workflow.CommandTimeout
)

func (s CommandStatus) Terminal() bool { return workflow.IsTerminalCommand(string(s)) }

func (s CommandStatus) InFlight() bool {
	return s == CommandSent || s == CommandAcknowledged
}

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

type AlertLevel string

const (
	AlertLow      AlertLevel = "LOW"
	AlertMedium   AlertLevel = "MEDIUM"
	AlertHigh     AlertLevel = "HIGH"
	AlertCritical AlertLevel = "CRITICAL"
)

type DeviceState string

const (
	DeviceOnline      DeviceState = "ONLINE"
	DeviceOffline     DeviceState = "OFFLINE"
	DeviceError       DeviceState = "ERROR"
	DeviceMaintenance DeviceState = "MAINTENANCE"
)
