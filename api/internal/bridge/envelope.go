package bridge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SourceOrchestrator = "orchestrator"
	SourceDeviceClient = "device-client"
)

const CommandQoS = 2

// CommandTopic is the MQTT topic a device listens on for commands.
func CommandTopic(deviceID string) string {
	return "devices/" + deviceID + "/commands"
}

// OutgoingCommand is published on ChannelOutgoingCommands. Payload is the
// encoded device command (see Encode).
type OutgoingCommand struct {
	CommandID string          `json:"command_id"`
	DeviceID  string          `json:"device_id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	QoS       int             `json:"qos"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// IncomingMessage is what the MQTT client publishes on
// ChannelIncomingMessages for every device message it receives.
type IncomingMessage struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	DeviceID    string          `json:"device_id"`
	MessageType string          `json:"message_type"`
	Timestamp   string          `json:"timestamp"`
	Source      string          `json:"source"`
}

type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindComplete
	KindSensors
	KindHeartbeat
	KindStartup
	KindThreshold
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindComplete:
		return "complete"
	case KindSensors:
		return "sensors"
	case KindHeartbeat:
		return "heartbeat"
	case KindStartup:
		return "startup"
	case KindThreshold:
		return "threshold"
	}
	return "unknown"
}

// topicKinds is checked in order; the first substring found in the topic wins.
var topicKinds = []struct {
	needle string
	kind   Kind
}{
	{"ack", KindAck},
	{"complete", KindComplete},
	{"sensors", KindSensors},
	{"heartbeat", KindHeartbeat},
	{"startup", KindStartup},
	{"threshold", KindThreshold},
}

func (m IncomingMessage) Kind() Kind {
	for _, tk := range topicKinds {
		if strings.Contains(m.Topic, tk.needle) {
			return tk.kind
		}
	}
	return KindUnknown
}

// ReceivedAt parses Timestamp, falling back to fallback when absent or malformed.
func (m IncomingMessage) ReceivedAt(fallback time.Time) time.Time {
	ts := strings.TrimSpace(m.Timestamp)
	if ts == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	// Naive ISO timestamps are taken as UTC.
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", ts); err == nil {
		return t
	}
	return fallback
}

// CommandReply is the payload of ack and complete messages.
type CommandReply struct {
	CommandID    string `json:"command_id"`
	Success      *bool  `json:"success"`
	Message      string `json:"message"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
}

// Succeeded treats a missing success flag as success.
func (r CommandReply) Succeeded() bool {
	return r.Success == nil || *r.Success
}

// StatusBroadcast is published on the per-command, per-device and broadcast
// status channels whenever a command changes state.
type StatusBroadcast struct {
	CommandID   uuid.UUID `json:"command_id"`
	CommandType string    `json:"command_type"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	PondID      string    `json:"pond_id,omitempty"`
	PondName    string    `json:"pond_name,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
}

// DeviceEvent is the fan-out record on device-events:{device_id}.
type DeviceEvent struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	DeviceEventStatus  = "status"
	DeviceEventSensor  = "sensor"
	DeviceEventCommand = "command"
	DeviceEventAlert   = "alert"
)
