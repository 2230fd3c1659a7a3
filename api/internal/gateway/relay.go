// Package gateway relays between the MQTT broker the devices talk to and
// the internal bridge channels the orchestrator services use.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/mqttx"
)

const metricLabel = "mqtt"

// Devices publish under either prefix; older firmware uses ff/.
var (
	uplinkPrefixes = []string{"ff/+/", "devices/+/"}
	uplinkSuffixes = []string{"ack", "complete", "sensors", "heartbeat", "startup", "threshold"}
)

// UplinkTopics lists the MQTT filters the relay subscribes to.
func UplinkTopics() []string {
	out := make([]string, 0, len(uplinkPrefixes)*len(uplinkSuffixes))
	for _, p := range uplinkPrefixes {
		for _, s := range uplinkSuffixes {
			out = append(out, p+s)
		}
	}
	return out
}

// MQTT is the part of *mqttx.Client the relay needs.
type MQTT interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, h mqttx.MessageHandler) error
}

type Relay struct {
	mqtt      MQTT
	bus       bridge.Transport
	log       logx.Logger
	uplinkQoS byte
	now       func() time.Time
}

func New(client MQTT, bus bridge.Transport, uplinkQoS byte, log logx.Logger, now func() time.Time) *Relay {
	if now == nil {
		now = time.Now
	}
	return &Relay{
		mqtt:      client,
		bus:       bus,
		log:       log.With(slog.String("component", "gateway")),
		uplinkQoS: uplinkQoS,
		now:       now,
	}
}

// Run subscribes to every device uplink topic, then forwards outgoing
// commands to the broker until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for _, topic := range UplinkTopics() {
		if err := r.mqtt.Subscribe(topic, r.uplinkQoS, func(t string, payload []byte) {
			r.OnDeviceMessage(ctx, t, payload)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	r.log.Info(ctx, "gateway_subscribed", "device topics subscribed",
		slog.Int("topics", len(uplinkPrefixes)*len(uplinkSuffixes)),
	)
	return r.bus.Subscribe(ctx, r.HandleOutgoing, bridge.ChannelOutgoingCommands)
}

// DeviceID returns the second topic level, or "" when there is none.
func DeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// OnDeviceMessage wraps a raw device payload in an IncomingMessage and
// publishes it for the consumer. Non-JSON payloads are dropped.
func (r *Relay) OnDeviceMessage(ctx context.Context, topic string, payload []byte) {
	metricsx.IncBridgeMessage(metricLabel, "in")
	deviceID := DeviceID(topic)
	if deviceID == "" {
		r.log.Warn(ctx, "device_topic_invalid", "no device id in topic", slog.String("topic", topic))
		return
	}
	if !json.Valid(payload) {
		r.log.Warn(ctx, "device_payload_invalid", "dropping non-JSON device payload",
			slog.String("topic", topic),
			slog.String("device_id", deviceID),
			slog.Int("bytes", len(payload)),
		)
		return
	}

	body, err := json.Marshal(bridge.IncomingMessage{
		Topic:       topic,
		Payload:     json.RawMessage(payload),
		DeviceID:    deviceID,
		MessageType: "PUBLISH",
		Timestamp:   r.now().UTC().Format(time.RFC3339Nano),
		Source:      bridge.SourceDeviceClient,
	})
	if err != nil {
		return
	}
	if _, err := r.bus.Publish(ctx, bridge.ChannelIncomingMessages, body); err != nil {
		r.log.Error(ctx, "device_message_forward_failed", "failed to forward device message",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("topic", topic),
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
	}
}

// HandleOutgoing is a bridge.Handler for ChannelOutgoingCommands.
func (r *Relay) HandleOutgoing(ctx context.Context, msg bridge.Message) {
	var cmd bridge.OutgoingCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		r.log.Warn(ctx, "outgoing_command_malformed", "failed to decode outgoing command",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.Deliver(cmd); err != nil {
		metricsx.IncBridgePublishFailure(metricLabel)
		r.log.Error(ctx, "command_delivery_failed", "failed to publish command to device",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("command_id", cmd.CommandID),
			slog.String("device_id", cmd.DeviceID),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncBridgeMessage(metricLabel, "out")
	r.log.Debug(ctx, "command_delivered", "command published to device",
		slog.String("command_id", cmd.CommandID),
		slog.String("device_id", cmd.DeviceID),
	)
}

// Deliver publishes the command payload on the device topic. A missing
// topic or QoS falls back to the device command defaults.
func (r *Relay) Deliver(cmd bridge.OutgoingCommand) error {
	topic := cmd.Topic
	if topic == "" {
		if cmd.DeviceID == "" {
			return fmt.Errorf("command %s has neither topic nor device id", cmd.CommandID)
		}
		topic = bridge.CommandTopic(cmd.DeviceID)
	}
	qos := cmd.QoS
	if qos <= 0 || qos > 2 {
		qos = bridge.CommandQoS
	}
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("command %s has no payload", cmd.CommandID)
	}
	return r.mqtt.Publish(topic, cmd.Payload, byte(qos), false)
}
