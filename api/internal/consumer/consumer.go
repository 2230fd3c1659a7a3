// Package consumer applies device messages relayed by the MQTT client:
// command replies, sensor readings, heartbeats and device-side threshold
// reports.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

var (
	ErrMalformed     = errors.New("malformed device message")
	ErrUnknownDevice = errors.New("no ponds registered for device")
)

type Store interface {
	PondsByDevice(ctx context.Context, deviceID string) ([]models.Pond, error)
	ApplyTelemetry(ctx context.Context, deviceID string, t models.Telemetry, now time.Time, startup bool) (models.DeviceStatus, error)
}

type Commands interface {
	Acknowledge(ctx context.Context, id uuid.UUID) (models.DeviceCommand, error)
	Complete(ctx context.Context, id uuid.UUID, res models.CommandResult) (models.DeviceCommand, error)
}

// SensorSink stores time series. influxx.Client implements it.
type SensorSink interface {
	WriteSensorReading(ctx context.Context, deviceID string, position int, values map[string]float64, ts time.Time) error
	WriteTelemetry(ctx context.Context, deviceID string, fields map[string]any, ts time.Time) error
}

// ThresholdChecks queues one CheckParameter run.
type ThresholdChecks interface {
	EnqueueThresholdCheck(ctx context.Context, pondID uuid.UUID, parameter string, value float64) error
}

type Consumer struct {
	store    Store
	commands Commands
	sink     SensorSink
	checks   ThresholdChecks
	events   bridge.Transport
	log      logx.Logger
	now      func() time.Time
}

// New builds a Consumer. sink and events may be nil.
func New(store Store, commands Commands, sink SensorSink, checks ThresholdChecks, events bridge.Transport, log logx.Logger, now func() time.Time) *Consumer {
	if now == nil {
		now = time.Now
	}
	return &Consumer{
		store:    store,
		commands: commands,
		sink:     sink,
		checks:   checks,
		events:   events,
		log:      log.With(slog.String("component", "consumer")),
		now:      now,
	}
}

// HandleMessage is a bridge.Handler. Errors are logged, never returned: the
// channel is at-most-once and there is nobody to redeliver to.
func (c *Consumer) HandleMessage(ctx context.Context, msg bridge.Message) {
	metricsx.IncBridgeMessage(msg.Channel, "in")
	var in bridge.IncomingMessage
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		c.log.Warn(ctx, "device_message_malformed", "failed to decode incoming message",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := c.Handle(ctx, in); err != nil {
		c.log.Error(ctx, "device_message_failed", "failed to handle device message",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("device_id", in.DeviceID),
			slog.String("topic", in.Topic),
			slog.String("error", err.Error()),
		)
	}
}

// Handle routes one message by the kind its topic names.
func (c *Consumer) Handle(ctx context.Context, in bridge.IncomingMessage) error {
	kind := in.Kind()
	ctx, span := otel.Tracer("consumer").Start(ctx, "device.message")
	span.SetAttributes(
		attribute.String("device.id", in.DeviceID),
		attribute.String("device.message_kind", kind.String()),
	)
	defer span.End()

	switch kind {
	case bridge.KindAck:
		return c.handleAck(ctx, in)
	case bridge.KindComplete:
		return c.handleComplete(ctx, in)
	case bridge.KindSensors:
		return c.handleSensors(ctx, in)
	case bridge.KindHeartbeat:
		return c.handleTelemetry(ctx, in, false)
	case bridge.KindStartup:
		return c.handleTelemetry(ctx, in, true)
	case bridge.KindThreshold:
		return c.handleThreshold(ctx, in)
	}
	c.log.Debug(ctx, "device_message_ignored", "no handler for topic",
		slog.String("device_id", in.DeviceID),
		slog.String("topic", in.Topic),
	)
	return nil
}

func (c *Consumer) reply(in bridge.IncomingMessage) (bridge.CommandReply, uuid.UUID, error) {
	var r bridge.CommandReply
	if err := json.Unmarshal(in.Payload, &r); err != nil {
		return r, uuid.Nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, err := uuid.Parse(r.CommandID)
	if err != nil {
		return r, uuid.Nil, fmt.Errorf("%w: command_id %q", ErrMalformed, r.CommandID)
	}
	return r, id, nil
}

// handleAck acknowledges the command. An ack carrying success=false also
// fails it with the device's error.
func (c *Consumer) handleAck(ctx context.Context, in bridge.IncomingMessage) error {
	r, id, err := c.reply(in)
	if err != nil {
		return err
	}
	if _, err := c.commands.Acknowledge(ctx, id); err != nil {
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	if r.Succeeded() {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = "Device rejected command"
	}
	if _, err := c.commands.Complete(ctx, id, models.CommandResult{
		Success:      false,
		Message:      msg,
		ErrorCode:    r.ErrorCode,
		ErrorDetails: r.ErrorDetails,
	}); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

func (c *Consumer) handleComplete(ctx context.Context, in bridge.IncomingMessage) error {
	r, id, err := c.reply(in)
	if err != nil {
		return err
	}
	msg := r.Message
	if msg == "" {
		msg = "Command completed"
		if !r.Succeeded() {
			msg = "Command failed"
		}
	}
	_, err = c.commands.Complete(ctx, id, models.CommandResult{
		Success:      r.Succeeded(),
		Message:      msg,
		ErrorCode:    r.ErrorCode,
		ErrorDetails: r.ErrorDetails,
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

func (c *Consumer) handleSensors(ctx context.Context, in bridge.IncomingMessage) error {
	readings, err := ParseReadings(in.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, rej := range readings.Rejected {
		metricsx.IncSensorRejected(rej.Parameter)
		c.log.Warn(ctx, "sensor_value_rejected", "sensor value rejected",
			slog.String("device_id", in.DeviceID),
			slog.String("parameter", rej.Parameter),
			slog.Any("value", rej.Raw),
			slog.String("reason", rej.Reason),
		)
	}
	if readings.Empty() {
		return nil
	}
	ponds, err := c.ponds(ctx, in.DeviceID)
	if err != nil {
		return err
	}

	ts := in.ReceivedAt(c.now())
	for _, pond := range ponds {
		values := readings.ForPosition(pond.Position)
		if len(values) == 0 {
			continue
		}
		if c.sink != nil {
			if err := c.sink.WriteSensorReading(ctx, in.DeviceID, pond.Position, values, ts); err != nil {
				metricsx.IncInfluxWriteFailure()
				c.log.Warn(ctx, "sensor_write_failed", "failed to store sensor reading",
					slog.String("device_id", in.DeviceID),
					slog.String("error", err.Error()),
				)
			}
		}
		for parameter, value := range values {
			c.enqueueCheck(ctx, pond.ID, parameter, value)
		}
	}
	c.broadcast(ctx, in.DeviceID, bridge.DeviceEventSensor, in.Payload)
	return nil
}

type telemetryPayload struct {
	FirmwareVersion    string `json:"firmware_version"`
	HardwareVersion    string `json:"hardware_version"`
	DeviceName         string `json:"device_name"`
	IPAddress          string `json:"ip_address"`
	WiFiSSID           string `json:"wifi_ssid"`
	WiFiSignalStrength *int   `json:"wifi_signal_strength"`
	FreeHeap           *int64 `json:"free_heap"`
	CPUFrequency       *int   `json:"cpu_frequency"`
	UptimeSeconds      *int64 `json:"uptime"`
}

func (p telemetryPayload) fields() map[string]any {
	out := map[string]any{}
	if p.WiFiSignalStrength != nil {
		out["wifi_signal_strength"] = *p.WiFiSignalStrength
	}
	if p.FreeHeap != nil {
		out["free_heap"] = *p.FreeHeap
	}
	if p.CPUFrequency != nil {
		out["cpu_frequency"] = *p.CPUFrequency
	}
	if p.UptimeSeconds != nil {
		out["uptime"] = *p.UptimeSeconds
	}
	return out
}

func (c *Consumer) handleTelemetry(ctx context.Context, in bridge.IncomingMessage, startup bool) error {
	var p telemetryPayload
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	now := c.now()
	status, err := c.store.ApplyTelemetry(ctx, in.DeviceID, models.Telemetry{
		FirmwareVersion:    p.FirmwareVersion,
		HardwareVersion:    p.HardwareVersion,
		DeviceName:         p.DeviceName,
		IPAddress:          p.IPAddress,
		WiFiSSID:           p.WiFiSSID,
		WiFiSignalStrength: p.WiFiSignalStrength,
		FreeHeap:           p.FreeHeap,
		CPUFrequency:       p.CPUFrequency,
		UptimeSeconds:      p.UptimeSeconds,
	}, now, startup)
	if err != nil {
		return fmt.Errorf("apply telemetry: %w", err)
	}
	if c.sink != nil {
		if err := c.sink.WriteTelemetry(ctx, in.DeviceID, p.fields(), in.ReceivedAt(now)); err != nil {
			metricsx.IncInfluxWriteFailure()
			c.log.Warn(ctx, "telemetry_write_failed", "failed to store telemetry",
				slog.String("device_id", in.DeviceID),
				slog.String("error", err.Error()),
			)
		}
	}
	if startup {
		c.log.Info(ctx, "device_startup", "device started",
			slog.String("device_id", in.DeviceID),
			slog.String("firmware_version", status.FirmwareVersion),
		)
	}
	data, err := json.Marshal(map[string]any{
		"status":           status.Status,
		"firmware_version": status.FirmwareVersion,
		"last_seen":        status.LastSeen,
		"startup":          startup,
	})
	if err == nil {
		c.broadcast(ctx, in.DeviceID, bridge.DeviceEventStatus, data)
	}
	return nil
}

type thresholdReport struct {
	Parameter    string   `json:"parameter"`
	Value        *float64 `json:"value"`
	PondPosition int      `json:"pond_position"`
}

// handleThreshold feeds a device-side threshold report through the same
// check a sensor reading gets, so the server-side thresholds stay the single
// source of alerts and automations.
func (c *Consumer) handleThreshold(ctx context.Context, in bridge.IncomingMessage) error {
	var r thresholdReport
	if err := json.Unmarshal(in.Payload, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Parameter == "" || r.Value == nil {
		return fmt.Errorf("%w: threshold report needs parameter and value", ErrMalformed)
	}
	ponds, err := c.ponds(ctx, in.DeviceID)
	if err != nil {
		return err
	}
	for _, pond := range ponds {
		if r.PondPosition != 0 && pond.Position != r.PondPosition {
			continue
		}
		c.enqueueCheck(ctx, pond.ID, r.Parameter, *r.Value)
	}
	return nil
}

func (c *Consumer) ponds(ctx context.Context, deviceID string) ([]models.Pond, error) {
	ponds, err := c.store.PondsByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load ponds: %w", err)
	}
	if len(ponds) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return ponds, nil
}

func (c *Consumer) enqueueCheck(ctx context.Context, pondID uuid.UUID, parameter string, value float64) {
	if err := c.checks.EnqueueThresholdCheck(ctx, pondID, parameter, value); err != nil {
		c.log.Error(ctx, "threshold_enqueue_failed", "failed to enqueue threshold check",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("pond_id", pondID.String()),
			slog.String("parameter", parameter),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Consumer) broadcast(ctx context.Context, deviceID string, eventType string, data json.RawMessage) {
	if c.events == nil {
		return
	}
	body, err := json.Marshal(bridge.DeviceEvent{Type: eventType, DeviceID: deviceID, Data: data, Timestamp: c.now().UTC()})
	if err != nil {
		return
	}
	if _, err := c.events.Publish(ctx, bridge.DeviceEventsChannel(deviceID), body); err != nil {
		c.log.Debug(ctx, "device_event_publish_failed", "failed to publish device event",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
	}
}
