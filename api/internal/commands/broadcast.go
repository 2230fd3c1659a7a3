package commands

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

// Broadcast publishes a command status change on the per-command channel,
// the device event channel and the global status channel.
func Broadcast(ctx context.Context, t bridge.Transport, log logx.Logger, pond models.Pond, cmd models.DeviceCommand, message string, now time.Time) {
	status := bridge.StatusBroadcast{
		CommandID:   cmd.ID,
		CommandType: string(cmd.CommandType),
		Status:      string(cmd.Status),
		Message:     message,
		Timestamp:   now.UTC(),
		PondID:      pond.ID.String(),
		PondName:    pond.Name,
		DeviceID:    cmd.DeviceID,
	}
	body, err := json.Marshal(status)
	if err != nil {
		return
	}
	event, err := json.Marshal(bridge.DeviceEvent{
		Type:      bridge.DeviceEventCommand,
		DeviceID:  cmd.DeviceID,
		Data:      body,
		Timestamp: now.UTC(),
	})
	if err != nil {
		return
	}

	targets := []struct {
		channel string
		payload []byte
	}{
		{bridge.CommandStatusChannel(cmd.ID), body},
		{bridge.DeviceEventsChannel(cmd.DeviceID), event},
		{bridge.ChannelStatusBroadcast, body},
	}
	for _, target := range targets {
		if _, err := t.Publish(ctx, target.channel, target.payload); err != nil {
			log.Warn(ctx, "status_broadcast_failed", "failed to broadcast command status",
				slog.String("channel", target.channel),
				slog.String("command_id", cmd.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
