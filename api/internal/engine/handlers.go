package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

const (
	DefaultFeedGrams  = 100.0
	DefaultDrainLevel = 0.0
	DefaultFillLevel  = 80.0
)

// Result is what a handler reports. CommandID is set when the handler put a
// command on the bridge.
type Result struct {
	Success      bool
	Message      string
	ErrorDetails string
	CommandID    uuid.UUID
}

type Handler interface {
	Execute(ctx context.Context, x models.Execution) Result
}

type HandlerFunc func(ctx context.Context, x models.Execution) Result

func (f HandlerFunc) Execute(ctx context.Context, x models.Execution) Result { return f(ctx, x) }

type CommandSender interface {
	DispatchFor(ctx context.Context, exec models.Execution, commandType models.CommandType, params map[string]any) (uuid.UUID, error)
}

type PondGetter interface {
	GetPond(ctx context.Context, id uuid.UUID) (models.Pond, error)
}

type Deps struct {
	Commands CommandSender
	Ponds    PondGetter
	Events   bridge.Transport
	Log      logx.Logger
}

// Handlers builds the table with one handler per models.Action.
func Handlers(d Deps) map[models.Action]Handler {
	log := d.Log.With(slog.String("component", "handlers"))
	table := map[models.Action]Handler{
		models.ActionFeed:  feedHandler{cmds: d.Commands},
		models.ActionAlert: alertHandler{ponds: d.Ponds, events: d.Events, log: log},
		models.ActionLog:   logHandler{log: log},
	}
	table[models.ActionNotification] = HandlerFunc(func(ctx context.Context, x models.Execution) Result {
		log.Info(ctx, "automation_notification", "notification automation triggered",
			slog.String("pond_id", x.PondID.String()),
			slog.String("message", stringParam(x.Parameters, models.ParamMessage, "No message")),
		)
		return Result{Success: true, Message: "Notification automation executed"}
	})
	for _, a := range models.AllActions() {
		if a.IsWater() {
			table[a] = waterHandler{cmds: d.Commands}
		}
	}
	return table
}

type feedHandler struct {
	cmds CommandSender
}

func (h feedHandler) Execute(ctx context.Context, x models.Execution) Result {
	grams := models.FloatParam(x.Parameters, models.ParamFeedAmount, DefaultFeedGrams)
	if grams <= 0 {
		return Result{Message: "Feed automation failed", ErrorDetails: fmt.Sprintf("invalid feed amount %g", grams)}
	}
	id, err := h.cmds.DispatchFor(ctx, x, models.CommandFeed, map[string]any{
		bridge.ParamAmount: grams,
		bridge.ParamUnit:   "grams",
	})
	if err != nil {
		return Result{Message: "Failed to send feed command", ErrorDetails: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("Feed automation executed: %gg", grams), CommandID: id}
}

type waterHandler struct {
	cmds CommandSender
}

func (h waterHandler) Execute(ctx context.Context, x models.Execution) Result {
	params := map[string]any{bridge.ParamAction: actionText(x.Action)}
	var ok, failed string
	switch x.Action {
	case models.ActionWaterDrain:
		level := models.FloatParam(x.Parameters, models.ParamDrainWaterLevel, DefaultDrainLevel)
		params[bridge.ParamDrainLevel] = level
		ok = fmt.Sprintf("Water drain automation executed: target %g%%", level)
		failed = "Failed to send drain command"
	case models.ActionWaterFill:
		level := models.FloatParam(x.Parameters, models.ParamTargetWaterLevel, DefaultFillLevel)
		params[bridge.ParamTargetLevel] = level
		ok = fmt.Sprintf("Water fill automation executed: target %g%%", level)
		failed = "Failed to send fill command"
	case models.ActionWaterFlush:
		drain := models.FloatParam(x.Parameters, models.ParamDrainWaterLevel, DefaultDrainLevel)
		fill := models.FloatParam(x.Parameters, models.ParamTargetWaterLevel, DefaultFillLevel)
		params[bridge.ParamDrainLevel] = drain
		params[bridge.ParamFillLevel] = fill
		ok = fmt.Sprintf("Water flush automation executed: drain to %g%%, fill to %g%%", drain, fill)
		failed = "Failed to send flush command"
	case models.ActionWaterInletOpen, models.ActionWaterInletClose:
		ok = "Water inlet valve " + valveState(x.Action)
		failed = "Failed to send " + actionText(x.Action) + " command"
	case models.ActionWaterOutletOpen, models.ActionWaterOutletClose:
		ok = "Water outlet valve " + valveState(x.Action)
		failed = "Failed to send " + actionText(x.Action) + " command"
	default:
		return Result{Message: "Unknown water action", ErrorDetails: fmt.Sprintf("Action %s not supported", x.Action)}
	}

	id, err := h.cmds.DispatchFor(ctx, x, x.Action.CommandType(), params)
	if err != nil {
		return Result{Message: failed, ErrorDetails: err.Error()}
	}
	return Result{Success: true, Message: ok, CommandID: id}
}

// alertHandler logs the alert and fans it out to live observers of the
// pond's device.
type alertHandler struct {
	ponds  PondGetter
	events bridge.Transport
	log    logx.Logger
}

func (h alertHandler) Execute(ctx context.Context, x models.Execution) Result {
	message := stringParam(x.Parameters, models.ParamMessage, "No message")
	h.log.Warn(ctx, "automation_alert", "alert automation triggered",
		slog.String("pond_id", x.PondID.String()),
		slog.String("execution_id", x.ID.String()),
		slog.String("message", message),
	)
	if h.ponds == nil || h.events == nil {
		return Result{Success: true, Message: "Alert automation executed"}
	}
	pond, err := h.ponds.GetPond(ctx, x.PondID)
	if err != nil {
		return Result{Message: "Alert automation failed", ErrorDetails: err.Error()}
	}
	data, err := json.Marshal(map[string]any{
		"execution_id": x.ID.String(),
		"pond_id":      pond.ID.String(),
		"pond_name":    pond.Name,
		"message":      message,
		"parameters":   x.Parameters,
	})
	if err != nil {
		return Result{Message: "Alert automation failed", ErrorDetails: err.Error()}
	}
	event, err := json.Marshal(bridge.DeviceEvent{
		Type:      bridge.DeviceEventAlert,
		DeviceID:  pond.DeviceID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return Result{Message: "Alert automation failed", ErrorDetails: err.Error()}
	}
	if _, err := h.events.Publish(ctx, bridge.DeviceEventsChannel(pond.DeviceID), event); err != nil {
		// Live observers are best effort; the alert itself is recorded.
		h.log.Warn(ctx, "alert_broadcast_failed", "failed to broadcast alert",
			slog.String("device_id", pond.DeviceID),
			slog.String("error", err.Error()),
		)
	}
	return Result{Success: true, Message: "Alert automation executed"}
}

type logHandler struct {
	log logx.Logger
}

func (h logHandler) Execute(ctx context.Context, x models.Execution) Result {
	message := stringParam(x.Parameters, models.ParamMessage, fmt.Sprintf("Automation %s executed", x.ExecutionType))
	h.log.Info(ctx, "automation_log", message,
		slog.String("pond_id", x.PondID.String()),
		slog.String("execution_id", x.ID.String()),
	)
	return Result{Success: true, Message: "Log automation executed"}
}

func actionText(a models.Action) string {
	return strings.ReplaceAll(strings.ToLower(string(a)), "_", " ")
}

func valveState(a models.Action) string {
	if strings.HasSuffix(string(a), "_OPEN") {
		return "opened"
	}
	return "closed"
}

func stringParam(params map[string]any, key string, def string) string {
	if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
