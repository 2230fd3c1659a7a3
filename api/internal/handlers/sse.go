package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/httpx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

// streamBuffer bounds how far a slow client may fall behind before events
// are dropped for it.
const streamBuffer = 32

// commandEvents streams command-status:{id}. The current status is sent
// first, and the stream ends after a terminal status.
func (a *API) commandEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cmd, err := a.store.GetCommand(r.Context(), id)
	if err != nil {
		a.storeError(w, r, err, "command")
		return
	}
	sub, ok := a.subscribe(w, r, bridge.CommandStatusChannel(id))
	if !ok {
		return
	}
	defer sub.close()

	// Second read: the command may have moved while the stream was opening.
	if latest, err := a.store.GetCommand(r.Context(), id); err == nil {
		cmd = latest
	}
	snapshot, _ := json.Marshal(bridge.StatusBroadcast{
		CommandID:   cmd.ID,
		CommandType: string(cmd.CommandType),
		Status:      string(cmd.Status),
		Message:     cmd.ResultMessage,
		Timestamp:   a.now().UTC(),
		PondID:      cmd.PondID.String(),
		DeviceID:    cmd.DeviceID,
	})
	sub.write("status", snapshot)
	if cmd.Status.Terminal() {
		return
	}

	sub.run(r.Context(), a.keepAlive, func(payload []byte) bool {
		sub.write("status", payload)
		var b bridge.StatusBroadcast
		if err := json.Unmarshal(payload, &b); err != nil {
			return true
		}
		return !models.CommandStatus(b.Status).Terminal()
	})
}

// deviceEvents streams device-events:{id} until the client goes away.
func (a *API) deviceEvents(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if deviceID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "device id required", nil)
		return
	}
	sub, ok := a.subscribe(w, r, bridge.DeviceEventsChannel(deviceID))
	if !ok {
		return
	}
	defer sub.close()
	sub.run(r.Context(), a.keepAlive, func(payload []byte) bool {
		var ev bridge.DeviceEvent
		name := "message"
		if err := json.Unmarshal(payload, &ev); err == nil && ev.Type != "" {
			name = ev.Type
		}
		sub.write(name, payload)
		return true
	})
}

type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	events  chan []byte
	done    chan error
	cancel  context.CancelFunc
	api     *API
	channel string
}

func (a *API) subscribe(w http.ResponseWriter, r *http.Request, channel string) (*stream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "streaming unsupported", nil)
		return nil, false
	}
	ctx, cancel := context.WithCancel(r.Context())
	s := &stream{
		w:       w,
		flusher: flusher,
		events:  make(chan []byte, streamBuffer),
		done:    make(chan error, 1),
		cancel:  cancel,
		api:     a,
		channel: channel,
	}
	go func() {
		s.done <- a.events.Subscribe(ctx, func(_ context.Context, msg bridge.Message) {
			select {
			case s.events <- msg.Payload:
			default:
				metricsx.IncBridgePublishFailure("sse")
			}
		}, channel)
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	metricsx.IncBridgeMessage(channelKind(channel), "sse_open")
	return s, true
}

// run delivers events to fn until fn returns false, the client disconnects
// or the subscription ends.
func (s *stream) run(ctx context.Context, keepAlive time.Duration, fn func(payload []byte) bool) {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.done:
			if err != nil && ctx.Err() == nil {
				s.api.log.Warn(ctx, "sse_subscription_ended", "event stream subscription ended",
					slog.String("channel", s.channel),
					slog.String("error", err.Error()),
				)
			}
			return
		case payload := <-s.events:
			if !fn(payload) {
				return
			}
		case <-ticker.C:
			fmt.Fprint(s.w, ": keep-alive\n\n")
			s.flusher.Flush()
		}
	}
}

func (s *stream) write(event string, data []byte) {
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

func (s *stream) close() {
	s.cancel()
}

func channelKind(channel string) string {
	kind, _, _ := strings.Cut(channel, ":")
	return kind
}
