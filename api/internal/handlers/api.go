// Package handlers serves the manual control API: operator commands,
// execution and command lookups, schedules and live status streams.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/engine"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/middleware"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/scheduler"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/httpx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type Engine interface {
	Submit(ctx context.Context, x models.Execution) (engine.Outcome, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (models.Execution, error)
}

type Commands interface {
	Retry(ctx context.Context, id uuid.UUID) (models.DeviceCommand, error)
}

type Store interface {
	GetPond(ctx context.Context, id uuid.UUID) (models.Pond, error)
	GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error)
	GetCommand(ctx context.Context, id uuid.UUID) (models.DeviceCommand, error)
	CreateSchedule(ctx context.Context, sc models.Schedule) (models.Schedule, error)
}

type API struct {
	engine    Engine
	commands  Commands
	store     Store
	events    bridge.Transport
	log       logx.Logger
	keepAlive time.Duration
	now       func() time.Time
}

type Options struct {
	// KeepAlive is the comment interval on idle event streams.
	KeepAlive time.Duration
	Now       func() time.Time
}

func New(eng Engine, commands Commands, store Store, events bridge.Transport, log logx.Logger, opts Options) *API {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		engine:    eng,
		commands:  commands,
		store:     store,
		events:    events,
		log:       log.With(slog.String("component", "api")),
		keepAlive: opts.KeepAlive,
		now:       opts.Now,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/ponds/{id}/commands", a.dispatch)
	mux.HandleFunc("GET /api/v1/executions/{id}", a.getExecution)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", a.cancelExecution)
	mux.HandleFunc("POST /api/v1/commands/{id}/retry", a.retryCommand)
	mux.HandleFunc("GET /api/v1/commands/{id}/events", a.commandEvents)
	mux.HandleFunc("GET /api/v1/devices/{id}/events", a.deviceEvents)
	mux.HandleFunc("POST /api/v1/schedules", a.createSchedule)
}

// IsStream reports whether r is a long-lived event stream, which must bypass
// the buffering request timeout.
func IsStream(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/events")
}

var validate = validator.New()

type dispatchRequest struct {
	Action           string   `json:"action" validate:"required"`
	FeedAmount       *float64 `json:"feed_amount" validate:"omitempty,gt=0,lte=10000"`
	DrainWaterLevel  *float64 `json:"drain_water_level" validate:"omitempty,gte=0,lte=100"`
	TargetWaterLevel *float64 `json:"target_water_level" validate:"omitempty,gte=0,lte=100"`
}

func (req dispatchRequest) parameters() map[string]any {
	params := map[string]any{}
	if req.FeedAmount != nil {
		params[models.ParamFeedAmount] = *req.FeedAmount
	}
	if req.DrainWaterLevel != nil {
		params[models.ParamDrainWaterLevel] = *req.DrainWaterLevel
	}
	if req.TargetWaterLevel != nil {
		params[models.ParamTargetWaterLevel] = *req.TargetWaterLevel
	}
	return params
}

type dispatchResponse struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	CommandID   *uuid.UUID `json:"command_id,omitempty"`
	Status      string     `json:"status"`
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	Error       string     `json:"error,omitempty"`
}

// dispatch creates a manual execution and sends its device command in one
// step. The execution stays EXECUTING until the device replies.
func (a *API) dispatch(w http.ResponseWriter, r *http.Request) {
	pondID, ok := pathID(w, r)
	if !ok {
		return
	}
	user, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthorized, "authentication required", nil)
		return
	}
	var req dispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	action, known := models.ParseAction(req.Action)
	if !known || action.CommandType() == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "action must be FEED or a water action", map[string]string{"action": req.Action})
		return
	}
	pond, err := a.store.GetPond(r.Context(), pondID)
	if err != nil {
		a.storeError(w, r, err, "pond")
		return
	}

	x := models.NewExecution(pond.ID, action, models.PriorityManual, a.now(), req.parameters(), user)
	out, err := a.engine.Submit(r.Context(), x)
	if err != nil {
		a.storeError(w, r, err, "execution")
		return
	}
	resp := dispatchResponse{
		ExecutionID: out.ExecutionID,
		Status:      string(out.Status),
		Success:     out.Success,
		Message:     out.Message,
		Error:       out.ErrorDetails,
	}
	if out.CommandID != uuid.Nil {
		resp.CommandID = &out.CommandID
	}
	status := http.StatusAccepted
	switch out.Status {
	case engine.StatusRefused:
		status = http.StatusConflict
	case engine.StatusFailed:
		status = http.StatusBadGateway
	}
	httpx.WriteJSON(w, status, resp)
}

func (a *API) getExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	x, err := a.store.GetExecution(r.Context(), id)
	if err != nil {
		a.storeError(w, r, err, "execution")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, executionViewOf(x))
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (a *API) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if user, ok := middleware.ActorFromContext(r.Context()); ok && reason == "" {
		reason = "Cancelled by " + user.Subject
	}
	x, err := a.engine.Cancel(r.Context(), id, reason)
	if err != nil {
		a.storeError(w, r, err, "execution")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, executionViewOf(x))
}

func (a *API) retryCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cmd, err := a.commands.Retry(r.Context(), id)
	if errors.Is(err, bridge.ErrNotConnected) || errors.Is(err, bridge.ErrClosed) {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeUnavailable, "device bridge unavailable", commandViewOf(cmd))
		return
	}
	if err != nil {
		a.storeError(w, r, err, "command")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, commandViewOf(cmd))
}

type scheduleRequest struct {
	PondID           uuid.UUID `json:"pond_id"`
	Name             string    `json:"name"`
	AutomationType   string    `json:"automation_type"`
	Action           string    `json:"action"`
	TimeOfDay        string    `json:"time"`
	Days             []int     `json:"days"`
	FeedAmount       *float64  `json:"feed_amount"`
	DrainWaterLevel  *float64  `json:"drain_water_level"`
	TargetWaterLevel *float64  `json:"target_water_level"`
	Priority         string    `json:"priority"`
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthorized, "authentication required", nil)
		return
	}
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sc := models.Schedule{
		PondID:           req.PondID,
		Name:             strings.TrimSpace(req.Name),
		AutomationType:   models.ExecutionType(strings.ToUpper(strings.TrimSpace(req.AutomationType))),
		Action:           models.Action(strings.ToUpper(strings.TrimSpace(req.Action))),
		TimeOfDay:        strings.TrimSpace(req.TimeOfDay),
		Days:             req.Days,
		FeedAmount:       req.FeedAmount,
		DrainWaterLevel:  req.DrainWaterLevel,
		TargetWaterLevel: req.TargetWaterLevel,
		Priority:         models.Priority(strings.ToUpper(strings.TrimSpace(req.Priority))),
		Active:           true,
		Actor:            user,
	}
	if err := scheduler.Validate(sc); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, err.Error(), nil)
		return
	}
	if _, err := a.store.GetPond(r.Context(), sc.PondID); err != nil {
		a.storeError(w, r, err, "pond")
		return
	}
	created, err := a.store.CreateSchedule(r.Context(), sc)
	if err != nil {
		a.storeError(w, r, err, "schedule")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, scheduleViewOf(created))
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "id must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "invalid JSON body", map[string]string{"error": err.Error()})
		return false
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		details := map[string]string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "invalid request", details)
		return false
	}
	return true
}

func (a *API) storeError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, repos.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, httpx.CodeNotFound, what+" not found", nil)
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrNotRetryable),
		errors.Is(err, models.ErrRetryExhausted),
		errors.Is(err, repos.ErrConflict):
		httpx.WriteError(w, r, http.StatusConflict, httpx.CodeConflict, err.Error(), nil)
	default:
		a.log.Error(r.Context(), "request_failed", "request failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "internal server error", nil)
	}
}
