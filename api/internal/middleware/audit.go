package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/authx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/httpx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

// AuditMiddleware records who dispatched, cancelled or retried what, plus
// every rejected token. Rows are written after the response has gone out.
type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		action, ok := classify(r, rec.status)
		if !ok {
			return
		}
		entry := auditEntry(r, action, rec.status, time.Since(start))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Repo.WriteAuditLog(ctx, []models.AuditLog{entry}); err != nil {
				m.Logger.Warn(ctx, "audit_write_failed", "audit write failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("action", action),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

func auditEntry(r *http.Request, action string, status int, took time.Duration) models.AuditLog {
	e := models.AuditLog{
		OccurredAt: time.Now().UTC(),
		Action:     action,
		RequestID:  httpx.RequestIDFromContext(r.Context()),
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		DurationMS: took.Milliseconds(),
		ClientIP:   httpx.ClientIP(r),
		UserAgent:  strings.TrimSpace(r.UserAgent()),
	}
	if res, ok := parseResource(r.URL.Path); ok {
		e.ResourceType = &res.kind
		if res.id != "" {
			e.ResourceID = &res.id
		}
	}
	if p, ok := authx.FromContext(r.Context()); ok {
		e.Subject = p.Subject
	}
	e.Details, _ = json.Marshal(map[string]any{"status_code": status, "outcome": outcome(status)})
	return e
}

func outcome(status int) string {
	switch {
	case status < 300:
		return "accepted"
	case status < 500:
		return "rejected"
	}
	return "error"
}

type resource struct {
	kind string
	id   string
	verb string
}

// parseResource reads /api/v1/{kind}[/{id}[/{verb}]] for the audited kinds.
func parseResource(urlPath string) (resource, bool) {
	rest, ok := strings.CutPrefix(urlPath, "/api/v1/")
	if !ok {
		return resource{}, false
	}
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 3)
	var res resource
	res.kind = parts[0]
	if !auditedKinds[res.kind] {
		return resource{}, false
	}
	if len(parts) > 1 {
		res.id = parts[1]
	}
	if len(parts) > 2 {
		res.verb = parts[2]
	}
	return res, true
}

var auditedKinds = map[string]bool{
	"ponds":      true,
	"executions": true,
	"commands":   true,
	"devices":    true,
	"schedules":  true,
}

// classify names the audited action. Reads are skipped except execution
// lookups; a 401 is always recorded.
func classify(r *http.Request, status int) (string, bool) {
	if status == http.StatusUnauthorized {
		return "auth_failed", true
	}
	res, known := parseResource(r.URL.Path)
	switch r.Method {
	case http.MethodPost:
		switch res.verb {
		case "cancel", "retry":
			return res.verb, true
		case "commands":
			return "dispatch", true
		}
		return "create", true
	case http.MethodPut, http.MethodPatch:
		return "update", true
	case http.MethodDelete:
		return "delete", true
	}
	if known && res.kind == "executions" {
		return "read", true
	}
	return "", false
}

func shouldAudit(r *http.Request, status int) bool {
	_, ok := classify(r, status)
	return ok
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps command event streams working behind the audit wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
