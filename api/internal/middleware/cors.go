package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	corsMethods = "GET, POST, OPTIONS"
	// Last-Event-ID lets a dashboard resume a command event stream.
	corsHeaders = "Authorization, Content-Type, X-Request-ID, Last-Event-ID"
)

// CORSMiddleware lets the farm dashboards call the API from the browser.
// An empty or "*" origin list allows any origin.
type CORSMiddleware struct {
	AllowedOrigins []string
	MaxAge         time.Duration
}

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Add("Vary", "Origin")
		if !m.allowed(origin) {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")

		if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		if secs := int(m.MaxAge / time.Second); secs > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(secs))
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (m CORSMiddleware) allowed(origin string) bool {
	if len(m.AllowedOrigins) == 0 || slices.Contains(m.AllowedOrigins, "*") {
		return true
	}
	return slices.ContainsFunc(m.AllowedOrigins, func(o string) bool {
		return strings.EqualFold(strings.TrimSpace(o), origin)
	})
}
