package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/authx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/httpx"
)

type Verifier interface {
	Verify(ctx context.Context, rawToken string) (authx.Principal, error)
}

// AuthMiddleware verifies the bearer token and stores the caller. Roles, when
// set, restricts the API to callers holding one of them.
type AuthMiddleware struct {
	Verifier Verifier
	Roles    []string
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodePrecondition, "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthorized, "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		p, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthorized, "invalid token", nil)
			return
		}
		if !p.HasAnyRole(m.Roles...) {
			httpx.WriteError(w, r, http.StatusForbidden, httpx.CodeForbidden, "missing required role", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(authx.WithPrincipal(r.Context(), p)))
	})
}

// ActorFromContext attributes a request to the authenticated user. ok is
// false for anonymous requests.
func ActorFromContext(ctx context.Context) (models.User, bool) {
	p, ok := authx.FromContext(ctx)
	if !ok || p.Subject == "" {
		return models.User{}, false
	}
	return models.User{Subject: p.Subject}, true
}
