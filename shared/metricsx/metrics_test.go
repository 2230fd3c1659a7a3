package metricsx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRouteLabel(t *testing.T) {
	cases := []struct{ path, want string }{
		{"/healthz", "/healthz"},
		{"/api/v1/ponds/8d6f1c2e-4f7e-4f5b-9a51-0c1f5b0b1c11/commands", "/api/v1/ponds/{id}/commands"},
		{"/api/v1/commands/abc/events", "/api/v1/commands/{id}/events"},
		{"/api/v1/schedules", "/api/v1/schedules"},
		{"/wp-login.php", "unmatched"},
		{"/api/v1/executions/x/cancel/extra/parts", "/api/v1/executions/{id}/cancel"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Fatalf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()
}

func TestInstrumentCountsByRoute(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodPost, "/api/v1/ponds/{id}/commands", "202"))
	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ponds/"+id+"/commands", nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodPost, "/api/v1/ponds/{id}/commands", "202"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests counted under one route, got %v", after-before)
	}
}

func TestAddSweepRepairsIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(sweepRepairs.WithLabelValues("stuck_executions"))
	AddSweepRepairs("stuck_executions", 0)
	AddSweepRepairs("stuck_executions", 3)
	if got := testutil.ToFloat64(sweepRepairs.WithLabelValues("stuck_executions")) - before; got != 3 {
		t.Fatalf("repairs = %v, want 3", got)
	}
}
