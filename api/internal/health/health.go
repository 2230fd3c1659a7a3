// Package health aggregates dependency checks into a healthy, degraded or
// unhealthy verdict. Every check runs under its own deadline.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/httpx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/retryx"
)

type State string

const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
)

// HTTPStatus maps the state onto the status code load balancers see.
func (s State) HTTPStatus() int {
	switch s {
	case Healthy:
		return http.StatusOK
	case Degraded:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrSkipped marks a check that cannot run in this deployment. It never
// affects the verdict.
var ErrSkipped = errors.New("check skipped")

const DefaultTimeout = 3 * time.Second

// Check is one probe. A failing Critical check makes the service unhealthy,
// any other failure only degrades it.
type Check struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

type Result struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Critical   bool   `json:"critical"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type Report struct {
	Status    State     `json:"status"`
	Service   string    `json:"service"`
	Checks    []Result  `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

type Checker struct {
	service string
	checks  []Check
	timeout time.Duration
}

func NewChecker(service string, timeout time.Duration, checks ...Check) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{service: service, checks: checks, timeout: timeout}
}

// Run executes every check concurrently. A check that overruns its deadline
// counts as failed even if it never returns.
func (c *Checker) Run(ctx context.Context) Report {
	results := make([]Result, len(c.checks))
	var wg sync.WaitGroup
	for i, chk := range c.checks {
		wg.Add(1)
		go func(i int, chk Check) {
			defer wg.Done()
			results[i] = c.run(ctx, chk)
		}(i, chk)
	}
	wg.Wait()

	state := Healthy
	for _, r := range results {
		if r.Status != "failed" {
			continue
		}
		if r.Critical {
			state = Unhealthy
			break
		}
		state = Degraded
	}
	return Report{Status: state, Service: c.service, Checks: results, CheckedAt: time.Now().UTC()}
}

func (c *Checker) run(ctx context.Context, chk Check) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	done := make(chan error, 1)
	go func() { done <- chk.Run(ctx) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out after %s", c.timeout)
	}

	res := Result{Name: chk.Name, Critical: chk.Critical, Status: "ok", DurationMS: time.Since(start).Milliseconds()}
	switch {
	case errors.Is(err, ErrSkipped):
		res.Status = "skipped"
	case err != nil:
		res.Status = "failed"
		res.Error = err.Error()
	}
	return res
}

// Handler serves the report with the status code of its state.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Run(r.Context())
		httpx.WriteJSON(w, rep.Status.HTTPStatus(), rep)
	})
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func Ping(name string, p Pinger, critical bool) Check {
	return Check{Name: name, Critical: critical, Run: p.Ping}
}

// Subscribers fails when nobody listens on channel. Drivers that cannot count
// remote subscribers skip the check.
func Subscribers(t bridge.Transport, channel string) Check {
	return Check{
		Name:     "bridge_subscribers",
		Critical: true,
		Run: func(ctx context.Context) error {
			n, err := t.NumSubscribers(ctx, channel)
			if errors.Is(err, bridge.ErrUnsupported) {
				return ErrSkipped
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("no subscribers on %s", channel)
			}
			return nil
		},
	}
}

type HeartbeatReader interface {
	LastHeartbeat(ctx context.Context, service string) (time.Time, bool, error)
}

// HeartbeatAge degrades the service when service has not written a heartbeat
// within maxAge.
func HeartbeatAge(r HeartbeatReader, service string, maxAge time.Duration, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	return Check{
		Name: "heartbeat_" + service,
		Run: func(ctx context.Context) error {
			at, ok, err := r.LastHeartbeat(ctx, service)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s has never written a heartbeat", service)
			}
			if age := now().Sub(at); age > maxAge {
				return fmt.Errorf("%s heartbeat is %s old", service, age.Round(time.Second))
			}
			return nil
		},
	}
}

type HeartbeatWriter interface {
	WriteHeartbeat(ctx context.Context, service string, at time.Time, ttl time.Duration) error
}

// KeepAlive writes a heartbeat for service every interval until ctx is done.
// Write failures are retried with backoff, then logged and dropped.
func KeepAlive(ctx context.Context, w HeartbeatWriter, service string, interval time.Duration, log logx.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ttl := 4 * interval
	beat := func() {
		err := retryx.Do(ctx, retryx.Heartbeat, func(ctx context.Context) error {
			return w.WriteHeartbeat(ctx, service, time.Now(), ttl)
		}, nil)
		if err != nil && ctx.Err() == nil {
			log.Warn(ctx, "heartbeat_failed", "failed to write heartbeat",
				slog.String("service", service),
				slog.String("error", err.Error()),
			)
		}
	}
	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
