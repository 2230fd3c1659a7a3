// Package app holds the startup and shutdown plumbing shared by the pond
// binaries: config validation, tracing, the ops listener and signal handling.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/commands"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/health"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/observability"
)

// Requirement adds a service-specific config check to Boot.
type Requirement func(config.Config) *config.Problem

// Require reports field as missing when ok returns false.
func Require(field string, ok func(config.Config) bool) Requirement {
	return func(cfg config.Config) *config.Problem {
		if ok(cfg) {
			return nil
		}
		return &config.Problem{Field: field, Message: field + " is required"}
	}
}

var (
	NeedAsynq = Require("ASYNQ_REDIS_ADDR", func(c config.Config) bool { return c.AsynqRedisAddr != "" })
	NeedKafka = Require("KAFKA_BROKERS", func(c config.Config) bool { return len(c.KafkaBrokers) > 0 })
	NeedMQTT  = Require("MQTT_BROKER_HOST", func(c config.Config) bool { return c.MQTTBrokerHost != "" })
	NeedOIDC  = Require("OIDC_ISSUER", func(c config.Config) bool { return c.OIDCIssuer != "" && c.OIDCAudience != "" })
)

type Runtime struct {
	Config  config.Config
	Log     logx.Logger
	Version string

	closers []func(context.Context) error
}

// Boot loads config for service, exits on any problem, then starts tracing
// and registers metrics.
func Boot(ctx context.Context, service string, port int, reqs ...Requirement) *Runtime {
	cfg, problems := config.Load(service, port)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	rt := &Runtime{
		Config:  cfg,
		Log:     logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel),
		Version: version,
	}
	for _, req := range reqs {
		if p := req(cfg); p != nil {
			problems = append(problems, *p)
		}
	}
	if len(problems) > 0 {
		rt.Log.Error(ctx, "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		tc := observability.FromConfig(cfg)
		tc.Version = version
		shutdown, err := observability.InitTracer(ctx, tc)
		if err != nil {
			rt.Log.Warn(ctx, "tracing_disabled", "tracer init failed", slog.String("error", err.Error()))
		} else {
			rt.closers = append(rt.closers, shutdown)
		}
	}
	metricsx.Register()
	return rt
}

// Fatal logs err and exits.
func (rt *Runtime) Fatal(event string, msg string, err error) {
	rt.Log.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}

// Close flushes the tracer.
func (rt *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i](ctx)
	}
}

func (rt *Runtime) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     rt.Config.AsynqRedisAddr,
		Password: rt.Config.AsynqRedisPass,
		DB:       rt.Config.AsynqRedisDB,
	}
}

func (rt *Runtime) Dispatcher(store commands.Store, transport bridge.Transport) *commands.Dispatcher {
	return commands.New(store, transport, rt.Log, commands.Options{
		Timeout:    time.Duration(rt.Config.CommandTimeoutSec) * time.Second,
		MaxRetries: rt.Config.CommandMaxRetries,
	})
}

func (rt *Runtime) Checker(checks ...health.Check) *health.Checker {
	return health.NewChecker(rt.Config.ServiceName, time.Duration(rt.Config.HealthCheckTimeoutMS)*time.Millisecond, checks...)
}

func (rt *Runtime) HeartbeatStale() time.Duration {
	return time.Duration(rt.Config.HeartbeatStaleSec) * time.Second
}

// KeepAlive writes this binary's heartbeat until ctx ends.
func (rt *Runtime) KeepAlive(ctx context.Context, w health.HeartbeatWriter, service string) {
	go health.KeepAlive(ctx, w, service, time.Duration(rt.Config.HeartbeatIntervalSec)*time.Second, rt.Log)
}

// ServeOps runs /readyz and /metrics on the configured port for binaries
// without a public API. The returned func stops the listener.
func (rt *Runtime) ServeOps(ctx context.Context, checker *health.Checker) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /readyz", checker.Handler())
	mux.Handle("GET /metrics", metricsx.Handler())
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(rt.Config.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Log.Error(ctx, "ops_server_failed", "ops listener failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

// Wait blocks until SIGINT or SIGTERM, or until the main loop reports on
// errCh. It returns the loop error unless it is one of the expected
// shutdown errors.
func (rt *Runtime) Wait(ctx context.Context, errCh <-chan error, expected ...error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		rt.Log.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		return nil
	case err := <-errCh:
		return unexpected(err, expected)
	}
}

func unexpected(err error, expected []error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			return nil
		}
	}
	return err
}
