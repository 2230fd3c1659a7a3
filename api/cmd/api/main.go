// api serves the pond operator HTTP API and its event streams.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/app"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/engine"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/handlers"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/health"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/middleware"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/tasks"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/authx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/cachex"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/dbx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/httpx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	rt := app.Boot(ctx, "api", 8080, app.NeedAsynq, app.NeedOIDC)
	defer rt.Close()
	cfg, logger, version := rt.Config, rt.Log, rt.Version

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		rt.Fatal("db_init_failed", "database init failed", err)
	}
	defer dbPool.Close()
	if cfg.DBAutoMigrate {
		applied, err := dbx.Migrate(ctx, dbPool)
		if err != nil {
			rt.Fatal("migrate_failed", "schema migration failed", err)
		}
		logger.Info(ctx, "migrate_done", "schema migrations applied", slog.Any("files", applied))
	}
	store := repos.NewStore(dbPool)

	transport, err := bridge.Open(cfg, logger)
	if err != nil {
		rt.Fatal("bridge_init_failed", "device bridge init failed", err)
	}
	defer transport.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		rt.Fatal("redis_init_failed", "redis init failed", err)
	}
	defer cache.Close()

	verifier, err := authx.NewJWTVerifier(ctx, authx.VerifierOptions{
		Issuer:       cfg.OIDCIssuer,
		Audience:     cfg.OIDCAudience,
		JWKSURL:      cfg.OIDCJWKSURL,
		RefreshEvery: time.Duration(cfg.JWKSTTLSeconds) * time.Second,
		Leeway:       time.Duration(cfg.JWTClockSkewSec) * time.Second,
	})
	if err != nil {
		rt.Fatal("auth_init_failed", "failed to initialize JWT verifier", err)
	}

	queue := asynq.NewClient(rt.RedisOpt())
	defer queue.Close()
	enqueuer := tasks.NewEnqueuer(queue, cfg.AsynqQueue)

	dispatcher := rt.Dispatcher(store, transport)
	eng := engine.New(store, engine.Handlers(engine.Deps{
		Commands: dispatcher,
		Ponds:    store,
		Events:   transport,
		Log:      logger,
	}), enqueuer, logger, engine.Options{
		DeferDelay:   time.Duration(cfg.EngineDeferSec) * time.Second,
		MaxExecuting: time.Duration(cfg.EngineMaxExecutingSec) * time.Second,
	})

	checker := rt.Checker(
		health.Ping("database", store, true),
		health.Ping("bridge", transport, true),
		health.Ping("redis", cache, false),
		health.Subscribers(transport, bridge.ChannelIncomingMessages),
		health.HeartbeatAge(cache, "worker", rt.HeartbeatStale(), nil),
		health.HeartbeatAge(cache, "consumer", rt.HeartbeatStale(), nil),
	)
	rt.KeepAlive(ctx, cache, "api")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /readyz", checker.Handler())
	mux.Handle("GET /metrics", metricsx.Handler())
	handlers.New(eng, dispatcher, store, transport, logger, handlers.Options{}).Register(mux)

	public := func(r *http.Request) bool {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			return true
		}
		return r.Method == http.MethodOptions
	}
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, httpx.CodeNotFound, "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    store.Audit,
		Logger:  logger,
		Skip:    public,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		Skip:    public,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     public,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSOrigins,
		MaxAge:         10 * time.Minute,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handlers.IsStream, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "api")
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("bridge_driver", cfg.BridgeDriver),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	if err := rt.Wait(ctx, errCh, http.ErrServerClosed); err != nil {
		rt.Fatal("server_failed", "server failed", err)
	}

	// Event streams hold connections open; cancelling ctx ends them so
	// Shutdown can drain.
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
