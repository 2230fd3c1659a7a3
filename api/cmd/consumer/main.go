// consumer handles device messages from the bus: acks, sensor readings,
// heartbeats and startup telemetry.
package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/app"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/consumer"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/health"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/tasks"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/cachex"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/dbx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/influxx"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	rt := app.Boot(ctx, "consumer", 8082, app.NeedAsynq)
	defer rt.Close()
	cfg, logger := rt.Config, rt.Log

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		rt.Fatal("db_init_failed", "db init failed", err)
	}
	defer dbPool.Close()
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

	checks := []health.Check{
		health.Ping("database", store, true),
		health.Ping("bridge", transport, true),
		health.Ping("redis", cache, false),
		health.Subscribers(transport, bridge.ChannelIncomingMessages),
		health.HeartbeatAge(cache, "worker", rt.HeartbeatStale(), nil),
	}

	var sink consumer.SensorSink
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			rt.Fatal("influx_init_failed", "influx init failed", err)
		}
		defer influx.Close()
		sink = influx
		checks = append(checks, health.Ping("influx", influx, false))
	} else {
		logger.Warn(ctx, "influx_disabled", "INFLUX_URL not set; sensor readings are not stored")
	}

	queue := asynq.NewClient(rt.RedisOpt())
	defer queue.Close()

	ponds := consumer.CachedStore{Store: store, Cache: cache, TTL: time.Minute}
	c := consumer.New(ponds, rt.Dispatcher(store, transport), sink, tasks.NewEnqueuer(queue, cfg.AsynqQueue), transport, logger, nil)

	stopOps := rt.ServeOps(ctx, rt.Checker(checks...))
	defer stopOps()
	rt.KeepAlive(ctx, cache, "consumer")

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "consumer_start", "consumer started",
			slog.String("channel", bridge.ChannelIncomingMessages),
			slog.String("bridge_driver", cfg.BridgeDriver),
		)
		errCh <- transport.Subscribe(ctx, c.HandleMessage, bridge.ChannelIncomingMessages)
	}()

	if err := rt.Wait(ctx, errCh); err != nil {
		rt.Fatal("consumer_failed", "bridge subscription ended", err)
	}
	stop()
	logger.Info(context.Background(), "consumer_stop", "consumer stopped")
}
