// worker runs the asynq task server and the periodic beat: execution
// processing, threshold checks, schedules, outbox relay and repair sweeps.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/app"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/engine"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/outbox"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/scheduler"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/sweeps"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/tasks"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/threshold"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/cachex"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/dbx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/lockx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/mqx"
)

const queueDepthEvery = 10 * time.Second

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	rt := app.Boot(ctx, "worker", 8083, app.NeedAsynq, app.NeedKafka)
	defer rt.Close()
	cfg, logger := rt.Config, rt.Log

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		rt.Fatal("db_init_failed", "db init failed", err)
	}
	defer dbPool.Close()
	store := repos.NewStore(dbPool)

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		rt.Fatal("kafka_init_failed", "kafka producer init failed", err)
	}
	defer producer.Close()

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

	redisOpt := rt.RedisOpt()
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	enqueuer := tasks.NewEnqueuer(client, cfg.AsynqQueue)

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
	monitor := threshold.New(store, lockx.Mutex{
		Client: cache.Client(),
		Prefix: "pond:threshold:",
		TTL:    10 * time.Second,
		Wait:   5 * time.Second,
	}, enqueuer, transport, logger, nil)

	sweeper := sweeps.New(store, dispatcher, enqueuer, logger, sweeps.Options{
		StuckAfter:   cfg.StuckExecutionCutoff(),
		RetryWindow:  time.Duration(cfg.SweepRetryWindowMin) * time.Minute,
		OnlineWindow: time.Duration(cfg.DeviceOnlineWindowSec) * time.Second,
	})
	relay := outbox.New(store.Outbox, producer, logger, outbox.Options{
		Owner:       cfg.ServiceName,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
	})

	mux := asynq.NewServeMux()
	tasks.Register(mux, tasks.Deps{
		Engine:     eng,
		Monitor:    monitor,
		Sweeper:    sweeper,
		Scheduler:  scheduler.New(store, eng, cfg.Location(), logger, nil),
		Relay:      relay,
		StuckAfter: cfg.StuckExecutionCutoff(),
		Log:        logger,
	})

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{cfg.AsynqQueue: 1},
		Logger:      logx.AsynqLogger{L: logger},
	})
	defer server.Shutdown()

	beat := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logx.AsynqLogger{L: logger},
	})
	defer beat.Shutdown()
	if err := registerPeriodic(beat, cfg); err != nil {
		rt.Fatal("scheduler_init_failed", "scheduler init failed", err)
	}
	if err := beat.Start(); err != nil {
		rt.Fatal("scheduler_start_failed", "scheduler start failed", err)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go reportQueueDepth(ctx, inspector, cfg.AsynqQueue)
	rt.KeepAlive(ctx, cache, "worker")

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker_start", "worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.String("timezone", cfg.SchedulerTimezone),
		)
		errCh <- server.Run(mux)
	}()

	if err := rt.Wait(ctx, errCh, asynq.ErrServerClosed); err != nil {
		rt.Fatal("worker_failed", "worker failed", err)
	}
	stop()
	logger.Info(context.Background(), "worker_stop", "worker stopped")
}

func reportQueueDepth(ctx context.Context, inspector *asynq.Inspector, queue string) {
	ticker := time.NewTicker(queueDepthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if info, err := inspector.GetQueueInfo(queue); err == nil {
			metricsx.SetAsynqQueueDepth(queue, info.Size)
		}
	}
}

type beatEntry struct {
	spec     string
	typename string
	payload  any
	opts     []asynq.Option
}

// beatEntries lists the periodic tasks: outbox relay, schedule tick and one
// entry per repair sweep. Command timeouts run on their own shorter interval.
// Sweeps stay unique for one interval so a slow run or a second beat does
// not start an overlapping one.
func beatEntries(cfg config.Config) []beatEntry {
	every := func(sec int) string { return "@every " + strconv.Itoa(sec) + "s" }
	entries := []beatEntry{
		{spec: every(cfg.OutboxScanSec), typename: tasks.TypeOutboxScan},
		{spec: "* * * * *", typename: tasks.TypeSchedulerTick},
	}
	for _, name := range sweeps.Names {
		interval := cfg.SweepIntervalSec
		if name == sweeps.SweepCommandTimeouts {
			interval = cfg.SweepCommandIntervalSec
		}
		entries = append(entries, beatEntry{
			spec:     every(interval),
			typename: tasks.TypeSweep,
			payload:  tasks.SweepPayload{Sweep: name},
			opts:     []asynq.Option{asynq.Unique(time.Duration(interval) * time.Second)},
		})
	}
	return entries
}

func registerPeriodic(s *asynq.Scheduler, cfg config.Config) error {
	for _, e := range beatEntries(cfg) {
		task, err := tasks.NewTask(e.typename, e.payload, cfg.AsynqQueue, e.opts...)
		if err != nil {
			return err
		}
		if _, err := s.Register(e.spec, task); err != nil {
			return err
		}
	}
	return nil
}
