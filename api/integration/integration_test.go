//go:build integration

// Package integration runs the stores and locks against real services.
// Each test skips when its service address is not set.
package integration

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/sweeps"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/tasks"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/dbx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/lockx"
)

func openStore(t *testing.T) *repos.Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("db unreachable: %v", err)
	}
	if _, err := dbx.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repos.NewStore(pool)
}

func TestExecutionCommandLink(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	pond, err := store.UpsertPond(ctx, models.Pond{
		DeviceID: "IT:" + strings.ToUpper(uuid.NewString()[:8]),
		Name:     "Integration",
		Position: 1,
	})
	if err != nil {
		t.Fatalf("upsert pond: %v", err)
	}

	exec := models.NewExecution(pond.ID, models.ActionFeed, models.PriorityManual, time.Time{}, map[string]any{"feed_amount": 2.5}, models.User{Subject: "it"})
	if _, err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	cmd := models.NewDeviceCommand(pond, models.CommandFeed, map[string]any{"feed_amount": 2.5}, 30*time.Second, 3)
	if _, err := store.AttachCommand(ctx, exec.ID, cmd); err != nil {
		t.Fatalf("attach command: %v", err)
	}
	second := models.NewDeviceCommand(pond, models.CommandFeed, nil, 30*time.Second, 3)
	if _, err := store.AttachCommand(ctx, exec.ID, second); !errors.Is(err, repos.ErrConflict) {
		t.Fatalf("expected conflict on second attach, got %v", err)
	}

	got, err := store.LatestCommandForExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("latest command: %v", err)
	}
	if got.ID != cmd.ID {
		t.Fatalf("expected command %s, got %s", cmd.ID, got.ID)
	}
	if _, err := store.GetExecution(ctx, uuid.New()); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOutboxClaimsCommittedEvents(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	pond, err := store.UpsertPond(ctx, models.Pond{DeviceID: "IT:" + uuid.NewString()[:8], Name: "Outbox", Position: 2})
	if err != nil {
		t.Fatalf("upsert pond: %v", err)
	}
	exec := models.NewExecution(pond.ID, models.ActionWaterFill, models.PriorityManual, time.Time{}, map[string]any{"target_level": 80.0}, models.User{Subject: "it"})
	if _, err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	claimed, err := store.Outbox.ClaimPending(ctx, "integration", 500)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	found := false
	for _, ev := range claimed {
		if ev.AggregateID == exec.ID {
			found = true
		}
		if err := store.Outbox.MarkDelivered(ctx, ev.EventID); err != nil {
			t.Fatalf("mark delivered: %v", err)
		}
	}
	if !found {
		t.Fatalf("execution event not in outbox")
	}
}

func TestPondLockSerializes(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	m := lockx.Mutex{Client: client, Prefix: "it:pond:", TTL: 5 * time.Second, Wait: 5 * time.Second, Poll: 5 * time.Millisecond}
	key := uuid.NewString()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Do(context.Background(), key, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("lock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxInside)
	}
}

func TestUniqueSweepIsQueuedOnce(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	opt := asynq.RedisClientOpt{Addr: addr}
	client := asynq.NewClient(opt)
	defer client.Close()
	inspector := asynq.NewInspector(opt)
	defer inspector.Close()

	queue := "it-" + uuid.NewString()
	defer inspector.DeleteQueue(queue, true)
	task, err := tasks.NewTask(tasks.TypeSweep, tasks.SweepPayload{Sweep: sweeps.SweepStuck}, queue, asynq.Unique(time.Minute))
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	ctx := context.Background()
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	if _, err := client.EnqueueContext(ctx, task); !errors.Is(err, asynq.ErrDuplicateTask) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	info, err := inspector.GetQueueInfo(queue)
	if err != nil {
		t.Fatalf("queue info: %v", err)
	}
	if info.Pending != 1 {
		t.Fatalf("expected one pending sweep, got %d", info.Pending)
	}
}

func TestKafkaReachable(t *testing.T) {
	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		t.Fatalf("kafka metadata: %v", err)
	}
}
