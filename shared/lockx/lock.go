// Package lockx provides a Redis lease lock used to serialize work on one
// pond parameter or schedule across worker processes.
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	errNoClient    = errors.New("lockx: redis client not initialized")
)

// unlock deletes the key only while it still holds our token, so a lease
// that expired and was taken over is left alone.
var unlock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Mutex is a lease lock keyed by Prefix+key. Do polls every Poll until
// the lease is free or Wait elapses; the lease itself expires after TTL
// even if the holder dies.
type Mutex struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Wait   time.Duration
	Poll   time.Duration
}

func (m Mutex) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return 10 * time.Second
}

func (m Mutex) poll() time.Duration {
	if m.Poll > 0 {
		return m.Poll
	}
	return 50 * time.Millisecond
}

// Do runs fn while holding the lease for key.
func (m Mutex) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if m.Client == nil {
		return errNoClient
	}
	full := m.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(m.Wait)

	for {
		ok, err := m.Client.SetNX(ctx, full, token, m.ttl()).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.poll()):
		}
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = unlock.Run(releaseCtx, m.Client, []string{full}, token).Err()
	}()
	return fn(ctx)
}
