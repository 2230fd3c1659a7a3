package cachex

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func heartbeatKey(service string) string {
	return keyPrefix + "heartbeat:" + service
}

// WriteHeartbeat stores at as unix millis. The key expires after ttl, so a
// dead process eventually reads as never seen.
func (c *Client) WriteHeartbeat(ctx context.Context, service string, at time.Time, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.rdb.Set(ctx, heartbeatKey(service), at.UTC().UnixMilli(), ttl).Err()
}

func (c *Client) LastHeartbeat(ctx context.Context, service string) (time.Time, bool, error) {
	if err := c.ready(); err != nil {
		return time.Time{}, false, err
	}
	raw, err := c.rdb.Get(ctx, heartbeatKey(service)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
