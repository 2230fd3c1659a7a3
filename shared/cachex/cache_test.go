package cachex

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilClientIsNotInitialized(t *testing.T) {
	var c *Client
	ctx := context.Background()
	if err := c.Ping(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("ping: expected ErrNotInitialized, got %v", err)
	}
	if err := c.SetJSON(ctx, "k", 1, time.Second); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("set: expected ErrNotInitialized, got %v", err)
	}
	var v int
	if _, err := c.GetJSON(ctx, "k", &v); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("get: expected ErrNotInitialized, got %v", err)
	}
	if _, _, err := c.LastHeartbeat(ctx, "worker"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("heartbeat: expected ErrNotInitialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
	if c.Client() != nil {
		t.Fatalf("nil client should expose no redis client")
	}
}

func TestHeartbeatKey(t *testing.T) {
	if got := heartbeatKey("consumer"); got != "pond:heartbeat:consumer" {
		t.Fatalf("unexpected key %s", got)
	}
}
