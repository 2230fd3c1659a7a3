package lockx

import (
	"context"
	"testing"
	"time"
)

func TestDoWithoutClient(t *testing.T) {
	called := false
	err := Mutex{Prefix: "pond:threshold:"}.Do(context.Background(), "k", func(context.Context) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected error without a redis client, err=%v called=%v", err, called)
	}
}

func TestDefaults(t *testing.T) {
	var m Mutex
	if m.ttl() != 10*time.Second || m.poll() != 50*time.Millisecond {
		t.Fatalf("unexpected defaults ttl=%s poll=%s", m.ttl(), m.poll())
	}
	m = Mutex{TTL: time.Second, Poll: time.Millisecond}
	if m.ttl() != time.Second || m.poll() != time.Millisecond {
		t.Fatalf("explicit values not kept")
	}
}
