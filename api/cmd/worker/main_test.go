package main

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/sweeps"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/tasks"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
)

func TestBeatEntries(t *testing.T) {
	cfg := config.Config{OutboxScanSec: 2, SweepIntervalSec: 300, SweepCommandIntervalSec: 15}
	entries := beatEntries(cfg)
	if len(entries) != 2+len(sweeps.Names) {
		t.Fatalf("expected %d entries, got %d", 2+len(sweeps.Names), len(entries))
	}
	if entries[0].spec != "@every 2s" || entries[0].typename != tasks.TypeOutboxScan {
		t.Fatalf("unexpected outbox entry %+v", entries[0])
	}
	if entries[1].typename != tasks.TypeSchedulerTick || entries[1].spec != "* * * * *" {
		t.Fatalf("unexpected scheduler entry %+v", entries[1])
	}
	for _, e := range entries[2:] {
		p, ok := e.payload.(tasks.SweepPayload)
		if !ok || e.typename != tasks.TypeSweep {
			t.Fatalf("unexpected sweep entry %+v", e)
		}
		want := "@every 300s"
		if p.Sweep == sweeps.SweepCommandTimeouts {
			want = "@every 15s"
		}
		if e.spec != want {
			t.Fatalf("sweep %s runs %s, want %s", p.Sweep, e.spec, want)
		}
		ttl := 300 * time.Second
		if p.Sweep == sweeps.SweepCommandTimeouts {
			ttl = 15 * time.Second
		}
		if len(e.opts) != 1 || e.opts[0].Type() != asynq.UniqueOpt || e.opts[0].Value() != ttl {
			t.Fatalf("sweep %s must be unique for %s, got %v", p.Sweep, ttl, e.opts)
		}
	}
	for _, e := range entries[:2] {
		if len(e.opts) != 0 {
			t.Fatalf("%s should carry no options", e.typename)
		}
	}
}
