package observability

import (
	"context"
	"strings"
	"testing"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
)

func TestFromConfigDisabledHasNoEndpoint(t *testing.T) {
	cfg := config.Config{ServiceName: "worker", Env: "dev", OtelEndpoint: "collector:4317"}
	if tc := FromConfig(cfg); tc.Endpoint != "" {
		t.Fatalf("endpoint must stay empty while disabled, got %q", tc.Endpoint)
	}
	cfg.OtelEnabled = true
	if tc := FromConfig(cfg); tc.Endpoint != "collector:4317" {
		t.Fatalf("unexpected endpoint %q", tc.Endpoint)
	}
}

func TestInitTracerNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{ServiceName: "api"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSamplerBounds(t *testing.T) {
	cases := map[float64]string{
		1:   "root:AlwaysOnSampler",
		2:   "root:AlwaysOnSampler",
		0:   "root:AlwaysOffSampler",
		0.5: "root:TraceIDRatioBased",
	}
	for ratio, want := range cases {
		desc := TracerConfig{SampleRatio: ratio}.sampler().Description()
		if !strings.Contains(desc, want) {
			t.Fatalf("ratio %v: sampler %q does not mention %s", ratio, desc, want)
		}
	}
}

func TestResourceCarriesServiceName(t *testing.T) {
	res, err := TracerConfig{ServiceName: "consumer", Env: "dev", Version: "1.2.3"}.resource()
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if !strings.Contains(res.String(), "service.name=consumer") {
		t.Fatalf("service name missing from %s", res.String())
	}
}
