package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

func TestRequirements(t *testing.T) {
	if p := NeedKafka(config.Config{}); p == nil || p.Field != "KAFKA_BROKERS" {
		t.Fatalf("expected KAFKA_BROKERS problem, got %+v", p)
	}
	if p := NeedKafka(config.Config{KafkaBrokers: []string{"k:9092"}}); p != nil {
		t.Fatalf("unexpected problem %+v", p)
	}
	if p := NeedOIDC(config.Config{OIDCIssuer: "https://id.example"}); p == nil {
		t.Fatalf("audience is required too")
	}
}

func TestUnexpected(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		err  error
		want error
	}{
		{nil, nil},
		{context.Canceled, nil},
		{fmt.Errorf("serve: %w", http.ErrServerClosed), nil},
		{boom, boom},
	}
	for _, tc := range cases {
		if got := unexpected(tc.err, []error{http.ErrServerClosed}); !errors.Is(got, tc.want) && got != tc.want {
			t.Fatalf("unexpected(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWaitReturnsLoopError(t *testing.T) {
	rt := &Runtime{Log: logx.Discard()}
	errCh := make(chan error, 1)
	errCh <- errors.New("subscription lost")
	if err := rt.Wait(context.Background(), errCh); err == nil {
		t.Fatalf("expected loop error")
	}
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	var order []int
	rt := &Runtime{}
	for i := 1; i <= 2; i++ {
		rt.closers = append(rt.closers, func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	rt.Close()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("close order = %v", order)
	}
}
