package retryx

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries uint64
}

// Heartbeat is used for persistence and heartbeat writes: 4 retries, 1s doubling to 8s.
var Heartbeat = Policy{Initial: time.Second, Max: 8 * time.Second, Multiplier: 2, MaxRetries: 4}

func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Do runs op until it succeeds, the retries run out or ctx is done.
// notify is called before each wait and may be nil.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(func() error {
		return op(ctx)
	}, p.BackOff(ctx), notify)
}

// Permanent stops Do without further retries.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
