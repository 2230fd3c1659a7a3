package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

// Redis is the production Transport: Redis PUBLISH/SUBSCRIBE, which gives
// exactly the fire-and-forget semantics the bridge promises.
type Redis struct {
	client    *redis.Client
	prefix    string
	reconnect ReconnectPolicy
	log       logx.Logger
}

func NewRedis(client *redis.Client, prefix string, reconnect ReconnectPolicy, log logx.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, reconnect: reconnect, log: log.With(slog.String("component", "bridge"))}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if r.client == nil {
		return 0, ErrNotConnected
	}
	ctx, span := otel.Tracer("bridge").Start(ctx, "bridge.publish")
	span.SetAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination", channel),
	)
	defer span.End()

	n, err := r.client.Publish(ctx, r.prefix+channel, payload).Result()
	if err != nil {
		span.RecordError(err)
		metricsx.IncBridgePublishFailure(channelLabel(channel))
		return 0, fmt.Errorf("bridge: publish %s: %w", channel, err)
	}
	metricsx.IncBridgeMessage(channelLabel(channel), "out")
	return n, nil
}

func (r *Redis) Subscribe(ctx context.Context, h Handler, channels ...string) error {
	if r.client == nil {
		return ErrNotConnected
	}
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = r.prefix + ch
	}
	return subscribeLoop(ctx, r.reconnect, r.log, func(ctx context.Context, connected func()) error {
		return r.consume(ctx, h, names, connected)
	})
}

// consume runs one subscription until it fails. connected is called once
// the server confirms the subscription.
func (r *Redis) consume(ctx context.Context, h Handler, names []string, connected func()) error {
	ps := r.client.Subscribe(ctx, names...)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	connected()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		ch := msg.Channel[len(r.prefix):]
		metricsx.IncBridgeMessage(channelLabel(ch), "in")
		h(ctx, Message{Channel: ch, Payload: []byte(msg.Payload)})
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	if r.client == nil {
		return ErrNotConnected
	}
	return r.client.Ping(ctx).Err()
}

func (r *Redis) NumSubscribers(ctx context.Context, channel string) (int64, error) {
	if r.client == nil {
		return 0, ErrNotConnected
	}
	counts, err := r.client.PubSubNumSub(ctx, r.prefix+channel).Result()
	if err != nil {
		return 0, err
	}
	return counts[r.prefix+channel], nil
}

func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// subscribeLoop reruns consume after failures with exponential backoff.
// The backoff resets every time a subscription is confirmed, so only
// consecutive failures count against the retry budget.
func subscribeLoop(ctx context.Context, p ReconnectPolicy, log logx.Logger, consume func(ctx context.Context, connected func()) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Base
	exp.MaxInterval = p.Max
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
	b.Reset()

	for {
		err := consume(ctx, b.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.Error(ctx, "bridge_reconnect_exhausted", "giving up on subscription", slog.String("error", errString(err)))
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		metricsx.IncBridgeReconnect()
		log.Warn(ctx, "bridge_reconnect", "subscription lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// channelLabel collapses per-entity channels so metric cardinality stays bounded.
func channelLabel(channel string) string {
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		return channel[:i]
	}
	return channel
}

func errString(err error) string {
	if err == nil {
		return "subscription closed"
	}
	if errors.Is(err, redis.ErrClosed) {
		return "client closed"
	}
	return err.Error()
}
