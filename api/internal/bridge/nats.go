package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

// NATS is the alternative Transport on core NATS subjects (no JetStream),
// which keeps the same at-most-once behaviour as Redis pub/sub. NATS cannot
// report remote subscriber counts.
type NATS struct {
	conn   *nats.Conn
	prefix string
	log    logx.Logger
	closed chan struct{}
}

// DialNATS connects with the reconnect policy mapped onto the client's own
// reconnect loop.
func DialNATS(url string, name string, prefix string, p ReconnectPolicy, log logx.Logger) (*NATS, error) {
	log = log.With(slog.String("component", "bridge"))
	closed := make(chan struct{})
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(int(p.MaxRetries)),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return reconnectDelay(p, attempts)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn(context.Background(), "bridge_disconnected", "nats connection lost", slog.String("error", errString(err)))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			metricsx.IncBridgeReconnect()
			log.Info(context.Background(), "bridge_reconnect", "nats connection restored")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect nats: %w", err)
	}
	return &NATS{conn: conn, prefix: prefix, log: log, closed: closed}, nil
}

func (n *NATS) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	_, span := otel.Tracer("bridge").Start(ctx, "bridge.publish")
	span.SetAttributes(
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination", channel),
	)
	defer span.End()

	if n.conn == nil || !n.conn.IsConnected() {
		metricsx.IncBridgePublishFailure(channelLabel(channel))
		return 0, ErrNotConnected
	}
	if err := n.conn.Publish(n.subject(channel), payload); err != nil {
		span.RecordError(err)
		metricsx.IncBridgePublishFailure(channelLabel(channel))
		return 0, fmt.Errorf("bridge: publish %s: %w", channel, err)
	}
	metricsx.IncBridgeMessage(channelLabel(channel), "out")
	// Core NATS does not report receivers.
	return 0, nil
}

func (n *NATS) Subscribe(ctx context.Context, h Handler, channels ...string) error {
	if n.conn == nil {
		return ErrNotConnected
	}
	subs := make([]*nats.Subscription, 0, len(channels))
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	for _, ch := range channels {
		ch := ch
		s, err := n.conn.Subscribe(n.subject(ch), func(msg *nats.Msg) {
			metricsx.IncBridgeMessage(channelLabel(ch), "in")
			h(ctx, Message{Channel: ch, Payload: msg.Data})
		})
		if err != nil {
			return fmt.Errorf("bridge: subscribe %s: %w", ch, err)
		}
		subs = append(subs, s)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.closed:
		return ErrGaveUp
	}
}

func (n *NATS) Ping(ctx context.Context) error {
	if n.conn == nil || !n.conn.IsConnected() {
		return ErrNotConnected
	}
	return n.conn.FlushWithContext(ctx)
}

func (n *NATS) NumSubscribers(context.Context, string) (int64, error) {
	return 0, ErrUnsupported
}

func (n *NATS) Close() error {
	if n.conn != nil {
		_ = n.conn.Drain()
		n.conn.Close()
	}
	return nil
}

// Per-entity channels map onto dotted subjects.
func (n *NATS) subject(channel string) string {
	return strings.ReplaceAll(n.prefix+channel, ":", ".")
}

func reconnectDelay(p ReconnectPolicy, attempts int) time.Duration {
	d := p.Base
	for i := 1; i < attempts && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}
