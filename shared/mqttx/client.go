// Package mqttx wraps the paho MQTT client for the device gateway.
//
// Subscriptions are tracked and restored after every reconnect, and
// message handlers run behind a panic guard so a bad payload cannot take
// down the paho router goroutine.
package mqttx

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/metricsx"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000
	keepAlive         = 60 * time.Second
	maxPayloadBytes   = 1 << 20
)

type Config struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	ClientID string
	QoS      byte
}

func FromConfig(cfg config.Config) Config {
	return Config{
		Host:     cfg.MQTTBrokerHost,
		Port:     cfg.MQTTBrokerPort,
		TLS:      cfg.MQTTTLS,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		ClientID: cfg.MQTTClientID,
		QoS:      byte(cfg.MQTTQoS),
	}
}

// BrokerURL is tcp://host:port, or ssl:// when TLS is on.
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// MessageHandler receives the concrete topic and raw payload.
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

type Client struct {
	client paho.Client
	cfg    Config
	log    logx.Logger

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	connMu    sync.RWMutex
	connected bool
	everUp    bool
}

var pahoLoggerOnce sync.Once

// Connect dials the broker and waits up to ten seconds for the first
// session. Later drops are handled by paho's auto-reconnect.
func Connect(cfg Config, log logx.Logger) (*Client, error) {
	if cfg.QoS > 2 {
		return nil, ErrInvalidQoS
	}
	pahoLoggerOnce.Do(func() {
		paho.ERROR = logx.PrintLogger{L: log, Event: "mqtt_client_error", Level: slog.LevelError}
		paho.CRITICAL = logx.PrintLogger{L: log, Event: "mqtt_client_critical", Level: slog.LevelError}
		paho.WARN = logx.PrintLogger{L: log, Event: "mqtt_client_warn", Level: slog.LevelWarn}
	})

	c := &Client{
		cfg:           cfg,
		log:           log,
		subscriptions: make(map[string]subscription),
	}
	opts := c.options()
	c.client = paho.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w after %s", ErrConnectionFailed, ErrTimeout, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.setConnected(true)
	return c, nil
}

func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL())
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetOrderMatters(false)
	if c.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(paho.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.setConnected(false)
		c.log.Warn(context.Background(), "mqtt_connection_lost", "mqtt connection lost",
			slog.String("broker", c.cfg.BrokerURL()),
			slog.String("error", err.Error()),
		)
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		metricsx.IncBridgeReconnect()
	})
	return opts
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	reconnect := c.everUp
	c.everUp = true
	c.connMu.Unlock()

	if reconnect {
		c.log.Info(context.Background(), "mqtt_reconnected", "mqtt session restored",
			slog.String("broker", c.cfg.BrokerURL()),
		)
	}
	c.restoreSubscriptions()
}

// restoreSubscriptions resubscribes every tracked topic. Clean sessions
// drop them on the broker side.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.subMu.RUnlock()

	for _, s := range subs {
		token := c.client.Subscribe(s.topic, s.qos, c.wrapHandler(s.handler))
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			c.log.Error(context.Background(), "mqtt_resubscribe_failed", "resubscribe failed",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("topic", s.topic),
			)
		}
	}
}

func (c *Client) wrapHandler(h MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error(context.Background(), "mqtt_handler_panic", "message handler panicked",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("topic", msg.Topic()),
					slog.Any("panic", r),
				)
			}
		}()
		h(msg.Topic(), msg.Payload())
	}
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnectionOpen()
}

// Ping reports ErrNotConnected while the session is down; it never
// blocks on the broker.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublish(topic, payload, qos); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %w on %s", ErrPublishFailed, ErrTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers h for topic and remembers it for reconnects. The
// tracked entry is dropped again when the broker refuses it.
func (c *Client) Subscribe(topic string, qos byte, h MessageHandler) error {
	if err := validateFilter(topic); err != nil {
		return err
	}
	if qos > 2 {
		return ErrInvalidQoS
	}
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: h}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(h))
	if !token.WaitTimeout(publishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: %w on %s", ErrSubscribeFailed, ErrTimeout, topic)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.client.Disconnect(disconnectQuiesce)
	c.setConnected(false)
	return nil
}

func validatePublish(topic string, payload []byte, qos byte) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if qos > 2 {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return nil
}

// validateFilter accepts + as a whole level and # only as the last level.
func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: # must be last in %q", ErrInvalidTopic, filter)
		case strings.Contains(level, "#") && level != "#":
			return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
		case strings.Contains(level, "+") && level != "+":
			return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}
