// Package bridge connects the orchestrator to the MQTT client process over
// plain pub/sub channels.
//
// Delivery is at-most-once and non-durable: a subscriber that is not
// connected when a message is published never sees it, and a reconnecting
// subscriber resumes from "now". Durable status history lives in the
// outbox, never on these channels.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	ChannelOutgoingCommands = "outgoing-commands"
	ChannelIncomingMessages = "incoming-device-messages"
	ChannelStatusBroadcast  = "command-status-broadcast"
)

func CommandStatusChannel(commandID uuid.UUID) string {
	return "command-status:" + commandID.String()
}

func DeviceEventsChannel(deviceID string) string {
	return "device-events:" + deviceID
}

var (
	ErrNotConnected = errors.New("bridge: not connected")
	ErrClosed       = errors.New("bridge: closed")
	// ErrUnsupported is returned by NumSubscribers on drivers that cannot
	// count remote subscribers.
	ErrUnsupported = errors.New("bridge: not supported by driver")
	ErrGaveUp      = errors.New("bridge: reconnect retries exhausted")
)

type Message struct {
	Channel string
	Payload []byte
}

type Handler func(ctx context.Context, msg Message)

// Transport is the pub/sub client every component receives at construction.
// The process entry point owns its lifecycle.
type Transport interface {
	// Publish returns how many subscribers received the message. Zero is
	// not an error.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	// Subscribe blocks, delivering messages to h until ctx is done. On
	// transport errors it reconnects with backoff and returns ErrGaveUp
	// once the retry budget is spent.
	Subscribe(ctx context.Context, h Handler, channels ...string) error
	Ping(ctx context.Context) error
	NumSubscribers(ctx context.Context, channel string) (int64, error)
	Close() error
}

// ReconnectPolicy is the subscriber backoff: Base doubling up to Max, at
// most MaxRetries consecutive failures.
type ReconnectPolicy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries uint64
}

var DefaultReconnect = ReconnectPolicy{Base: time.Second, Max: 60 * time.Second, MaxRetries: 10}
