package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/mqttx"
)

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type fakeMQTT struct {
	mu       sync.Mutex
	pubs     []published
	subs     map[string]mqttx.MessageHandler
	pubErr   error
	subReady chan struct{}
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{subs: map[string]mqttx.MessageHandler{}, subReady: make(chan struct{}, 64)}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.pubs = append(f.pubs, published{topic: topic, payload: payload, qos: qos})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, h mqttx.MessageHandler) error {
	f.mu.Lock()
	f.subs[topic] = h
	f.mu.Unlock()
	f.subReady <- struct{}{}
	return nil
}

func (f *fakeMQTT) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.pubs...)
}

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }

func collect(t *testing.T, bus *bridge.Memory, channel string) (<-chan bridge.Message, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan bridge.Message, 8)
	go func() {
		_ = bus.Subscribe(ctx, func(_ context.Context, m bridge.Message) { out <- m }, channel)
	}()
	deadline := time.Now().Add(time.Second)
	for {
		if n, _ := bus.NumSubscribers(ctx, channel); n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscriber on %s never registered", channel)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return out, cancel
}

func TestUplinkTopics(t *testing.T) {
	topics := UplinkTopics()
	if len(topics) != 12 {
		t.Fatalf("expected 12 topics, got %d", len(topics))
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		seen[topic] = true
	}
	for _, want := range []string{"ff/+/ack", "ff/+/sensors", "devices/+/threshold", "devices/+/complete"} {
		if !seen[want] {
			t.Fatalf("missing %s", want)
		}
	}
}

func TestDeviceID(t *testing.T) {
	cases := []struct{ topic, want string }{
		{"ff/AA:BB:CC:00:11:22/ack", "AA:BB:CC:00:11:22"},
		{"devices/pond-7/threshold", "pond-7"},
		{"ff/heartbeat", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := DeviceID(tc.topic); got != tc.want {
			t.Fatalf("DeviceID(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}

func TestOnDeviceMessageForwardsEnvelope(t *testing.T) {
	bus := bridge.NewMemory()
	in, cancel := collect(t, bus, bridge.ChannelIncomingMessages)
	defer cancel()

	r := New(newFakeMQTT(), bus, 1, logx.Discard(), fixedNow)
	r.OnDeviceMessage(context.Background(), "ff/AA:BB/sensors", []byte(`{"temperature":27.5}`))

	select {
	case m := <-in:
		var got bridge.IncomingMessage
		if err := json.Unmarshal(m.Payload, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.DeviceID != "AA:BB" || got.Topic != "ff/AA:BB/sensors" {
			t.Fatalf("unexpected envelope %+v", got)
		}
		if got.MessageType != "PUBLISH" || got.Source != bridge.SourceDeviceClient {
			t.Fatalf("unexpected envelope metadata %+v", got)
		}
		if got.Timestamp != "2024-05-01T08:00:00Z" {
			t.Fatalf("unexpected timestamp %s", got.Timestamp)
		}
		if got.Kind() != bridge.KindSensors {
			t.Fatalf("expected sensors kind, got %s", got.Kind())
		}
		if string(got.Payload) != `{"temperature":27.5}` {
			t.Fatalf("payload changed: %s", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message forwarded")
	}
}

func TestOnDeviceMessageDropsInvalidPayloads(t *testing.T) {
	bus := bridge.NewMemory()
	in, cancel := collect(t, bus, bridge.ChannelIncomingMessages)
	defer cancel()

	r := New(newFakeMQTT(), bus, 1, logx.Discard(), fixedNow)
	r.OnDeviceMessage(context.Background(), "ff/AA:BB/ack", []byte("not json"))
	r.OnDeviceMessage(context.Background(), "heartbeat", []byte(`{}`))

	select {
	case m := <-in:
		t.Fatalf("unexpected forward %s", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleOutgoingPublishesToDevice(t *testing.T) {
	fake := newFakeMQTT()
	r := New(fake, bridge.NewMemory(), 1, logx.Discard(), fixedNow)

	body, _ := json.Marshal(bridge.OutgoingCommand{
		CommandID: "c1",
		DeviceID:  "AA:BB",
		Payload:   json.RawMessage(`{"command_type":"FEED"}`),
		Timestamp: fixedNow(),
		Source:    bridge.SourceOrchestrator,
	})
	r.HandleOutgoing(context.Background(), bridge.Message{Channel: bridge.ChannelOutgoingCommands, Payload: body})

	pubs := fake.published()
	if len(pubs) != 1 {
		t.Fatalf("expected one publish, got %d", len(pubs))
	}
	if pubs[0].topic != "devices/AA:BB/commands" || pubs[0].qos != bridge.CommandQoS {
		t.Fatalf("unexpected publish %+v", pubs[0])
	}
	if string(pubs[0].payload) != `{"command_type":"FEED"}` {
		t.Fatalf("unexpected payload %s", pubs[0].payload)
	}
}

func TestDeliverKeepsExplicitTopicAndQoS(t *testing.T) {
	fake := newFakeMQTT()
	r := New(fake, bridge.NewMemory(), 1, logx.Discard(), fixedNow)
	if err := r.Deliver(bridge.OutgoingCommand{CommandID: "c2", Topic: "ff/AA:BB/commands", QoS: 1, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pubs := fake.published(); pubs[0].topic != "ff/AA:BB/commands" || pubs[0].qos != 1 {
		t.Fatalf("unexpected publish %+v", pubs[0])
	}
}

func TestDeliverErrors(t *testing.T) {
	fake := newFakeMQTT()
	r := New(fake, bridge.NewMemory(), 1, logx.Discard(), fixedNow)
	if err := r.Deliver(bridge.OutgoingCommand{CommandID: "c3", Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected error without topic or device")
	}
	if err := r.Deliver(bridge.OutgoingCommand{CommandID: "c4", DeviceID: "AA"}); err == nil {
		t.Fatalf("expected error without payload")
	}

	fake.pubErr = mqttx.ErrNotConnected
	err := r.Deliver(bridge.OutgoingCommand{CommandID: "c5", DeviceID: "AA", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, mqttx.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRunRelaysBothDirections(t *testing.T) {
	fake := newFakeMQTT()
	bus := bridge.NewMemory()
	in, cancelIn := collect(t, bus, bridge.ChannelIncomingMessages)
	defer cancelIn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := New(fake, bus, 1, logx.Discard(), fixedNow)
	go func() { done <- r.Run(ctx) }()

	for range UplinkTopics() {
		select {
		case <-fake.subReady:
		case <-time.After(time.Second):
			t.Fatalf("relay did not subscribe")
		}
	}
	deadline := time.Now().Add(time.Second)
	for {
		if n, _ := bus.NumSubscribers(ctx, bridge.ChannelOutgoingCommands); n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay never subscribed to outgoing commands")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fake.mu.Lock()
	handler := fake.subs["devices/+/ack"]
	fake.mu.Unlock()
	handler("devices/AA/ack", []byte(`{"command_id":"c1","success":true}`))
	select {
	case <-in:
	case <-time.After(time.Second):
		t.Fatalf("ack not forwarded")
	}

	body, _ := json.Marshal(bridge.OutgoingCommand{CommandID: "c1", DeviceID: "AA", Payload: json.RawMessage(`{}`)})
	if _, err := bus.Publish(ctx, bridge.ChannelOutgoingCommands, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fake.published()) != 1 {
		t.Fatalf("command not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("relay did not stop")
	}
}
