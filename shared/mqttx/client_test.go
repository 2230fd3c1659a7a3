package mqttx

import (
	"errors"
	"strings"
	"testing"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
)

func TestFromConfig(t *testing.T) {
	cfg := config.Config{
		MQTTBrokerHost: "broker.local",
		MQTTBrokerPort: 8883,
		MQTTTLS:        true,
		MQTTClientID:   "pond-gw",
		MQTTQoS:        1,
	}
	got := FromConfig(cfg)
	if got.BrokerURL() != "ssl://broker.local:8883" {
		t.Fatalf("unexpected broker url %s", got.BrokerURL())
	}
	if got.QoS != 1 || got.ClientID != "pond-gw" {
		t.Fatalf("unexpected config %+v", got)
	}

	got.TLS = false
	if got.BrokerURL() != "tcp://broker.local:8883" {
		t.Fatalf("unexpected broker url %s", got.BrokerURL())
	}
}

func TestValidatePublish(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"ok", "devices/AA:BB/commands", []byte("{}"), 2, nil},
		{"empty topic", "", nil, 1, ErrInvalidTopic},
		{"wildcard", "devices/+/commands", nil, 1, ErrInvalidTopic},
		{"qos", "devices/x/commands", nil, 3, ErrInvalidQoS},
		{"too large", "devices/x/commands", []byte(strings.Repeat("x", maxPayloadBytes+1)), 1, ErrPayloadTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePublish(tc.topic, tc.payload, tc.qos)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateFilter(t *testing.T) {
	for _, ok := range []string{"ff/+/ack", "devices/#", "ff/+/+", "#"} {
		if err := validateFilter(ok); err != nil {
			t.Fatalf("%s rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "ff/#/ack", "ff/a+/ack", "devices/x#"} {
		if err := validateFilter(bad); !errors.Is(err, ErrInvalidTopic) {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestClosedClientIsNotConnected(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
	if err := (&Client{}).Publish("devices/x/commands", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
