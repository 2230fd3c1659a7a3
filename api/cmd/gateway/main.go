// gateway bridges the device MQTT broker and the internal message bus.
package main

import (
	"context"
	"log/slog"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/app"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/gateway"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/health"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/cachex"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/mqttx"
)

// uplinkQoS matches what the field firmware publishes with.
const uplinkQoS = 1

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	rt := app.Boot(ctx, "gateway", 8084, app.NeedMQTT)
	defer rt.Close()
	cfg, logger := rt.Config, rt.Log

	transport, err := bridge.Open(cfg, logger)
	if err != nil {
		rt.Fatal("bridge_init_failed", "device bridge init failed", err)
	}
	defer transport.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		rt.Fatal("redis_init_failed", "redis init failed", err)
	}
	defer cache.Close()

	mqttCfg := mqttx.FromConfig(cfg)
	client, err := mqttx.Connect(mqttCfg, logger)
	if err != nil {
		rt.Fatal("mqtt_init_failed", "mqtt connect failed", err)
	}
	defer client.Close()
	logger.Info(ctx, "mqtt_connected", "connected to broker",
		slog.String("broker", mqttCfg.BrokerURL()),
		slog.String("client_id", mqttCfg.ClientID),
	)

	relay := gateway.New(client, transport, uplinkQoS, logger, nil)

	stopOps := rt.ServeOps(ctx, rt.Checker(
		health.Ping("mqtt", client, true),
		health.Ping("bridge", transport, true),
		health.Ping("redis", cache, false),
		health.Subscribers(transport, bridge.ChannelIncomingMessages),
	))
	defer stopOps()
	rt.KeepAlive(ctx, cache, "gateway")

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "gateway_start", "gateway started",
			slog.String("bridge_driver", cfg.BridgeDriver),
			slog.Any("uplink_topics", gateway.UplinkTopics()),
		)
		errCh <- relay.Run(ctx)
	}()

	if err := rt.Wait(ctx, errCh); err != nil {
		rt.Fatal("gateway_failed", "relay stopped", err)
	}
	stop()
	logger.Info(context.Background(), "gateway_stop", "gateway stopped")
}
