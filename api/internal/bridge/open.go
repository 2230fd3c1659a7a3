package bridge

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

// PolicyFromConfig reads the reconnect settings, keeping DefaultReconnect
// for any duration left unset.
func PolicyFromConfig(cfg config.Config) ReconnectPolicy {
	p := DefaultReconnect
	if cfg.BridgeReconnectBaseMS > 0 {
		p.Base = time.Duration(cfg.BridgeReconnectBaseMS) * time.Millisecond
	}
	if cfg.BridgeReconnectMaxMS > 0 {
		p.Max = time.Duration(cfg.BridgeReconnectMaxMS) * time.Millisecond
	}
	p.MaxRetries = uint64(cfg.BridgeReconnectMaxRetries)
	return p
}

// Open builds the Transport selected by BRIDGE_DRIVER.
func Open(cfg config.Config, log logx.Logger) (Transport, error) {
	policy := PolicyFromConfig(cfg)
	switch cfg.BridgeDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(client, cfg.BridgeChannelPrefix, policy, log), nil
	case "nats":
		return DialNATS(cfg.NATSURL, cfg.ServiceName, cfg.BridgeChannelPrefix, policy, log)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("bridge: unknown driver %q", cfg.BridgeDriver)
}
