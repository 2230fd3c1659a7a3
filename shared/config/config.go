package config

import (
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	RateLimitRPS     float64
	RateLimitBurst   int
	CORSOrigins      []string
	AuditEnabled     bool
	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	DBAutoMigrate    bool

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64

	BridgeDriver              string
	BridgeChannelPrefix       string
	BridgeReconnectBaseMS     int
	BridgeReconnectMaxMS      int
	BridgeReconnectMaxRetries int
	NATSURL                   string

	MQTTBrokerHost string
	MQTTBrokerPort int
	MQTTTLS        bool
	MQTTUsername   string
	MQTTPassword   string
	MQTTClientID   string
	MQTTQoS        int

	EngineDeferSec        int
	EngineMaxExecutingSec int
	CommandTimeoutSec     int
	CommandMaxRetries     int

	SweepCommandIntervalSec int
	SweepIntervalSec        int
	SweepStuckHours         float64
	SweepRetryWindowMin     int
	DeviceOnlineWindowSec   int
	SchedulerTimezone       string

	HealthCheckTimeoutMS int
	HeartbeatIntervalSec int
	HeartbeatStaleSec    int
}

func defaults(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,

		JWKSTTLSeconds:  300,
		JWTClockSkewSec: 60,
		RateLimitRPS:    5,
		RateLimitBurst:  10,

		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		AsynqQueue:       "default",
		AsynqConcurrency: 10,

		OutboxScanSec:     5,
		OutboxBatchSize:   50,
		OutboxMaxAttempts: 20,

		InfluxTimeoutMS: 5000,

		OtelInsecure:    true,
		OtelSampleRatio: 1.0,

		BridgeDriver:              "redis",
		BridgeReconnectBaseMS:     1000,
		BridgeReconnectMaxMS:      60000,
		BridgeReconnectMaxRetries: 10,
		NATSURL:                   "nats://localhost:4222",

		MQTTBrokerHost: "localhost",
		MQTTBrokerPort: 1883,
		MQTTClientID:   "pond-bridge",
		MQTTQoS:        2,

		EngineDeferSec:        60,
		EngineMaxExecutingSec: 7200,
		CommandTimeoutSec:     10,
		CommandMaxRetries:     3,

		SweepCommandIntervalSec: 30,
		SweepIntervalSec:        300,
		SweepStuckHours:         1,
		SweepRetryWindowMin:     60,
		DeviceOnlineWindowSec:   30,
		SchedulerTimezone:       "UTC",

		HealthCheckTimeoutMS: 3000,
		HeartbeatIntervalSec: 30,
		HeartbeatStaleSec:    120,
	}
}

func validate(cfg *Config, def Config, problems *[]Problem) {
	positive := []struct {
		field string
		v     *int
		def   int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, def.RequestTimeoutMS},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, def.JWKSTTLSeconds},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst, def.RateLimitBurst},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, def.DBMaxConns},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, def.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, def.DBConnMaxLifeSec},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, def.KafkaWriteMS},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, def.AsynqConcurrency},
		{"OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, def.OutboxScanSec},
		{"OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, def.OutboxBatchSize},
		{"OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, def.OutboxMaxAttempts},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, def.InfluxTimeoutMS},
		{"BRIDGE_RECONNECT_BASE_MS", &cfg.BridgeReconnectBaseMS, def.BridgeReconnectBaseMS},
		{"BRIDGE_RECONNECT_MAX_MS", &cfg.BridgeReconnectMaxMS, def.BridgeReconnectMaxMS},
		{"ENGINE_DEFER_SECONDS", &cfg.EngineDeferSec, def.EngineDeferSec},
		{"ENGINE_MAX_EXECUTING_SECONDS", &cfg.EngineMaxExecutingSec, def.EngineMaxExecutingSec},
		{"COMMAND_TIMEOUT_SECONDS", &cfg.CommandTimeoutSec, def.CommandTimeoutSec},
		{"SWEEP_COMMAND_TIMEOUT_INTERVAL_SECONDS", &cfg.SweepCommandIntervalSec, def.SweepCommandIntervalSec},
		{"SWEEP_INTERVAL_SECONDS", &cfg.SweepIntervalSec, def.SweepIntervalSec},
		{"SWEEP_RETRY_WINDOW_MINUTES", &cfg.SweepRetryWindowMin, def.SweepRetryWindowMin},
		{"DEVICE_ONLINE_WINDOW_SECONDS", &cfg.DeviceOnlineWindowSec, def.DeviceOnlineWindowSec},
		{"HEALTH_CHECK_TIMEOUT_MS", &cfg.HealthCheckTimeoutMS, def.HealthCheckTimeoutMS},
		{"HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatIntervalSec, def.HeartbeatIntervalSec},
		{"HEARTBEAT_STALE_SECONDS", &cfg.HeartbeatStaleSec, def.HeartbeatStaleSec},
	}
	for _, p := range positive {
		if *p.v <= 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be > 0"})
			*p.v = p.def
		}
	}

	nonNegative := []struct {
		field string
		v     *int
		def   int
	}{
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, def.JWTClockSkewSec},
		{"DB_MIN_CONNS", &cfg.DBMinConns, def.DBMinConns},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, def.KafkaRetryMax},
		{"REDIS_DB", &cfg.RedisDB, def.RedisDB},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, def.AsynqRedisDB},
		{"BRIDGE_RECONNECT_MAX_RETRIES", &cfg.BridgeReconnectMaxRetries, def.BridgeReconnectMaxRetries},
		{"COMMAND_MAX_RETRIES", &cfg.CommandMaxRetries, def.CommandMaxRetries},
	}
	for _, p := range nonNegative {
		if *p.v < 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be >= 0"})
			*p.v = p.def
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = def.HTTPPort
	}
	if cfg.MQTTBrokerPort <= 0 || cfg.MQTTBrokerPort > 65535 {
		*problems = append(*problems, Problem{Field: "MQTT_BROKER_PORT", Message: "MQTT_BROKER_PORT must be 1-65535"})
		cfg.MQTTBrokerPort = def.MQTTBrokerPort
	}
	if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
		*problems = append(*problems, Problem{Field: "MQTT_QOS", Message: "MQTT_QOS must be 0-2"})
		cfg.MQTTQoS = def.MQTTQoS
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.BridgeReconnectBaseMS > cfg.BridgeReconnectMaxMS {
		*problems = append(*problems, Problem{Field: "BRIDGE_RECONNECT_BASE_MS", Message: "BRIDGE_RECONNECT_BASE_MS must be <= BRIDGE_RECONNECT_MAX_MS"})
		cfg.BridgeReconnectBaseMS = def.BridgeReconnectBaseMS
		cfg.BridgeReconnectMaxMS = def.BridgeReconnectMaxMS
	}
	switch strings.ToLower(cfg.BridgeDriver) {
	case "redis", "nats", "memory":
		cfg.BridgeDriver = strings.ToLower(cfg.BridgeDriver)
	default:
		*problems = append(*problems, Problem{Field: "BRIDGE_DRIVER", Message: "BRIDGE_DRIVER must be redis, nats or memory"})
		cfg.BridgeDriver = def.BridgeDriver
	}
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = def.RateLimitRPS
	}
	if cfg.SweepStuckHours <= 0 {
		*problems = append(*problems, Problem{Field: "SWEEP_STUCK_EXECUTION_HOURS", Message: "SWEEP_STUCK_EXECUTION_HOURS must be > 0"})
		cfg.SweepStuckHours = def.SweepStuckHours
	}
	if _, err := time.LoadLocation(cfg.SchedulerTimezone); err != nil {
		*problems = append(*problems, Problem{Field: "SCHEDULER_TIMEZONE", Message: "SCHEDULER_TIMEZONE must be an IANA zone name"})
		cfg.SchedulerTimezone = def.SchedulerTimezone
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = def.OtelSampleRatio
	}
}

// Location returns the scheduler wall clock zone. Load already validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) StuckExecutionCutoff() time.Duration {
	return time.Duration(c.SweepStuckHours * float64(time.Hour))
}
