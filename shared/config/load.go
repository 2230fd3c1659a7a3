package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load layers configuration in order: built-in defaults, then the file at
// CONFIG_PATH (or configs/{ENV}.yaml found above the working directory), then
// environment variables. Problems are returned rather than treated as fatal
// so each binary decides how to react; invalid values fall back to defaults.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	def := defaults(serviceNameDefault, httpPortDefault)
	cfg := def
	var problems []Problem

	env := strings.TrimSpace(os.Getenv("ENV"))
	explicitPath := strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	cfg.ConfigPath = explicitPath
	if cfg.ConfigPath == "" && env != "" {
		cfg.ConfigPath = envFile(env)
	}

	if cfg.ConfigPath != "" {
		values, err := readFile(cfg.ConfigPath)
		switch {
		case errors.Is(err, fs.ErrNotExist) && explicitPath == "":
		case err != nil:
			problems = append(problems, Problem{Field: "CONFIG_PATH", Message: err.Error()})
		default:
			problems = apply(&cfg, func(key string) (string, bool) {
				v, ok := values[key]
				return v, ok
			}, problems)
		}
	}
	problems = apply(&cfg, lookupEnv, problems)

	if env != "" {
		cfg.Env = env
	}
	if cfg.Env == "" {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
		cfg.Env = "dev"
	}
	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.AsynqRedisAddr == "" {
		cfg.AsynqRedisAddr = cfg.RedisAddr
		cfg.AsynqRedisPass = cfg.RedisPassword
	}

	validate(&cfg, def, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

// lookupEnv reads one key from the process environment. PORT is accepted as
// a fallback for HTTP_PORT.
func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" && key == "HTTP_PORT" {
		v = strings.TrimSpace(os.Getenv("PORT"))
	}
	return v, v != ""
}

func apply(cfg *Config, lookup func(string) (string, bool), problems []Problem) []Problem {
	for _, b := range bindings(cfg) {
		raw, ok := lookup(b.key)
		if !ok {
			continue
		}
		if err := b.set(raw); err != nil {
			problems = append(problems, Problem{Field: b.key, Message: b.key + " " + err.Error()})
		}
	}
	return problems
}

// envFile looks for configs/{env}.yaml in the working directory or one of
// its parents.
func envFile(env string) string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for depth := 0; depth < 8; depth++ {
		for _, ext := range []string{".yaml", ".yml", ".json"} {
			candidate := filepath.Join(dir, "configs", env+ext)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// readFile decodes a YAML or JSON file into upper-cased keys with string
// values, so file and environment values share one parser. Lists become
// comma-separated.
func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch t := v.(type) {
		case nil:
		case []any:
			items := make([]string, 0, len(t))
			for _, item := range t {
				items = append(items, fmt.Sprint(item))
			}
			out[key] = strings.Join(items, ",")
		case map[string]any:
			return nil, fmt.Errorf("%s: nested values are not supported", key)
		default:
			out[key] = strings.TrimSpace(fmt.Sprint(t))
		}
	}
	return out, nil
}

type binding struct {
	key string
	set func(string) error
}

var (
	errInteger = errors.New("must be an integer")
	errNumber  = errors.New("must be a number")
	errBool    = errors.New("must be a boolean")
)

func text(dst *string) func(string) error {
	return func(v string) error {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errInteger
		}
		*dst = n
		return nil
	}
}

func number(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return errNumber
		}
		*dst = f
		return nil
	}
}

func flag(dst *bool) func(string) error {
	return func(v string) error {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			*dst = true
		case "0", "false", "no", "n", "off":
			*dst = false
		default:
			return errBool
		}
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		*dst = parseCSV(v)
		return nil
	}
}

func parseCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func bindings(cfg *Config) []binding {
	return []binding{
		{"ENV", text(&cfg.Env)},
		{"SERVICE_NAME", text(&cfg.ServiceName)},
		{"HTTP_PORT", integer(&cfg.HTTPPort)},
		{"LOG_LEVEL", text(&cfg.LogLevel)},
		{"REQUEST_TIMEOUT_MS", integer(&cfg.RequestTimeoutMS)},
		{"OIDC_ISSUER", text(&cfg.OIDCIssuer)},
		{"OIDC_AUDIENCE", text(&cfg.OIDCAudience)},
		{"OIDC_JWKS_URL", text(&cfg.OIDCJWKSURL)},
		{"JWKS_CACHE_TTL_SECONDS", integer(&cfg.JWKSTTLSeconds)},
		{"JWT_CLOCK_SKEW_SECONDS", integer(&cfg.JWTClockSkewSec)},
		{"RATE_LIMIT_RPS", number(&cfg.RateLimitRPS)},
		{"RATE_LIMIT_BURST", integer(&cfg.RateLimitBurst)},
		{"CORS_ALLOWED_ORIGINS", list(&cfg.CORSOrigins)},
		{"AUDIT_ENABLED", flag(&cfg.AuditEnabled)},
		{"DATABASE_URL", text(&cfg.DatabaseURL)},
		{"DB_MAX_CONNS", integer(&cfg.DBMaxConns)},
		{"DB_MIN_CONNS", integer(&cfg.DBMinConns)},
		{"DB_CONN_MAX_IDLE_SECONDS", integer(&cfg.DBConnMaxIdleSec)},
		{"DB_CONN_MAX_LIFETIME_SECONDS", integer(&cfg.DBConnMaxLifeSec)},
		{"DB_AUTO_MIGRATE", flag(&cfg.DBAutoMigrate)},
		{"KAFKA_BROKERS", list(&cfg.KafkaBrokers)},
		{"KAFKA_CLIENT_ID", text(&cfg.KafkaClientID)},
		{"KAFKA_RETRY_MAX", integer(&cfg.KafkaRetryMax)},
		{"KAFKA_WRITE_TIMEOUT_MS", integer(&cfg.KafkaWriteMS)},
		{"REDIS_ADDR", text(&cfg.RedisAddr)},
		{"REDIS_PASSWORD", text(&cfg.RedisPassword)},
		{"REDIS_DB", integer(&cfg.RedisDB)},
		{"ASYNQ_REDIS_ADDR", text(&cfg.AsynqRedisAddr)},
		{"ASYNQ_REDIS_PASSWORD", text(&cfg.AsynqRedisPass)},
		{"ASYNQ_REDIS_DB", integer(&cfg.AsynqRedisDB)},
		{"ASYNQ_QUEUE", text(&cfg.AsynqQueue)},
		{"ASYNQ_CONCURRENCY", integer(&cfg.AsynqConcurrency)},
		{"OUTBOX_SCAN_INTERVAL_SECONDS", integer(&cfg.OutboxScanSec)},
		{"OUTBOX_BATCH_SIZE", integer(&cfg.OutboxBatchSize)},
		{"OUTBOX_MAX_ATTEMPTS", integer(&cfg.OutboxMaxAttempts)},
		{"INFLUX_URL", text(&cfg.InfluxURL)},
		{"INFLUX_TOKEN", text(&cfg.InfluxToken)},
		{"INFLUX_ORG", text(&cfg.InfluxOrg)},
		{"INFLUX_BUCKET", text(&cfg.InfluxBucket)},
		{"INFLUX_TIMEOUT_MS", integer(&cfg.InfluxTimeoutMS)},
		{"OTEL_ENABLED", flag(&cfg.OtelEnabled)},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", text(&cfg.OtelEndpoint)},
		{"OTEL_EXPORTER_OTLP_INSECURE", flag(&cfg.OtelInsecure)},
		{"OTEL_SAMPLE_RATIO", number(&cfg.OtelSampleRatio)},
		{"BRIDGE_DRIVER", text(&cfg.BridgeDriver)},
		{"BRIDGE_CHANNEL_PREFIX", text(&cfg.BridgeChannelPrefix)},
		{"BRIDGE_RECONNECT_BASE_MS", integer(&cfg.BridgeReconnectBaseMS)},
		{"BRIDGE_RECONNECT_MAX_MS", integer(&cfg.BridgeReconnectMaxMS)},
		{"BRIDGE_RECONNECT_MAX_RETRIES", integer(&cfg.BridgeReconnectMaxRetries)},
		{"NATS_URL", text(&cfg.NATSURL)},
		{"MQTT_BROKER_HOST", text(&cfg.MQTTBrokerHost)},
		{"MQTT_BROKER_PORT", integer(&cfg.MQTTBrokerPort)},
		{"MQTT_TLS", flag(&cfg.MQTTTLS)},
		{"MQTT_USERNAME", text(&cfg.MQTTUsername)},
		{"MQTT_PASSWORD", text(&cfg.MQTTPassword)},
		{"MQTT_CLIENT_ID", text(&cfg.MQTTClientID)},
		{"MQTT_QOS", integer(&cfg.MQTTQoS)},
		{"ENGINE_DEFER_SECONDS", integer(&cfg.EngineDeferSec)},
		{"ENGINE_MAX_EXECUTING_SECONDS", integer(&cfg.EngineMaxExecutingSec)},
		{"COMMAND_TIMEOUT_SECONDS", integer(&cfg.CommandTimeoutSec)},
		{"COMMAND_MAX_RETRIES", integer(&cfg.CommandMaxRetries)},
		{"SWEEP_COMMAND_TIMEOUT_INTERVAL_SECONDS", integer(&cfg.SweepCommandIntervalSec)},
		{"SWEEP_INTERVAL_SECONDS", integer(&cfg.SweepIntervalSec)},
		{"SWEEP_STUCK_EXECUTION_HOURS", number(&cfg.SweepStuckHours)},
		{"SWEEP_RETRY_WINDOW_MINUTES", integer(&cfg.SweepRetryWindowMin)},
		{"DEVICE_ONLINE_WINDOW_SECONDS", integer(&cfg.DeviceOnlineWindowSec)},
		{"SCHEDULER_TIMEZONE", text(&cfg.SchedulerTimezone)},
		{"HEALTH_CHECK_TIMEOUT_MS", integer(&cfg.HealthCheckTimeoutMS)},
		{"HEARTBEAT_INTERVAL_SECONDS", integer(&cfg.HeartbeatIntervalSec)},
		{"HEARTBEAT_STALE_SECONDS", integer(&cfg.HeartbeatStaleSec)},
	}
}
