/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// EventBusBackend selects how events cross node boundaries.
type EventBusBackend string

const (
	EventBusMemory EventBusBackend = "memory"
	EventBusRedis  EventBusBackend = "redis"
	EventBusNATS   EventBusBackend = "nats"
)

// DevJWTSigningKey is accepted only outside production.
const DevJWTSigningKey = "snd-dev-signing-key"

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	JWTTTL        time.Duration
	MetricsBind   string
	Timezone      string

	// Scheduling trigger
	SchedulerCron     string
	SchedulerLookback time.Duration
	AgendaWarmCron    string

	// Delivery
	DispatchTimeout     time.Duration
	DispatchConcurrency int
	DispatchRatePerSec  float64

	// Hall displays over MQTT; empty broker disables the transport.
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	// Redis backs the agenda cache, leader election and the redis event bus.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheEnabled  bool

	EventBus EventBusBackend
	NATSURL  string

	// Multi-instance configuration
	LeaderElectionEnabled bool
	InstanceID            string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	WebhookTimeout time.Duration

	// Deprecated environment keys detected at startup
	LegacyEnvWarnings []string
}

// Load reads environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnvAny([]string{"SND_ENV", "NODE_ENV"}, "development"),
		HTTPBind:      getEnvAny([]string{"SND_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:      getEnvIntAny([]string{"SND_HTTP_PORT", "PORT"}, 8080),
		DBBackend:     DatabaseBackend(getEnvAny([]string{"SND_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:         getEnvAny([]string{"SND_DB_DSN", "DATABASE_URL"}, ""),
		JWTSigningKey: getEnvAny([]string{"SND_JWT_SIGNING_KEY", "JWT_SECRET"}, ""),
		JWTTTL:        getEnvDurationAny([]string{"SND_JWT_TTL", "JWT_EXPIRES_IN"}, 7*24*time.Hour),
		MetricsBind:   getEnvAny([]string{"SND_METRICS_BIND"}, "127.0.0.1:9000"),
		Timezone:      getEnvAny([]string{"SND_TIMEZONE", "TZ"}, "Asia/Seoul"),

		SchedulerCron:     getEnvAny([]string{"SND_SCHEDULER_CRON"}, "@every 30s"),
		SchedulerLookback: time.Duration(getEnvIntAny([]string{"SND_SCHEDULER_LOOKBACK_SECONDS"}, 90)) * time.Second,
		AgendaWarmCron:    getEnvAny([]string{"SND_AGENDA_WARM_CRON"}, "5 0 * * *"),

		DispatchTimeout:     time.Duration(getEnvIntAny([]string{"SND_DISPATCH_TIMEOUT_SECONDS"}, 60)) * time.Second,
		DispatchConcurrency: getEnvIntAny([]string{"SND_DISPATCH_CONCURRENCY"}, 8),
		DispatchRatePerSec:  getEnvFloatAny([]string{"SND_DISPATCH_RATE_PER_SECOND"}, 20),

		MQTTBroker:      getEnvAny([]string{"SND_MQTT_BROKER"}, ""),
		MQTTClientID:    getEnvAny([]string{"SND_MQTT_CLIENT_ID"}, "sndserver"),
		MQTTUsername:    getEnvAny([]string{"SND_MQTT_USERNAME"}, ""),
		MQTTPassword:    getEnvAny([]string{"SND_MQTT_PASSWORD"}, ""),
		MQTTTopicPrefix: getEnvAny([]string{"SND_MQTT_TOPIC_PREFIX"}, "snd"),

		RedisAddr:     getEnvAny([]string{"SND_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"SND_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"SND_REDIS_DB"}, 0),
		CacheEnabled:  getEnvBoolAny([]string{"SND_CACHE_ENABLED"}, false),

		EventBus: EventBusBackend(strings.ToLower(getEnvAny([]string{"SND_EVENTBUS"}, string(EventBusMemory)))),
		NATSURL:  getEnvAny([]string{"SND_NATS_URL"}, "nats://localhost:4222"),

		LeaderElectionEnabled: getEnvBoolAny([]string{"SND_LEADER_ELECTION_ENABLED"}, false),
		InstanceID:            getEnvAny([]string{"SND_INSTANCE_ID", "HOSTNAME"}, ""),

		TracingEnabled:    getEnvBoolAny([]string{"SND_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"SND_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"SND_TRACING_SAMPLE_RATE"}, 1.0),

		WebhookTimeout: time.Duration(getEnvIntAny([]string{"SND_WEBHOOK_TIMEOUT_SECONDS"}, 10)) * time.Second,
	}

	// Older deployments configure the DSN as separate DB_* parts.
	if cfg.DBDSN == "" && os.Getenv("DB_HOST") != "" {
		cfg.DBDSN = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			os.Getenv("DB_HOST"), getEnv("DB_PORT", "5432"), os.Getenv("DB_USERNAME"),
			os.Getenv("DB_PASSWORD"), os.Getenv("DB_DATABASE"))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()
	return cfg, nil
}

// CronParser accepts five-field specs, an optional leading seconds field
// and descriptors such as "@every 30s".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c *Config) validate() error {
	switch c.DBBackend {
	case DatabasePostgres, DatabaseMySQL, DatabaseSQLite:
	default:
		return fmt.Errorf("unsupported database backend %q", c.DBBackend)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("SND_DB_DSN must be provided")
	}
	if c.JWTSigningKey == "" {
		return fmt.Errorf("SND_JWT_SIGNING_KEY must be provided")
	}
	if c.IsProduction() && c.JWTSigningKey == DevJWTSigningKey {
		return fmt.Errorf("SND_JWT_SIGNING_KEY must not use the development key in production")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid SND_TIMEZONE %q: %w", c.Timezone, err)
	}
	if _, err := CronParser.Parse(c.SchedulerCron); err != nil {
		return fmt.Errorf("invalid SND_SCHEDULER_CRON %q: %w", c.SchedulerCron, err)
	}
	if _, err := CronParser.Parse(c.AgendaWarmCron); err != nil {
		return fmt.Errorf("invalid SND_AGENDA_WARM_CRON %q: %w", c.AgendaWarmCron, err)
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("SND_DISPATCH_CONCURRENCY must be positive")
	}
	switch c.EventBus {
	case EventBusMemory, EventBusRedis, EventBusNATS:
	default:
		return fmt.Errorf("unsupported event bus %q", c.EventBus)
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Location returns the configured organization time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"NODE_ENV":       "use SND_ENV",
		"JWT_SECRET":     "use SND_JWT_SIGNING_KEY",
		"JWT_EXPIRES_IN": "use SND_JWT_TTL",
		"DB_HOST":        "use SND_DB_DSN",
		"PORT":           "use SND_HTTP_PORT",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				return true
			case "0", "false", "no", "off":
				return false
			}
		}
	}
	return def
}

func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny accepts Go durations ("12h") and the "7d" day suffix
// used by older deployments.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		if days, ok := strings.CutSuffix(v, "d"); ok {
			if n, err := strconv.Atoi(days); err == nil && n > 0 {
				return time.Duration(n) * 24 * time.Hour
			}
		}
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
