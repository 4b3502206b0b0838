// Package config loads engine and binary configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the binaries need, loaded from the environment.
type Config struct {
	// Env is the deployment environment ("development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zerolog level name (e.g. "info", "debug").
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DatabaseURL is the Postgres DSN for the durable token store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr selects the Redis token store when DatabaseURL is unset.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis AUTH password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	// TokenTTL is the nominal token lifetime (Go duration, e.g. "168h").
	TokenTTL string `mapstructure:"TOKEN_TTL"`
	// TokenGracePeriod extends expiry for rotation only (e.g. "5m").
	TokenGracePeriod string `mapstructure:"TOKEN_GRACE_PERIOD"`
	// GenerationCeiling caps rotation depth within a family.
	GenerationCeiling int `mapstructure:"GENERATION_CEILING"`
	// SuspicionDecay is subtracted from the inherited suspicion baseline on
	// each rotation.
	SuspicionDecay int `mapstructure:"SUSPICION_DECAY"`

	// Argon2Time, Argon2MemoryKiB and Argon2Threads tune the hashing
	// provider; zero values select the provider defaults.
	Argon2Time      int `mapstructure:"ARGON2_TIME"`
	Argon2MemoryKiB int `mapstructure:"ARGON2_MEMORY_KIB"`
	Argon2Threads   int `mapstructure:"ARGON2_THREADS"`

	// ContainmentPolicy selects the evaluator: "static" or "opa".
	ContainmentPolicy string `mapstructure:"CONTAINMENT_POLICY"`
	// ContainmentRego overrides the embedded Rego module when set.
	ContainmentRego string `mapstructure:"CONTAINMENT_REGO"`

	// ReaperInterval is the sweep/purge cadence (e.g. "15m").
	ReaperInterval string `mapstructure:"REAPER_INTERVAL"`
	// RetentionDays is how long terminal records are kept before the purge.
	RetentionDays int `mapstructure:"RETENTION_DAYS"`

	// KafkaBrokers is a comma-separated broker list; empty disables the
	// Kafka security-event notifier.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SecurityKafkaTopic is the topic security events are produced to.
	SecurityKafkaTopic string `mapstructure:"SECURITY_KAFKA_TOPIC"`
	// KafkaGroupID is the audit relay's consumer group.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the audit relay pushes events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint enables OpenTelemetry export when set (host:port).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. A missing .env is ignored; environment variables override it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("TOKEN_TTL", "168h") // 7d
	v.SetDefault("TOKEN_GRACE_PERIOD", "5m")
	v.SetDefault("GENERATION_CEILING", 1000)
	v.SetDefault("SUSPICION_DECAY", 10)
	v.SetDefault("ARGON2_TIME", 0)
	v.SetDefault("ARGON2_MEMORY_KIB", 0)
	v.SetDefault("ARGON2_THREADS", 0)
	v.SetDefault("CONTAINMENT_POLICY", "static")
	v.SetDefault("CONTAINMENT_REGO", "")
	v.SetDefault("REAPER_INTERVAL", "15m")
	v.SetDefault("RETENTION_DAYS", 30)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_KAFKA_TOPIC", "tokenkin-security")
	v.SetDefault("KAFKA_GROUP_ID", "tokenkin-auditrelay")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GenerationCeiling <= 0 {
		return nil, errors.New("config: GENERATION_CEILING must be positive")
	}
	if cfg.RetentionDays <= 0 {
		return nil, errors.New("config: RETENTION_DAYS must be positive")
	}
	switch cfg.ContainmentPolicy {
	case "static", "opa":
	default:
		return nil, errors.New("config: CONTAINMENT_POLICY must be static or opa")
	}

	return &cfg, nil
}

// TTL parses TokenTTL. Returns 168h if unset or invalid.
func (c *Config) TTL() time.Duration {
	d, err := time.ParseDuration(c.TokenTTL)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}

// GracePeriod parses TokenGracePeriod. Returns 5m if unset or invalid.
func (c *Config) GracePeriod() time.Duration {
	d, err := time.ParseDuration(c.TokenGracePeriod)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// SweepInterval parses ReaperInterval. Returns 15m if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.ReaperInterval)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// Retention converts RetentionDays to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// KafkaBrokersList splits the comma-separated broker config. An empty list
// means the Kafka notifier is disabled.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
