// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Reference table sources
const (
	RefdataEmbedded = "embedded"
	RefdataFile     = "file"
	RefdataPostgres = "postgres"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	KafkaBrokers          string        `mapstructure:"KAFKA_BROKERS"`
	APIKeys               string        `mapstructure:"API_KEYS"`
	RefdataSource         string        `mapstructure:"REFDATA_SOURCE"`
	RefdataPath           string        `mapstructure:"REFDATA_PATH"`
	RefdataReloadInterval time.Duration `mapstructure:"REFDATA_RELOAD_INTERVAL"`
	ConfidenceThreshold   float64       `mapstructure:"CONFIDENCE_THRESHOLD"`
	BatchWorkers          int           `mapstructure:"BATCH_WORKERS"`
	BatchMaxDocuments     int           `mapstructure:"BATCH_MAX_DOCUMENTS"`
	CacheMaxEntries       int64         `mapstructure:"CACHE_MAX_ENTRIES"`
	OTLPEndpoint          string        `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled        bool          `mapstructure:"TRACING_ENABLED"`
	TraceSampleRate       float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	WorkerGroupID         string        `mapstructure:"WORKER_GROUP_ID"`
	WorkerConcurrency     int           `mapstructure:"WORKER_CONCURRENCY"`
	OutboxPollInterval    time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"KAFKA_BROKERS", "API_KEYS",
	"REFDATA_SOURCE", "REFDATA_PATH", "REFDATA_RELOAD_INTERVAL",
	"CONFIDENCE_THRESHOLD", "BATCH_WORKERS", "BATCH_MAX_DOCUMENTS", "CACHE_MAX_ENTRIES",
	"OTLP_ENDPOINT", "TRACING_ENABLED", "TRACE_SAMPLE_RATE",
	"WORKER_GROUP_ID", "WORKER_CONCURRENCY", "OUTBOX_POLL_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KAFKA_BROKERS", "localhost:19092")
	v.SetDefault("REFDATA_SOURCE", RefdataEmbedded)
	v.SetDefault("REFDATA_RELOAD_INTERVAL", "5m")
	v.SetDefault("CONFIDENCE_THRESHOLD", 0.8)
	v.SetDefault("BATCH_WORKERS", 8)
	v.SetDefault("BATCH_MAX_DOCUMENTS", 100)
	v.SetDefault("CACHE_MAX_ENTRIES", 10000)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("WORKER_GROUP_ID", "rxparse-worker")
	v.SetDefault("WORKER_CONCURRENCY", 16)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.ConfidenceThreshold))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	if c.BatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.BatchWorkers))
	}
	if c.BatchMaxDocuments < 1 {
		errs = append(errs, fmt.Errorf("BATCH_MAX_DOCUMENTS must be positive, got %d", c.BatchMaxDocuments))
	}
	if c.CacheMaxEntries < 0 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_ENTRIES must not be negative, got %d", c.CacheMaxEntries))
	}
	switch c.RefdataSource {
	case RefdataEmbedded:
	case RefdataFile:
		if c.RefdataPath == "" {
			errs = append(errs, errors.New("REFDATA_PATH is required when REFDATA_SOURCE is \"file\""))
		}
	case RefdataPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when REFDATA_SOURCE is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("REFDATA_SOURCE must be embedded, file or postgres, got %q", c.RefdataSource))
	}
	if _, err := parseAPIKeys(c.APIKeys); err != nil {
		errs = append(errs, err)
	}
	if c.IsProduction() && c.APIKeys == "" {
		errs = append(errs, errors.New("API_KEYS is required in production"))
	}
	return errors.Join(errs...)
}

// RequireDatabase fails for services that cannot run without Postgres
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// Brokers splits KAFKA_BROKERS on commas
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// APIKeyMap parses API_KEYS ("key:client,key:client") into key -> client
func (c *Config) APIKeyMap() map[string]string {
	m, _ := parseAPIKeys(c.APIKeys)
	return m
}

func parseAPIKeys(s string) (map[string]string, error) {
	m := make(map[string]string)
	for _, pair := range splitList(s) {
		key, client, ok := strings.Cut(pair, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		m[key] = client
	}
	return m, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
