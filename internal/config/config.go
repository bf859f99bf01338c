// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - New returns a Config holding every default.
// - Load layers a YAML file and PODIUM_ environment variables over it.
// - Validation errors wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Tracing exporters.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// DefaultSeedNames are registered on first start when the store is empty.
var DefaultSeedNames = []string{
	"Rahul", "Kamal", "Sanaka", "Priya", "Amit",
	"Deepika", "Vikram", "Anjali", "Rohan", "Sneha",
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// StoreDriver selects the store: memory, sqlite or postgres.
	StoreDriver string `koanf:"store_driver"`
	// StoreDSN is the sqlite file or the postgres connection string.
	StoreDSN string `koanf:"store_dsn"`

	// QueueSize bounds the "ranking changed" notice queue.
	QueueSize int `koanf:"queue_size"`
	// BroadcastWorkers sets the number of broadcaster goroutines.
	BroadcastWorkers int `koanf:"broadcast_workers"`

	// MinPoints and MaxPoints bound the points of one claim, inclusive.
	MinPoints int64 `koanf:"min_points"`
	MaxPoints int64 `koanf:"max_points"`

	// HistoryDefaultPageSize is used when a request names no page size.
	HistoryDefaultPageSize int `koanf:"history_default_page_size"`
	// HistoryMaxPageSize caps the accepted page size.
	HistoryMaxPageSize int `koanf:"history_max_page_size"`

	// ClaimRateLimit is the number of claims per client per window. Zero
	// disables limiting.
	ClaimRateLimit    int `koanf:"claim_rate_limit"`
	ClaimRateWindowMS int `koanf:"claim_rate_window_ms"`
	// RedisAddr selects the shared Redis limiter; empty keeps it in memory.
	RedisAddr string `koanf:"redis_addr"`

	// IdempotencyCacheSize bounds the remembered Idempotency-Key results.
	IdempotencyCacheSize int `koanf:"idempotency_cache_size"`

	WSWriteTimeoutMS  int `koanf:"ws_write_timeout_ms"`
	WSPingIntervalMS  int `koanf:"ws_ping_interval_ms"`
	MutationTimeoutMS int `koanf:"mutation_timeout_ms"`

	// AllowedOrigins restricts WebSocket origins; empty allows any.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// SeedNames are registered when the store starts empty.
	SeedNames []string `koanf:"seed_names"`

	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingEndpoint     string  `koanf:"tracing_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:               "info",
		Addr:                   ":9080",
		StoreDriver:            DriverSQLite,
		StoreDSN:               "podium.db",
		QueueSize:              1024,
		BroadcastWorkers:       1,
		MinPoints:              1,
		MaxPoints:              10,
		HistoryDefaultPageSize: 10,
		HistoryMaxPageSize:     100,
		ClaimRateLimit:         60,
		ClaimRateWindowMS:      60_000,
		IdempotencyCacheSize:   10_000,
		WSWriteTimeoutMS:       5_000,
		WSPingIntervalMS:       30_000,
		MutationTimeoutMS:      5_000,
		SeedNames:              append([]string(nil), DefaultSeedNames...),
		TracingExporter:        ExporterOTLPHTTP,
		TracingSamplingRate:    1.0,
	}
}

// Validate checks the values Load cannot fix on its own.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return invalid("addr must not be empty")
	case c.StoreDriver != DriverMemory && c.StoreDriver != DriverSQLite && c.StoreDriver != DriverPostgres:
		return invalid("unknown store_driver %q", c.StoreDriver)
	case c.StoreDriver != DriverMemory && c.StoreDSN == "":
		return invalid("store_dsn must not be empty for %s", c.StoreDriver)
	case c.MinPoints < 1:
		return invalid("min_points must be >= 1")
	case c.MaxPoints < c.MinPoints:
		return invalid("max_points must be >= min_points")
	case c.HistoryDefaultPageSize < 1 || c.HistoryMaxPageSize < 1:
		return invalid("history page sizes must be positive")
	case c.HistoryDefaultPageSize > c.HistoryMaxPageSize:
		return invalid("history_default_page_size must not exceed history_max_page_size")
	case c.ClaimRateLimit < 0:
		return invalid("claim_rate_limit must not be negative")
	case c.ClaimRateLimit > 0 && c.ClaimRateWindowMS < 1:
		return invalid("claim_rate_window_ms must be positive")
	case c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1:
		return invalid("tracing_sampling_rate must be within [0,1]")
	case c.TracingEnabled && c.TracingExporter != ExporterOTLPHTTP && c.TracingExporter != ExporterOTLPGRPC:
		return invalid("unknown tracing_exporter %q", c.TracingExporter)
	}
	return nil
}

// ClaimRateWindow returns the rate limit window.
func (c *Config) ClaimRateWindow() time.Duration {
	return time.Duration(c.ClaimRateWindowMS) * time.Millisecond
}

// WSWriteTimeout returns the per-write deadline of the stream.
func (c *Config) WSWriteTimeout() time.Duration {
	return time.Duration(c.WSWriteTimeoutMS) * time.Millisecond
}

// WSPingInterval returns how often the stream pings observers.
func (c *Config) WSPingInterval() time.Duration {
	return time.Duration(c.WSPingIntervalMS) * time.Millisecond
}

// MutationTimeout bounds one register or claim.
func (c *Config) MutationTimeout() time.Duration {
	return time.Duration(c.MutationTimeoutMS) * time.Millisecond
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
