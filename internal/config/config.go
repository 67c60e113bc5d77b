// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads stepgraph settings from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sgerrors "github.com/tombee/stepgraph/pkg/errors"
	"github.com/tombee/stepgraph/pkg/graph"
)

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Tracing exporters.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Config is the complete stepgraph configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Retry      RetryConfig      `yaml:"retry"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Execution  ExecutionConfig  `yaml:"execution"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line to log entries.
	AddSource bool `yaml:"add_source"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	// Backend is one of memory, file, sqlite, postgres, redis.
	// Environment: STEPGRAPH_CHECKPOINT_BACKEND
	Backend string `yaml:"backend"`

	// Dir is where the file backend writes checkpoints.
	// Environment: STEPGRAPH_CHECKPOINT_DIR
	Dir string `yaml:"dir,omitempty"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	// Path is the database file.
	// Environment: STEPGRAPH_SQLITE_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging.
	WAL bool `yaml:"wal"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// ConnectionString is the PostgreSQL connection URL.
	// Environment: STEPGRAPH_POSTGRES_URL
	ConnectionString string `yaml:"connection_string,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	// Addr is host:port.
	// Environment: STEPGRAPH_REDIS_ADDR
	Addr string `yaml:"addr,omitempty"`

	// Password may also be set with STEPGRAPH_REDIS_PASSWORD.
	Password string `yaml:"password,omitempty"`

	DB     int           `yaml:"db,omitempty"`
	Prefix string        `yaml:"prefix,omitempty"`
	TTL    time.Duration `yaml:"ttl,omitempty"`
}

// RetryConfig is the default retry policy for graphs built by the CLI.
type RetryConfig struct {
	// MaxAttempts is the total attempts per task. 1 disables retries.
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Jitter          bool          `yaml:"jitter"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter is one of none, stdout, otlp-grpc, otlp-http.
	// Environment: STEPGRAPH_TRACING_EXPORTER
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector address.
	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for OTLP exporters.
	Insecure bool `yaml:"insecure"`

	// SampleRate is the fraction of traces recorded, 0 to 1.
	SampleRate float64 `yaml:"sample_rate"`

	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// MetricsAddr serves Prometheus metrics when set (e.g. ":9464").
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// ExecutionConfig bounds graph runs.
type ExecutionConfig struct {
	// RecursionLimit caps super-steps per invocation.
	RecursionLimit int `yaml:"recursion_limit"`

	// Timeout bounds a single CLI invocation. Zero means no limit.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendSQLite,
			Dir:     filepath.Join(DataDir(), "checkpoints"),
			SQLite: SQLiteConfig{
				Path: filepath.Join(DataDir(), "stepgraph.db"),
				WAL:  true,
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:     1,
			InitialInterval: 500 * time.Millisecond,
			BackoffFactor:   2,
			MaxInterval:     128 * time.Second,
			Jitter:          true,
		},
		Tracing: TracingConfig{
			Exporter:    ExporterNone,
			SampleRate:  1.0,
			ServiceName: "stepgraph",
		},
		Execution: ExecutionConfig{
			RecursionLimit: graph.DefaultRecursionLimit,
		},
	}
}

// Load reads the file at path (if any), fills defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &sgerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = defaults.Checkpoint.Backend
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = defaults.Checkpoint.Dir
	}
	if c.Checkpoint.SQLite.Path == "" {
		c.Checkpoint.SQLite.Path = defaults.Checkpoint.SQLite.Path
	}
	if c.Checkpoint.Redis.Addr == "" {
		c.Checkpoint.Redis.Addr = defaults.Checkpoint.Redis.Addr
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = defaults.Retry.InitialInterval
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = defaults.Retry.BackoffFactor
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = defaults.Retry.MaxInterval
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}

	if c.Execution.RecursionLimit == 0 {
		c.Execution.RecursionLimit = defaults.Execution.RecursionLimit
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("STEPGRAPH_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("STEPGRAPH_CHECKPOINT_BACKEND"); val != "" {
		c.Checkpoint.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("STEPGRAPH_CHECKPOINT_DIR"); val != "" {
		c.Checkpoint.Dir = val
	}
	if val := os.Getenv("STEPGRAPH_SQLITE_PATH"); val != "" {
		c.Checkpoint.SQLite.Path = val
	}
	if val := os.Getenv("STEPGRAPH_POSTGRES_URL"); val != "" {
		c.Checkpoint.Postgres.ConnectionString = val
	}
	if val := os.Getenv("STEPGRAPH_REDIS_ADDR"); val != "" {
		c.Checkpoint.Redis.Addr = val
	}
	if val := os.Getenv("STEPGRAPH_REDIS_PASSWORD"); val != "" {
		c.Checkpoint.Redis.Password = val
	}

	if val := os.Getenv("STEPGRAPH_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Retry.MaxAttempts = n
		}
	}

	if val := os.Getenv("STEPGRAPH_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
	if val := os.Getenv("OTEL_SERVICE_NAME"); val != "" {
		c.Tracing.ServiceName = val
	}

	if val := os.Getenv("STEPGRAPH_RECURSION_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Execution.RecursionLimit = n
		}
	}
	if val := os.Getenv("STEPGRAPH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Execution.Timeout = d
		}
	}
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// Validate checks that the configuration is usable. The first problem found
// is returned as a *errors.ConfigError.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"trace", "debug", "info", "warn", "warning", "error"}, c.Log.Level) {
		return invalid("log.level", "must be one of trace, debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "must be json or text, got %q", c.Log.Format)
	}

	switch c.Checkpoint.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Checkpoint.Dir == "" {
			return invalid("checkpoint.dir", "is required for the file backend")
		}
	case BackendSQLite:
		if c.Checkpoint.SQLite.Path == "" {
			return invalid("checkpoint.sqlite.path", "is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Checkpoint.Postgres.ConnectionString == "" {
			return invalid("checkpoint.postgres.connection_string", "is required for the postgres backend")
		}
	case BackendRedis:
		if c.Checkpoint.Redis.Addr == "" {
			return invalid("checkpoint.redis.addr", "is required for the redis backend")
		}
	default:
		return invalid("checkpoint.backend", "must be one of memory, file, sqlite, postgres, redis, got %q", c.Checkpoint.Backend)
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts", "must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffFactor < 1 {
		return invalid("retry.backoff_factor", "must be at least 1, got %v", c.Retry.BackoffFactor)
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return invalid("retry.max_interval", "must not be less than retry.initial_interval")
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLPGRPC, ExporterOTLPHTTP:
		if c.Tracing.Endpoint == "" {
			return invalid("tracing.endpoint", "is required for the %s exporter", c.Tracing.Exporter)
		}
	default:
		return invalid("tracing.exporter", "must be one of none, stdout, otlp-grpc, otlp-http, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return invalid("tracing.sample_rate", "must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}

	if c.Execution.RecursionLimit < 1 {
		return invalid("execution.recursion_limit", "must be positive, got %d", c.Execution.RecursionLimit)
	}
	if c.Execution.Timeout < 0 {
		return invalid("execution.timeout", "must not be negative")
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return &sgerrors.ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// RetryPolicy converts the retry section into a graph policy. It returns nil
// when retries are disabled.
func (c *Config) RetryPolicy() *graph.RetryPolicy {
	if c.Retry.MaxAttempts <= 1 {
		return nil
	}
	return &graph.RetryPolicy{
		InitialInterval: c.Retry.InitialInterval,
		BackoffFactor:   c.Retry.BackoffFactor,
		MaxInterval:     c.Retry.MaxInterval,
		MaxAttempts:     c.Retry.MaxAttempts,
		Jitter:          c.Retry.Jitter,
	}
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
