package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Jobs        JobsConfig      `toml:"jobs"`
	Logging     LoggingConfig   `toml:"logging"`
	Events      EventsConfig    `toml:"events"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required_unless=InMemory true"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`                              // Delete database on startup for clean test runs
	InMemory       bool   `toml:"in_memory"`                                     // Run without a data directory (tests, demos)
}

// QueueConfig selects the broker and the defaults shared by every queue.
type QueueConfig struct {
	Backend           string                   `toml:"backend" validate:"oneof=badger redis"` // "badger" (default) or "redis"
	RedisAddr         string                   `toml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword     string                   `toml:"redis_password"`
	RedisDB           int                      `toml:"redis_db"`
	PollInterval      string                   `toml:"poll_interval"`      // e.g., "1s" - max idle backoff between polls
	VisibilityTimeout string                   `toml:"visibility_timeout"` // e.g., "5m" - lease before redelivery
	RetryBackoff      string                   `toml:"retry_backoff"`      // e.g., "5s" - base delay for Nack redelivery
	Queues            map[string]QueueOverride `toml:"queues"`             // Per-queue overrides keyed by queue name
}

// QueueOverride adjusts one named queue's policy. Zero values keep the default.
type QueueOverride struct {
	MaxAttempts int   `toml:"max_attempts" validate:"min=0"`
	Workers     int   `toml:"workers" validate:"min=0"`
	Retain      *bool `toml:"retain"`
}

// JobsConfig governs import job execution.
type JobsConfig struct {
	BatchSize             int    `toml:"batch_size" validate:"min=1"`
	ActivityLogLimit      int    `toml:"activity_log_limit" validate:"min=1"`
	SnapshotActivityLimit int    `toml:"snapshot_activity_limit" validate:"min=1"`
	SampleRowLimit        int    `toml:"sample_row_limit" validate:"min=1"`
	FullRowLimit          int    `toml:"full_row_limit" validate:"min=1"`
	StalenessWindow       string `toml:"staleness_window"` // e.g., "10m" - heartbeat age before a RUNNING job is reaped
	ReaperSchedule        string `toml:"reaper_schedule"`  // Cron spec, e.g. "@every 1m"
	MaxAnalysisFailures   int    `toml:"max_analysis_failures" validate:"min=1"`
	MultiTenant           bool   `toml:"multi_tenant"`
	SourceDir             string `toml:"source_dir"` // Base directory for local source files
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// EventsConfig configures the external lifecycle event sink.
type EventsConfig struct {
	KafkaBrokers []string `toml:"kafka_brokers"` // Empty disables the Kafka publisher
	Topic        string   `toml:"topic"`
	AuditTopic   string   `toml:"audit_topic"`
}

// WebSocketConfig controls the job event stream.
type WebSocketConfig struct {
	ThrottleInterval string `toml:"throttle_interval"` // Max rate of progress events per job, e.g. "500ms"
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Queue: QueueConfig{
			Backend:           "badger",
			PollInterval:      "5s",
			VisibilityTimeout: "5m",
			RetryBackoff:      "5s",
			Queues:            map[string]QueueOverride{},
		},
		Jobs: JobsConfig{
			BatchSize:             100,
			ActivityLogLimit:      100,
			SnapshotActivityLimit: 20,
			SampleRowLimit:        500,
			FullRowLimit:          10000,
			StalenessWindow:       "10m",
			ReaperSchedule:        "@every 1m",
			MaxAnalysisFailures:   3,
			SourceDir:             "./imports",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Events: EventsConfig{
			Topic:      "trellis.jobs",
			AuditTopic: "trellis.audit",
		},
		WebSocket: WebSocketConfig{
			ThrottleInterval: "500ms",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TRELLIS_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("TRELLIS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("TRELLIS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("TRELLIS_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Queue configuration
	if backend := os.Getenv("TRELLIS_QUEUE_BACKEND"); backend != "" {
		config.Queue.Backend = backend
	}
	if addr := os.Getenv("TRELLIS_REDIS_ADDR"); addr != "" {
		config.Queue.RedisAddr = addr
	}
	if password := os.Getenv("TRELLIS_REDIS_PASSWORD"); password != "" {
		config.Queue.RedisPassword = password
	}
	if visibilityTimeout := os.Getenv("TRELLIS_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}

	// Jobs configuration
	if batch := os.Getenv("TRELLIS_JOBS_BATCH_SIZE"); batch != "" {
		if b, err := strconv.Atoi(batch); err == nil {
			config.Jobs.BatchSize = b
		}
	}
	if window := os.Getenv("TRELLIS_JOBS_STALENESS_WINDOW"); window != "" {
		config.Jobs.StalenessWindow = window
	}
	if multi := os.Getenv("TRELLIS_MULTI_TENANT"); multi != "" {
		if b, err := strconv.ParseBool(multi); err == nil {
			config.Jobs.MultiTenant = b
		}
	}
	if dir := os.Getenv("TRELLIS_SOURCE_DIR"); dir != "" {
		config.Jobs.SourceDir = dir
	}

	// Events configuration
	if brokers := os.Getenv("TRELLIS_KAFKA_BROKERS"); brokers != "" {
		config.Events.KafkaBrokers = splitList(brokers)
	}

	// Logging configuration
	if level := os.Getenv("TRELLIS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("TRELLIS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("TRELLIS_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

var configValidator = validator.New()

// Validate checks struct constraints and parses every duration and schedule.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for name, value := range map[string]string{
		"queue.poll_interval":         c.Queue.PollInterval,
		"queue.visibility_timeout":    c.Queue.VisibilityTimeout,
		"queue.retry_backoff":         c.Queue.RetryBackoff,
		"jobs.staleness_window":       c.Jobs.StalenessWindow,
		"websocket.throttle_interval": c.WebSocket.ThrottleInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}
	if _, err := cron.ParseStandard(c.Jobs.ReaperSchedule); err != nil {
		return fmt.Errorf("invalid configuration: jobs.reaper_schedule: %w", err)
	}
	if c.Jobs.FullRowLimit < c.Jobs.SampleRowLimit {
		return fmt.Errorf("invalid configuration: jobs.full_row_limit (%d) must be >= jobs.sample_row_limit (%d)",
			c.Jobs.FullRowLimit, c.Jobs.SampleRowLimit)
	}
	return nil
}

// Duration parses a duration setting, falling back when empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
