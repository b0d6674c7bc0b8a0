// Package config provides configuration management for TaskForge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for TaskForge.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Trigger TriggerConfig `mapstructure:"trigger"`
	Health  HealthConfig  `mapstructure:"health"`
	Logging LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds the persistent store's location and retention policy.
type StoreConfig struct {
	DataDir           string `mapstructure:"dataDir"`
	DBPath            string `mapstructure:"dbPath"`
	RetentionDays     int    `mapstructure:"retentionDays"`
	CleanupIntervalMs int    `mapstructure:"cleanupIntervalMs"`
}

// QueueConfig holds Task Queue / Worker Pool tunables.
type QueueConfig struct {
	MaxConcurrent      int `mapstructure:"maxConcurrent"`
	DefaultTimeoutMs   int `mapstructure:"defaultTimeoutMs"`
	DefaultMaxAttempts int `mapstructure:"defaultMaxAttempts"`
	RetryBaseDelayMs   int `mapstructure:"retryBaseDelayMs"`
	RetryMaxDelayMs    int `mapstructure:"retryMaxDelayMs"`
	DispatchTickMs     int `mapstructure:"dispatchTickMs"`
	StalledAfterMs     int `mapstructure:"stalledAfterMs"`
}

// TriggerConfig holds Trigger Engine tunables.
type TriggerConfig struct {
	ScheduledTickMs int `mapstructure:"scheduledTickMs"`
}

// HealthConfig holds Health Monitor tunables.
type HealthConfig struct {
	SampleIntervalMs int `mapstructure:"sampleIntervalMs"`
	StallTimeoutMs   int `mapstructure:"stallTimeoutMs"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CleanupInterval returns the retention sweep interval as a time.Duration.
func (s *StoreConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMs) * time.Millisecond
}

// DefaultTimeout returns the default task execution timeout.
func (q *QueueConfig) DefaultTimeout() time.Duration {
	return time.Duration(q.DefaultTimeoutMs) * time.Millisecond
}

// RetryBaseDelay returns the base retry delay used by the exponential backoff formula.
func (q *QueueConfig) RetryBaseDelay() time.Duration {
	return time.Duration(q.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the retry delay ceiling.
func (q *QueueConfig) RetryMaxDelay() time.Duration {
	return time.Duration(q.RetryMaxDelayMs) * time.Millisecond
}

// DispatchTick returns the dispatch loop's polling interval.
func (q *QueueConfig) DispatchTick() time.Duration {
	return time.Duration(q.DispatchTickMs) * time.Millisecond
}

// StalledAfter returns the duration after which a running task is considered stalled.
func (q *QueueConfig) StalledAfter() time.Duration {
	return time.Duration(q.StalledAfterMs) * time.Millisecond
}

// ScheduledTick returns the Trigger Engine's per-minute scheduled-trigger poll interval.
func (t *TriggerConfig) ScheduledTick() time.Duration {
	return time.Duration(t.ScheduledTickMs) * time.Millisecond
}

// SampleInterval returns the Health Monitor's sampling interval.
func (h *HealthConfig) SampleInterval() time.Duration {
	return time.Duration(h.SampleIntervalMs) * time.Millisecond
}

// StallTimeout returns the duration a running task may go unreported before
// the Health Monitor flags it as stalled.
func (h *HealthConfig) StallTimeout() time.Duration {
	return time.Duration(h.StallTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultDataDir returns the platform-appropriate user data directory.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "taskforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.taskforge"
	}
	return filepath.Join(home, ".local", "share", "taskforge")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.dataDir", defaultDataDir())
	v.SetDefault("store.dbPath", "queue.db")
	v.SetDefault("store.retentionDays", 30)
	v.SetDefault("store.cleanupIntervalMs", 3600000) // 1 hour

	// Queue defaults
	v.SetDefault("queue.maxConcurrent", 5)
	v.SetDefault("queue.defaultTimeoutMs", 300000) // 5 minutes
	v.SetDefault("queue.defaultMaxAttempts", 3)
	v.SetDefault("queue.retryBaseDelayMs", 1000)
	v.SetDefault("queue.retryMaxDelayMs", 300000) // 5 minutes, per the backoff ceiling
	v.SetDefault("queue.dispatchTickMs", 1000)
	v.SetDefault("queue.stalledAfterMs", 600000) // 10 minutes

	// Trigger defaults
	v.SetDefault("trigger.scheduledTickMs", 60000) // 1 minute

	// Health defaults
	v.SetDefault("health.sampleIntervalMs", 15000)
	v.SetDefault("health.stallTimeoutMs", 600000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskforge")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "TASKFORGE_LOG_LEVEL")
	_ = v.BindEnv("store.dataDir", "TASKFORGE_DATA_DIR")
	_ = v.BindEnv("nats.url", "TASKFORGE_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskforge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set and sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.DataDir == "" {
		errs = append(errs, "store.dataDir must not be empty")
	}
	if cfg.Store.RetentionDays <= 0 {
		errs = append(errs, "store.retentionDays must be positive")
	}

	if cfg.Queue.MaxConcurrent <= 0 {
		errs = append(errs, "queue.maxConcurrent must be positive")
	}
	if cfg.Queue.DefaultMaxAttempts <= 0 {
		errs = append(errs, "queue.defaultMaxAttempts must be positive")
	}
	if cfg.Queue.RetryBaseDelayMs <= 0 {
		errs = append(errs, "queue.retryBaseDelayMs must be positive")
	}
	if cfg.Queue.RetryMaxDelayMs < cfg.Queue.RetryBaseDelayMs {
		errs = append(errs, "queue.retryMaxDelayMs must be at least retryBaseDelayMs")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DBFullPath joins the data directory and db path into the full SQLite file path.
func (s *StoreConfig) DBFullPath() string {
	if filepath.IsAbs(s.DBPath) {
		return s.DBPath
	}
	return filepath.Join(s.DataDir, s.DBPath)
}
