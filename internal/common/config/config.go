// Package config provides configuration management for the runner.
// It supports loading configuration from environment variables, an optional
// config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/crypto"
)

// Config holds all configuration sections for the runner.
type Config struct {
	Redis   RedisConfig          `mapstructure:"redis"`
	Runner  RunnerConfig         `mapstructure:"runner"`
	AI      AIConfig             `mapstructure:"ai"`
	Git     GitConfig            `mapstructure:"git"`
	Cleanup CleanupConfig        `mapstructure:"cleanup"`
	Server  ServerConfig         `mapstructure:"server"`
	Logging logger.LoggingConfig `mapstructure:"logging"`

	// EncryptionKey is the 32-byte key (hex, base64 or raw) used to
	// decrypt stored provider tokens. Missing or malformed is fatal.
	EncryptionKey string `mapstructure:"encryptionKey"`
}

// RedisConfig holds the shared store endpoint.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// RunnerConfig holds the runner process identity and concurrency knobs.
type RunnerConfig struct {
	ID                string `mapstructure:"id"`                // consumer name within each group
	MaxConcurrentJobs int    `mapstructure:"maxConcurrentJobs"` // worker count
	MaxJobsPerUser    int    `mapstructure:"maxJobsPerUser"`    // admission cap
	JobTimeout        int    `mapstructure:"jobTimeout"`        // per-executor deadline, seconds
	TempDir           string `mapstructure:"tempDir"`           // workspace root
}

// AIConfig holds AI agent adapter configuration.
type AIConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Provider       string `mapstructure:"provider"`
	CLIPath        string `mapstructure:"cliPath"`
	APIKey         string `mapstructure:"apiKey"`
	Timeout        int    `mapstructure:"timeout"` // seconds
	MaxOutputLines int    `mapstructure:"maxOutputLines"`
}

// GitConfig holds the commit identity.
type GitConfig struct {
	AuthorName  string `mapstructure:"authorName"`
	AuthorEmail string `mapstructure:"authorEmail"`
}

// CleanupConfig holds janitor knobs.
type CleanupConfig struct {
	Interval  int  `mapstructure:"interval"` // seconds
	MaxAge    int  `mapstructure:"maxAge"`   // seconds
	MaxDiskMB int  `mapstructure:"maxDiskMb"`
	OnStartup bool `mapstructure:"onStartup"`
}

// ServerConfig holds the operational HTTP surface (/health, /status).
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// JobTimeoutDuration returns the per-executor deadline as a time.Duration.
func (r *RunnerConfig) JobTimeoutDuration() time.Duration {
	return time.Duration(r.JobTimeout) * time.Second
}

// TimeoutDuration returns the adapter deadline as a time.Duration.
func (a *AIConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// IntervalDuration returns the janitor tick interval as a time.Duration.
func (c *CleanupConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// MaxAgeDuration returns the session staleness threshold as a time.Duration.
func (c *CleanupConfig) MaxAgeDuration() time.Duration {
	return time.Duration(c.MaxAge) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("REPOBOX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "redis://localhost:6379")

	v.SetDefault("runner.id", "")
	v.SetDefault("runner.maxConcurrentJobs", 10)
	v.SetDefault("runner.maxJobsPerUser", 3)
	v.SetDefault("runner.jobTimeout", 3600)
	v.SetDefault("runner.tempDir", "/tmp/repobox")

	v.SetDefault("ai.enabled", true)
	v.SetDefault("ai.provider", "claude")
	v.SetDefault("ai.cliPath", "claude")
	v.SetDefault("ai.apiKey", "")
	v.SetDefault("ai.timeout", 1800)
	v.SetDefault("ai.maxOutputLines", 10000)

	v.SetDefault("git.authorName", "repobox")
	v.SetDefault("git.authorEmail", "runner@repobox.dev")

	v.SetDefault("cleanup.interval", 3600)
	v.SetDefault("cleanup.maxAge", 86400)
	v.SetDefault("cleanup.maxDiskMb", 10240)
	v.SetDefault("cleanup.onStartup", true)

	v.SetDefault("server.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("encryptionKey", "")
}

// bindEnv wires the flat environment variable names shared with the rest
// of the deployment to their config keys.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("encryptionKey", "ENCRYPTION_KEY")

	_ = v.BindEnv("runner.id", "RUNNER_ID")
	_ = v.BindEnv("runner.maxConcurrentJobs", "MAX_CONCURRENT_JOBS")
	_ = v.BindEnv("runner.maxJobsPerUser", "MAX_JOBS_PER_USER")
	_ = v.BindEnv("runner.jobTimeout", "JOB_TIMEOUT")
	_ = v.BindEnv("runner.tempDir", "TEMP_DIR")

	_ = v.BindEnv("ai.enabled", "AI_ENABLED")
	_ = v.BindEnv("ai.provider", "AI_PROVIDER")
	_ = v.BindEnv("ai.cliPath", "AI_CLI_PATH")
	_ = v.BindEnv("ai.apiKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("ai.timeout", "AI_TIMEOUT")
	_ = v.BindEnv("ai.maxOutputLines", "AI_MAX_OUTPUT_LINES")

	_ = v.BindEnv("git.authorName", "GIT_AUTHOR_NAME")
	_ = v.BindEnv("git.authorEmail", "GIT_AUTHOR_EMAIL")

	_ = v.BindEnv("cleanup.interval", "CLEANUP_INTERVAL")
	_ = v.BindEnv("cleanup.maxAge", "CLEANUP_MAX_AGE")
	_ = v.BindEnv("cleanup.maxDiskMb", "CLEANUP_MAX_DISK_MB")
	_ = v.BindEnv("cleanup.onStartup", "CLEANUP_ON_STARTUP")

	_ = v.BindEnv("server.port", "RUNNER_STATUS_PORT")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Load reads configuration from environment variables, config file, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/repobox/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Runner.ID == "" {
		cfg.Runner.ID = defaultRunnerID()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Redis.URL == "" {
		errs = append(errs, "redis.url is required")
	}

	// The encryption key is startup-fatal: a runner that cannot decrypt
	// provider tokens cannot execute anything.
	if _, err := crypto.ParseKey(cfg.EncryptionKey); err != nil {
		errs = append(errs, fmt.Sprintf("encryption key: %v", err))
	}

	if cfg.Runner.MaxConcurrentJobs <= 0 {
		errs = append(errs, "runner.maxConcurrentJobs must be positive")
	}
	if cfg.Runner.MaxJobsPerUser <= 0 {
		errs = append(errs, "runner.maxJobsPerUser must be positive")
	}
	if cfg.Runner.JobTimeout <= 0 {
		errs = append(errs, "runner.jobTimeout must be positive")
	}
	if cfg.Runner.TempDir == "" {
		errs = append(errs, "runner.tempDir is required")
	}

	if cfg.Cleanup.Interval <= 0 {
		errs = append(errs, "cleanup.interval must be positive")
	}
	if cfg.Cleanup.MaxAge <= 0 {
		errs = append(errs, "cleanup.maxAge must be positive")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// defaultRunnerID generates a unique consumer name for this process.
func defaultRunnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "runner"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}
