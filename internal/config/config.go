// Package config provides YAML-based configuration loading for bx.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bx configuration, loaded from bx.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Workers  WorkersConfig  `yaml:"workers"`
	Paths    PathsConfig    `yaml:"paths"`
	Logging  LoggingConfig  `yaml:"logging"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig selects and addresses the backing SQL database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite only
}

// WorkersConfig tunes the job queue worker pool and retry policy.
type WorkersConfig struct {
	Concurrency          int           `yaml:"concurrency"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	RescheduleDelay      time.Duration `yaml:"reschedule_delay"`
	MaxDependencyRetries int           `yaml:"max_dependency_retries"` // <0 = unbounded
	RelationshipDelay    time.Duration `yaml:"relationship_delay"`
	MaxAttempts          int           `yaml:"max_attempts"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
}

// PathsConfig holds working directories for imports and export artifacts.
type PathsConfig struct {
	Import string `yaml:"import"`
	Export string `yaml:"export"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NotifyConfig enables run completion notices.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	SlackToken      string `yaml:"slack_token"`
	SlackChannel    string `yaml:"slack_channel"`
	DiscordToken    string `yaml:"discord_token"`
	DiscordChannel  string `yaml:"discord_channel"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied, backed by a local
// sqlite file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	case "postgres":
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.User == "" {
			c.Database.User = "postgres"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "bx.db"
		}
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Name == "" {
		c.Database.Name = "bulkrax"
	}

	w := &c.Workers
	if w.Concurrency == 0 {
		w.Concurrency = 4
	}
	if w.PollInterval == 0 {
		w.PollInterval = 2 * time.Second
	}
	if w.RescheduleDelay == 0 {
		w.RescheduleDelay = time.Minute
	}
	if w.MaxDependencyRetries == 0 {
		w.MaxDependencyRetries = 10
	}
	if w.RelationshipDelay == 0 {
		w.RelationshipDelay = time.Minute
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 5
	}
	if w.BackoffBase == 0 {
		w.BackoffBase = 5 * time.Second
	}
	if w.BackoffMax == 0 {
		w.BackoffMax = 10 * time.Minute
	}

	if c.Paths.Import == "" {
		c.Paths.Import = "tmp/imports"
	}
	if c.Paths.Export == "" {
		c.Paths.Export = "tmp/exports"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be one of mysql, postgres, sqlite", c.Database.Driver))
	}
	if c.Workers.Concurrency < 0 {
		errs = append(errs, "workers.concurrency must be positive")
	}
	if c.Workers.MaxAttempts < 0 {
		errs = append(errs, "workers.max_attempts must be positive")
	}
	if c.Workers.BackoffMax < c.Workers.BackoffBase {
		errs = append(errs, "workers.backoff_max must not be less than workers.backoff_base")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not recognised", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Notify.DiscordToken != "" && c.Notify.DiscordChannel == "" {
		errs = append(errs, "notify.discord_channel is required with notify.discord_token")
	}
	if c.Notify.SlackToken != "" && c.Notify.SlackChannel == "" {
		errs = append(errs, "notify.slack_channel is required with notify.slack_token")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
