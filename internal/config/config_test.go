package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: bulkrax
  password: secret
  name: bulkrax_prod

workers:
  concurrency: 8
  poll_interval: 500ms
  reschedule_delay: 30s
  max_dependency_retries: 3
  relationship_delay: 2m
  max_attempts: 7
  backoff_base: 1s
  backoff_max: 1m

paths:
  import: /var/bulkrax/imports
  export: /var/bulkrax/exports

logging:
  level: debug
  format: json

notify:
  slack_webhook_url: https://hooks.slack.com/services/T/B/X
  discord_token: abc
  discord_channel: "123"

server:
  port: 9090
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Database.Host != "10.0.0.5" {
		t.Errorf("Database.Host = %q, want 10.0.0.5", cfg.Database.Host)
	}
	if cfg.Database.Port != 3307 {
		t.Errorf("Database.Port = %d, want 3307", cfg.Database.Port)
	}
	if cfg.Database.Name != "bulkrax_prod" {
		t.Errorf("Database.Name = %q, want bulkrax_prod", cfg.Database.Name)
	}
	if cfg.Workers.Concurrency != 8 {
		t.Errorf("Workers.Concurrency = %d, want 8", cfg.Workers.Concurrency)
	}
	if cfg.Workers.PollInterval != 500*time.Millisecond {
		t.Errorf("Workers.PollInterval = %v, want 500ms", cfg.Workers.PollInterval)
	}
	if cfg.Workers.RescheduleDelay != 30*time.Second {
		t.Errorf("Workers.RescheduleDelay = %v, want 30s", cfg.Workers.RescheduleDelay)
	}
	if cfg.Workers.MaxDependencyRetries != 3 {
		t.Errorf("Workers.MaxDependencyRetries = %d, want 3", cfg.Workers.MaxDependencyRetries)
	}
	if cfg.Workers.RelationshipDelay != 2*time.Minute {
		t.Errorf("Workers.RelationshipDelay = %v, want 2m", cfg.Workers.RelationshipDelay)
	}
	if cfg.Workers.MaxAttempts != 7 {
		t.Errorf("Workers.MaxAttempts = %d, want 7", cfg.Workers.MaxAttempts)
	}
	if cfg.Paths.Export != "/var/bulkrax/exports" {
		t.Errorf("Paths.Export = %q", cfg.Paths.Export)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Notify.DiscordChannel != "123" {
		t.Errorf("Notify.DiscordChannel = %q, want 123", cfg.Notify.DiscordChannel)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.Path != "bx.db" {
		t.Errorf("Database.Path = %q, want bx.db", cfg.Database.Path)
	}
	if cfg.Workers.Concurrency != 4 {
		t.Errorf("Workers.Concurrency = %d, want 4", cfg.Workers.Concurrency)
	}
	if cfg.Workers.RescheduleDelay != time.Minute {
		t.Errorf("Workers.RescheduleDelay = %v, want 1m", cfg.Workers.RescheduleDelay)
	}
	if cfg.Workers.MaxDependencyRetries != 10 {
		t.Errorf("Workers.MaxDependencyRetries = %d, want 10", cfg.Workers.MaxDependencyRetries)
	}
	if cfg.Workers.MaxAttempts != 5 {
		t.Errorf("Workers.MaxAttempts = %d, want 5", cfg.Workers.MaxAttempts)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestParse_DriverDefaults(t *testing.T) {
	tests := []struct {
		driver   string
		wantPort int
		wantUser string
	}{
		{"mysql", 3306, "root"},
		{"postgres", 5432, "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			cfg, err := Parse([]byte("database:\n  driver: " + tt.driver + "\n"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Database.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", cfg.Database.Port, tt.wantPort)
			}
			if cfg.Database.User != tt.wantUser {
				t.Errorf("User = %q, want %q", cfg.Database.User, tt.wantUser)
			}
		})
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad driver", "database:\n  driver: oracle\n", `database.driver "oracle"`},
		{"bad level", "logging:\n  level: loud\n", `logging.level "loud"`},
		{"bad format", "logging:\n  format: xml\n", `logging.format "xml"`},
		{"discord without channel", "notify:\n  discord_token: t\n", "notify.discord_channel is required"},
		{"slack token without channel", "notify:\n  slack_token: t\n", "notify.slack_channel is required"},
		{"backoff inverted", "workers:\n  backoff_base: 2m\n  backoff_max: 1m\n", "backoff_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err, tt.want)
			}
			if !strings.HasPrefix(err.Error(), "config: validation failed: ") {
				t.Errorf("error = %q, want validation prefix", err)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: oracle\nlogging:\n  format: xml\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("error = %q, want errors joined with '; '", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bx.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Name != "bulkrax_prod" {
		t.Errorf("Database.Name = %q", cfg.Database.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
}
