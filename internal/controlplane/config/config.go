// Package config provides configuration loading for the cadence daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/marcus-qen/cadence/internal/storage"
)

// Duration is a time.Duration that reads and writes as "90s" style strings.
// Bare numbers are taken as seconds.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// Config holds all daemon configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite database (default "/var/lib/cadence")
	DataDir string `json:"data_dir"`

	Database DatabaseConfig `json:"database,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Nudge     NudgeConfig     `json:"nudge,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Runtime   RuntimeConfig   `json:"runtime,omitempty"`

	// Roster maps scope names to their display title, lead and actors.
	Roster map[string]ScopeRoster `json:"roster,omitempty"`

	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
}

// DatabaseConfig selects the SQL backend. An empty DSN with the sqlite
// driver places the database under DataDir.
type DatabaseConfig struct {
	Driver string `json:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

// SchedulerConfig tunes the automation scheduler.
type SchedulerConfig struct {
	TickInterval        Duration `json:"tick_interval"`
	DispatchTimeout     Duration `json:"dispatch_timeout"`
	MaxConcurrentScopes int      `json:"max_concurrent_scopes"`
}

// NudgeConfig tunes the nudge engine.
type NudgeConfig struct {
	TickInterval Duration `json:"tick_interval"`
}

// NotifyConfig configures outbound notification channels.
type NotifyConfig struct {
	Webhooks         []WebhookConfig `json:"webhooks,omitempty"`
	Slack            *SlackConfig    `json:"slack,omitempty"`
	Telegram         *TelegramConfig `json:"telegram,omitempty"`
	RateLimitPerHour int             `json:"rate_limit_per_hour"`
}

// WebhookConfig is one generic webhook target.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	// AttentionOnly restricts the webhook to attention-priority messages.
	AttentionOnly bool `json:"attention_only,omitempty"`
}

// SlackConfig is a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL    string `json:"webhook_url"`
	Channel       string `json:"channel,omitempty"`
	AttentionOnly bool   `json:"attention_only,omitempty"`
}

// TelegramConfig is a Telegram bot target.
type TelegramConfig struct {
	BotToken      string `json:"bot_token"`
	ChatID        string `json:"chat_id"`
	AttentionOnly bool   `json:"attention_only,omitempty"`
}

// RuntimeConfig points at the actor runtime that executes state
// transitions and lifecycle operations.
type RuntimeConfig struct {
	BaseURL string   `json:"base_url,omitempty"`
	Token   string   `json:"token,omitempty"`
	Timeout Duration `json:"timeout"`
}

// ScopeRoster describes one scope's members.
type ScopeRoster struct {
	Title  string   `json:"title,omitempty"`
	Lead   string   `json:"lead,omitempty"`
	Actors []string `json:"actors,omitempty"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// MCPConfig toggles the MCP tool surface.
type MCPConfig struct {
	Enabled bool `json:"enabled"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/cadence",
		Database:   DatabaseConfig{Driver: "sqlite"},
		LogLevel:   "info",
		Scheduler: SchedulerConfig{
			TickInterval:        Duration{2 * time.Second},
			DispatchTimeout:     Duration{15 * time.Second},
			MaxConcurrentScopes: 4,
		},
		Nudge: NudgeConfig{
			TickInterval: Duration{5 * time.Second},
		},
		Notify: NotifyConfig{
			RateLimitPerHour: 120,
		},
		Runtime: RuntimeConfig{
			Timeout: Duration{10 * time.Second},
		},
		MCP: MCPConfig{Enabled: true},
	}
}

// Load reads configuration from a JSON or YAML file, then overlays
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (Config, error) {
	return Load("")
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("CADENCE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CADENCE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CADENCE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CADENCE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CADENCE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CADENCE_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CADENCE_TICK_INTERVAL: %w", err)
		}
		cfg.Scheduler.TickInterval = Duration{d}
	}
	if v := os.Getenv("CADENCE_DISPATCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CADENCE_DISPATCH_TIMEOUT: %w", err)
		}
		cfg.Scheduler.DispatchTimeout = Duration{d}
	}
	if v := os.Getenv("CADENCE_MAX_CONCURRENT_SCOPES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxConcurrentScopes = n
		}
	}
	if v := os.Getenv("CADENCE_NUDGE_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CADENCE_NUDGE_TICK_INTERVAL: %w", err)
		}
		cfg.Nudge.TickInterval = Duration{d}
	}
	if v := os.Getenv("CADENCE_NOTIFY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Notify.RateLimitPerHour = n
		}
	}
	if v := os.Getenv("CADENCE_SLACK_WEBHOOK_URL"); v != "" {
		if cfg.Notify.Slack == nil {
			cfg.Notify.Slack = &SlackConfig{}
		}
		cfg.Notify.Slack.WebhookURL = v
	}
	if v := os.Getenv("CADENCE_TELEGRAM_BOT_TOKEN"); v != "" {
		if cfg.Notify.Telegram == nil {
			cfg.Notify.Telegram = &TelegramConfig{}
		}
		cfg.Notify.Telegram.BotToken = v
	}
	if v := os.Getenv("CADENCE_TELEGRAM_CHAT_ID"); v != "" {
		if cfg.Notify.Telegram == nil {
			cfg.Notify.Telegram = &TelegramConfig{}
		}
		cfg.Notify.Telegram.ChatID = v
	}
	if v := os.Getenv("CADENCE_RUNTIME_URL"); v != "" {
		cfg.Runtime.BaseURL = v
	}
	if v := os.Getenv("CADENCE_RUNTIME_TOKEN"); v != "" {
		cfg.Runtime.Token = v
	}
	if v := os.Getenv("CADENCE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("CADENCE_MCP"); v != "" {
		cfg.MCP.Enabled = v == "true" || v == "1"
	}
	return nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	driver, err := storage.ParseDriver(c.Database.Driver)
	if err != nil {
		return err
	}
	if driver != storage.DriverSQLite && c.Database.DSN == "" {
		return fmt.Errorf("database driver %q requires a dsn", driver)
	}
	if c.Scheduler.TickInterval.Duration <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Nudge.TickInterval.Duration <= 0 {
		return fmt.Errorf("nudge.tick_interval must be positive")
	}
	if c.Notify.Telegram != nil && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "") {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id")
	}
	return nil
}

// DatabaseDSN returns the DSN to open, defaulting the sqlite file into DataDir.
func (c Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.DataDir, "cadence.db")
}

// Save writes configuration to a file as JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasRuntime returns true if an actor runtime endpoint is configured.
func (c Config) HasRuntime() bool {
	return c.Runtime.BaseURL != ""
}
