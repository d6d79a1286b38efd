// Package config provides configuration management for claude-threads.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for claude-threads.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Mattermost MattermostConfig `mapstructure:"mattermost"`
	Claude     ClaudeConfig     `mapstructure:"claude"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Store      StoreConfig      `mapstructure:"store"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	Updates    UpdatesConfig    `mapstructure:"updates"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the admin HTTP API configuration.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// MattermostConfig holds the Mattermost platform adapter configuration.
type MattermostConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	URL          string   `mapstructure:"url"`
	Token        string   `mapstructure:"token"`
	Team         string   `mapstructure:"team"`
	BotName      string   `mapstructure:"botName"`
	AllowedUsers []string `mapstructure:"allowedUsers"`
	Channels     []string `mapstructure:"channels"` // empty means all channels the bot is in
}

// ClaudeConfig holds the assistant CLI configuration.
type ClaudeConfig struct {
	Binary          string   `mapstructure:"binary"`
	ExtraArgs       []string `mapstructure:"extraArgs"`
	Model           string   `mapstructure:"model"`
	SkipPermissions bool     `mapstructure:"skipPermissions"`
	UsePTY          bool     `mapstructure:"usePty"`
	WorkingDir      string   `mapstructure:"workingDir"`
}

// SessionsConfig holds session lifecycle configuration.
type SessionsConfig struct {
	MaxSessions          int `mapstructure:"maxSessions"`
	IdleTimeoutMinutes   int `mapstructure:"idleTimeoutMinutes"`
	WarningMinutes       int `mapstructure:"warningMinutes"`
	MonitorInterval      int `mapstructure:"monitorInterval"` // in seconds
	CleanupInterval      int `mapstructure:"cleanupInterval"` // in minutes
	HistoryRetentionDays int `mapstructure:"historyRetentionDays"`
	FlushDebounceMs      int `mapstructure:"flushDebounceMs"`
}

// StoreConfig holds session persistence configuration.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"` // sqlite, postgres
	Path     string         `mapstructure:"path"`   // sqlite database file path
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorktreeConfig holds Git worktree configuration for per-session branches.
type WorktreeConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BasePath        string `mapstructure:"basePath"`
	DefaultBranch   string `mapstructure:"defaultBranch"`
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"`
	MaxAgeHours     int    `mapstructure:"maxAgeHours"`
}

// UpdatesConfig holds auto-update configuration.
type UpdatesConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	ManifestURL        string `mapstructure:"manifestUrl"`
	CheckIntervalHours int    `mapstructure:"checkIntervalHours"`
	DeferMinutes       int    `mapstructure:"deferMinutes"`
	PromptTimeoutMin   int    `mapstructure:"promptTimeoutMinutes"`
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

// IdleTimeout returns the session idle timeout as a time.Duration.
func (s *SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// WarningThreshold returns the idle warning threshold as a time.Duration.
func (s *SessionsConfig) WarningThreshold() time.Duration {
	return time.Duration(s.WarningMinutes) * time.Minute
}

// MonitorIntervalDuration returns the monitor interval as a time.Duration.
func (s *SessionsConfig) MonitorIntervalDuration() time.Duration {
	return time.Duration(s.MonitorInterval) * time.Second
}

// CleanupIntervalDuration returns the cleanup interval as a time.Duration.
func (s *SessionsConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Minute
}

// FlushDebounce returns the content flush debounce as a time.Duration.
func (s *SessionsConfig) FlushDebounce() time.Duration {
	return time.Duration(s.FlushDebounceMs) * time.Millisecond
}

// MaxAge returns the worktree garbage-collection age as a time.Duration.
func (w *WorktreeConfig) MaxAge() time.Duration {
	return time.Duration(w.MaxAgeHours) * time.Hour
}

// CheckInterval returns the update check interval as a time.Duration.
func (u *UpdatesConfig) CheckInterval() time.Duration {
	return time.Duration(u.CheckIntervalHours) * time.Hour
}

// DeferDuration returns the update re-ask delay as a time.Duration.
func (u *UpdatesConfig) DeferDuration() time.Duration {
	return time.Duration(u.DeferMinutes) * time.Minute
}

// PromptTimeout returns the update prompt timeout as a time.Duration.
func (u *UpdatesConfig) PromptTimeout() time.Duration {
	return time.Duration(u.PromptTimeoutMin) * time.Minute
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CLAUDE_THREADS_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Admin server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8311)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Mattermost defaults
	v.SetDefault("mattermost.enabled", false)
	v.SetDefault("mattermost.url", "")
	v.SetDefault("mattermost.token", "")
	v.SetDefault("mattermost.team", "")
	v.SetDefault("mattermost.botName", "")
	v.SetDefault("mattermost.allowedUsers", []string{})
	v.SetDefault("mattermost.channels", []string{})

	// Claude CLI defaults
	v.SetDefault("claude.binary", "claude")
	v.SetDefault("claude.extraArgs", []string{})
	v.SetDefault("claude.model", "")
	v.SetDefault("claude.skipPermissions", true)
	v.SetDefault("claude.usePty", false)
	v.SetDefault("claude.workingDir", "")

	// Session defaults
	v.SetDefault("sessions.maxSessions", 10)
	v.SetDefault("sessions.idleTimeoutMinutes", 60)
	v.SetDefault("sessions.warningMinutes", 50)
	v.SetDefault("sessions.monitorInterval", 60)
	v.SetDefault("sessions.cleanupInterval", 60)
	v.SetDefault("sessions.historyRetentionDays", 7)
	v.SetDefault("sessions.flushDebounceMs", 200)

	// Store defaults - sqlite file in the user's home directory
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "~/.claude-threads/sessions.db")
	v.SetDefault("store.postgres.host", "")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "claude_threads")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("store.postgres.dbName", "claude_threads")
	v.SetDefault("store.postgres.sslMode", "disable")
	v.SetDefault("store.postgres.maxConns", 10)
	v.SetDefault("store.postgres.minConns", 2)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "claude-threads")
	v.SetDefault("nats.maxReconnects", 10)

	// Worktree defaults
	v.SetDefault("worktree.enabled", true)
	v.SetDefault("worktree.basePath", "~/.claude-threads/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.cleanupOnRemove", true)
	v.SetDefault("worktree.maxAgeHours", 72)

	// Updates defaults
	v.SetDefault("updates.enabled", false)
	v.SetDefault("updates.manifestUrl", "")
	v.SetDefault("updates.checkIntervalHours", 6)
	v.SetDefault("updates.deferMinutes", 60)
	v.SetDefault("updates.promptTimeoutMinutes", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAUDE_THREADS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.claude-threads/, or /etc/claude-threads/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CLAUDE_THREADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("mattermost.url", "MATTERMOST_URL", "CLAUDE_THREADS_MATTERMOST_URL")
	_ = v.BindEnv("mattermost.token", "MATTERMOST_TOKEN", "CLAUDE_THREADS_MATTERMOST_TOKEN")
	_ = v.BindEnv("mattermost.team", "MATTERMOST_TEAM", "CLAUDE_THREADS_MATTERMOST_TEAM")
	_ = v.BindEnv("mattermost.botName", "MATTERMOST_BOT_NAME", "CLAUDE_THREADS_MATTERMOST_BOT_NAME")
	_ = v.BindEnv("claude.skipPermissions", "CLAUDE_THREADS_CLAUDE_SKIP_PERMISSIONS")
	_ = v.BindEnv("claude.workingDir", "CLAUDE_THREADS_CLAUDE_WORKING_DIR")
	_ = v.BindEnv("sessions.maxSessions", "CLAUDE_THREADS_SESSIONS_MAX_SESSIONS")
	_ = v.BindEnv("store.driver", "CLAUDE_THREADS_STORE_DRIVER")
	_ = v.BindEnv("updates.manifestUrl", "CLAUDE_THREADS_UPDATES_MANIFEST_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.claude-threads")
	}
	v.AddConfigPath("/etc/claude-threads/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Admin server validation
	if cfg.Server.Enabled {
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	}

	// Mattermost validation - only when the adapter is enabled
	if cfg.Mattermost.Enabled {
		if cfg.Mattermost.URL == "" {
			errs = append(errs, "mattermost.url is required when mattermost.enabled is set")
		}
		if cfg.Mattermost.Token == "" {
			errs = append(errs, "mattermost.token is required when mattermost.enabled is set")
		}
		if cfg.Mattermost.Team == "" {
			errs = append(errs, "mattermost.team is required when mattermost.enabled is set")
		}
	}

	// Claude validation
	if cfg.Claude.Binary == "" {
		errs = append(errs, "claude.binary must not be empty")
	}

	// Session validation
	if cfg.Sessions.MaxSessions <= 0 {
		errs = append(errs, "sessions.maxSessions must be positive")
	}
	if cfg.Sessions.IdleTimeoutMinutes <= 0 {
		errs = append(errs, "sessions.idleTimeoutMinutes must be positive")
	}
	if cfg.Sessions.WarningMinutes >= cfg.Sessions.IdleTimeoutMinutes {
		errs = append(errs, "sessions.warningMinutes must be less than sessions.idleTimeoutMinutes")
	}
	if cfg.Sessions.FlushDebounceMs < 100 || cfg.Sessions.FlushDebounceMs > 500 {
		errs = append(errs, "sessions.flushDebounceMs must be between 100 and 500")
	}

	// Store validation
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.Postgres.Host == "" {
			errs = append(errs, "store.postgres.host is required for the postgres driver")
		}
		if cfg.Store.Postgres.DBName == "" {
			errs = append(errs, "store.postgres.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Updates validation
	if cfg.Updates.Enabled && cfg.Updates.ManifestURL == "" {
		errs = append(errs, "updates.manifestUrl is required when updates.enabled is set")
	}

	// Logging validation
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

// ExpandHome replaces a leading ~ in path with the current user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home + strings.TrimPrefix(path, "~")
	}
	return path
}
