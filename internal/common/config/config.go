// Package config provides configuration management for crewd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for crewd.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds store backend configuration.
// When Host is empty the SQLite store at SQLitePath is used; otherwise
// a PostgreSQL pool is opened against the given host.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds the containerized agent runner configuration.
// When Enabled is false agents are spawned as host processes.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
	Network    string `mapstructure:"network"`
	WorkDir    string `mapstructure:"workDir"`
}

// AgentConfig holds the agent CLI contract and the dispatchable roster.
type AgentConfig struct {
	// Command is the agent CLI executable invoked for every spawn.
	Command string `mapstructure:"command"`
	// ProjectRoot scopes session rows in the store.
	ProjectRoot string `mapstructure:"projectRoot"`
	// Roster lists the dispatchable agent ids.
	Roster []string `mapstructure:"roster"`
}

// DispatcherConfig holds dispatcher timing and ask policy knobs.
type DispatcherConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	PollIntervalMs        int  `mapstructure:"pollIntervalMs"`
	CooldownMs            int  `mapstructure:"cooldownMs"`
	AskTimeoutMs          int  `mapstructure:"askTimeoutMs"`
	MaxAskDepth           int  `mapstructure:"maxAskDepth"`
	MaxAskCallsPerSession int  `mapstructure:"maxAskCallsPerSession"`
}

// ChannelsConfig holds the channel log configuration.
type ChannelsConfig struct {
	// DataDir is the directory holding one append-only JSONL file per channel.
	DataDir string `mapstructure:"dataDir"`
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

// PollInterval returns the poll loop interval as a time.Duration.
func (d *DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// Cooldown returns the per-agent trigger cooldown as a time.Duration.
func (d *DispatcherConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownMs) * time.Millisecond
}

// AskTimeout returns the ask call hard timeout as a time.Duration.
func (d *DispatcherConfig) AskTimeout() time.Duration {
	return time.Duration(d.AskTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CREWD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Must exceed dispatcher.askTimeoutMs or synchronous ask responses get cut off
	v.SetDefault("server.writeTimeout", 120)

	// Database defaults - empty host selects the SQLite store
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "crewd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "crewd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "./crewd.db")

	// NATS defaults - empty URL selects the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "crewd")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker runner defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.workDir", "/workspace")

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.projectRoot", ".")
	v.SetDefault("agent.roster", []string{})

	// Dispatcher defaults
	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.pollIntervalMs", 5000)
	v.SetDefault("dispatcher.cooldownMs", 60000)
	v.SetDefault("dispatcher.askTimeoutMs", 60000)
	v.SetDefault("dispatcher.maxAskDepth", 3)
	v.SetDefault("dispatcher.maxAskCallsPerSession", 10)

	// Channel log defaults
	v.SetDefault("channels.dataDir", "./channels")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CREWD_ with underscore-separated naming.
// A config file named config.yaml is read from the current directory or /etc/crewd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CREWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase keys, and the dispatcher knobs
	// are also set by the wider system under their bare names. Bind both.
	_ = v.BindEnv("dispatcher.enabled", "CREWD_DISPATCHER_ENABLED", "DISPATCHER_ENABLED")
	_ = v.BindEnv("dispatcher.pollIntervalMs", "CREWD_DISPATCHER_POLL_INTERVAL_MS", "POLL_INTERVAL_MS")
	_ = v.BindEnv("dispatcher.cooldownMs", "CREWD_DISPATCHER_COOLDOWN_MS", "COOLDOWN_MS")
	_ = v.BindEnv("dispatcher.askTimeoutMs", "CREWD_DISPATCHER_ASK_TIMEOUT_MS", "ASK_TIMEOUT_MS")
	_ = v.BindEnv("dispatcher.maxAskDepth", "CREWD_DISPATCHER_MAX_ASK_DEPTH", "MAX_ASK_DEPTH")
	_ = v.BindEnv("dispatcher.maxAskCallsPerSession", "CREWD_DISPATCHER_MAX_ASK_CALLS_PER_SESSION", "MAX_ASK_CALLS_PER_SESSION")
	_ = v.BindEnv("database.sqlitePath", "CREWD_DATABASE_SQLITE_PATH", "CREWD_DB_PATH")
	_ = v.BindEnv("agent.projectRoot", "CREWD_AGENT_PROJECT_ROOT")
	_ = v.BindEnv("channels.dataDir", "CREWD_CHANNELS_DATA_DIR")
	_ = v.BindEnv("logging.outputPath", "CREWD_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewd/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Postgres fields only matter when a host is configured
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	} else if cfg.Database.SQLitePath == "" {
		errs = append(errs, "database.sqlitePath is required when database.host is empty")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}

	if cfg.Dispatcher.PollIntervalMs <= 0 {
		errs = append(errs, "dispatcher.pollIntervalMs must be positive")
	}
	if cfg.Dispatcher.CooldownMs < 0 {
		errs = append(errs, "dispatcher.cooldownMs must not be negative")
	}
	if cfg.Dispatcher.AskTimeoutMs <= 0 {
		errs = append(errs, "dispatcher.askTimeoutMs must be positive")
	}
	if cfg.Dispatcher.MaxAskDepth <= 0 {
		errs = append(errs, "dispatcher.maxAskDepth must be positive")
	}
	if cfg.Dispatcher.MaxAskCallsPerSession <= 0 {
		errs = append(errs, "dispatcher.maxAskCallsPerSession must be positive")
	}

	if cfg.Docker.Enabled && cfg.Docker.Image == "" {
		errs = append(errs, "docker.image is required when docker.enabled is true")
	}

	if cfg.Channels.DataDir == "" {
		errs = append(errs, "channels.dataDir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
