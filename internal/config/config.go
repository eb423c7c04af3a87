// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_CHAT_CONFIG"

// Config represents the complete coven-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Queue     QueueConfig     `yaml:"queue"`
	AI        AIConfig        `yaml:"ai"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo)
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// RedisConfig locates the Redis server. URL wins over the discrete fields.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis server is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Addr != ""
}

// BroadcastConfig selects how chat events fan out
type BroadcastConfig struct {
	// Driver is "memory" (single instance) or "redis"
	Driver string `yaml:"driver"`
}

// QueueConfig selects the background job backend
type QueueConfig struct {
	// Backend is "memory" or "asynq"
	Backend     string `yaml:"backend"`
	Concurrency int    `yaml:"concurrency"`
	Size        int    `yaml:"size"`
}

// AIConfig holds the AI worker bridge configuration
type AIConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RequestsKey     string `yaml:"requests_key"`
	ResponsesKey    string `yaml:"responses_key"`
	ListenMode      string `yaml:"listen_mode"` // "poll" or "subscribe"
	MaxAttempts     int    `yaml:"max_attempts"`
	FallbackMessage string `yaml:"fallback_message"`

	PollInterval     time.Duration `yaml:"-"`
	ErrorBackoff     time.Duration `yaml:"-"`
	RequestTTL       time.Duration `yaml:"-"`
	ReconnectBackoff time.Duration `yaml:"-"`
	MaxBackoff       time.Duration `yaml:"-"`
	JobTimeout       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw     string `yaml:"poll_interval"`
	ErrorBackoffRaw     string `yaml:"error_backoff"`
	RequestTTLRaw       string `yaml:"request_ttl"`
	ReconnectBackoffRaw string `yaml:"reconnect_backoff"`
	MaxBackoffRaw       string `yaml:"max_backoff"`
	JobTimeoutRaw       string `yaml:"job_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs a single instance with no Redis.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{HTTPAddr: "0.0.0.0:8080"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "coven-chat.db"},
		Broadcast: BroadcastConfig{Driver: "memory"},
		Queue:     QueueConfig{Backend: "memory", Concurrency: 4, Size: 256},
		AI: AIConfig{
			RequestsKey:      "ai-requests",
			ResponsesKey:     "ai-responses",
			ListenMode:       "poll",
			MaxAttempts:      3,
			FallbackMessage:  "Sorry, there was an error processing your message. Please try again.",
			PollInterval:     time.Second,
			ErrorBackoff:     5 * time.Second,
			RequestTTL:       10 * time.Minute,
			ReconnectBackoff: time.Second,
			MaxBackoff:       30 * time.Second,
			JobTimeout:       30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the config location: $COVEN_CHAT_CONFIG if set,
// otherwise coven/chat.yaml under the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "coven", "chat.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven", "chat.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields absent from the file keep the values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Broadcast.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("broadcast.driver redis requires redis.url or redis.addr")
		}
	default:
		return fmt.Errorf("broadcast.driver must be memory or redis, got %q", c.Broadcast.Driver)
	}

	switch c.Queue.Backend {
	case "memory":
	case "asynq":
		if !c.Redis.Enabled() {
			return fmt.Errorf("queue.backend asynq requires redis.url or redis.addr")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or asynq, got %q", c.Queue.Backend)
	}

	if c.AI.Enabled {
		if !c.Redis.Enabled() {
			return fmt.Errorf("ai.enabled requires redis.url or redis.addr")
		}
		if c.AI.ListenMode != "poll" && c.AI.ListenMode != "subscribe" {
			return fmt.Errorf("ai.listen_mode must be poll or subscribe, got %q", c.AI.ListenMode)
		}
		if c.AI.MaxAttempts < 1 {
			return fmt.Errorf("ai.max_attempts must be at least 1")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", cfg.AI.PollIntervalRaw, &cfg.AI.PollInterval},
		{"error_backoff", cfg.AI.ErrorBackoffRaw, &cfg.AI.ErrorBackoff},
		{"request_ttl", cfg.AI.RequestTTLRaw, &cfg.AI.RequestTTL},
		{"reconnect_backoff", cfg.AI.ReconnectBackoffRaw, &cfg.AI.ReconnectBackoff},
		{"max_backoff", cfg.AI.MaxBackoffRaw, &cfg.AI.MaxBackoff},
		{"job_timeout", cfg.AI.JobTimeoutRaw, &cfg.AI.JobTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
