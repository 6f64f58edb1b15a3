// Package config assembles the immutable relay configuration from
// command-line overrides, environment variables and an optional YAML file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay configuration. It is assembled once by Load and
// passed by value into each session context; nothing mutates it afterwards.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Security  SecurityConfig  `yaml:"security"`
	Intercept InterceptConfig `yaml:"intercept"`
	Recording RecordingConfig `yaml:"recording"`
	Player    PlayerConfig    `yaml:"player"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadOptions holds command-line overrides collected by cmd/relay.
type LoadOptions struct {
	ListenAddr string
	TargetAddr string
	CertFile   string
	KeyFile    string
	LogLevel   string
	ConfigFile string
}

// RelayConfig holds the listener and target endpoints.
type RelayConfig struct {
	ListenAddr     string        `yaml:"listenAddr"`
	TargetAddr     string        `yaml:"targetAddr"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	CloseTimeout   time.Duration `yaml:"closeTimeout"`
	MaxSessions    int           `yaml:"maxSessions"`
	HookBudget     time.Duration `yaml:"hookBudget"`
	VCChunkSize    int           `yaml:"vcChunkSize"`
	ReadBufferSize int           `yaml:"readBufferSize"`
}

// SecurityConfig holds the identity the relay presents to each side.
type SecurityConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// TLSServerName overrides the server name used when dialing the target.
	TLSServerName string `yaml:"tlsServerName"`
}

// InterceptConfig holds credential replacement and payload injection settings.
type InterceptConfig struct {
	ReplaceUsername string `yaml:"replaceUsername"`
	ReplacePassword string `yaml:"replacePassword"`
	ReplaceDomain   string `yaml:"replaceDomain"`

	// Payload is typed into the session as unicode key events once both
	// sides are active. Empty disables injection.
	Payload         string        `yaml:"payload"`
	PayloadDelay    time.Duration `yaml:"payloadDelay"`
	PayloadDuration time.Duration `yaml:"payloadDuration"`
}

// RecordingConfig holds the session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// PlayerConfig holds the live player feed settings.
type PlayerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// RedisConfig selects the Redis-backed session registry when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with defaults.
func Load() (Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides taking
// priority over environment variables, which take priority over the YAML
// file, which takes priority over defaults.
func LoadWithOverrides(opts LoadOptions) (Config, error) {
	cfg := defaults()

	configFile := getOverrideOrEnv(opts.ConfigFile, "RELAY_CONFIG", "")
	if configFile != "" {
		if err := loadYAML(configFile, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", configFile, err)
		}
	}

	cfg.Relay.ListenAddr = getOverrideOrEnv(opts.ListenAddr, "RELAY_LISTEN_ADDR", cfg.Relay.ListenAddr)
	cfg.Relay.TargetAddr = getOverrideOrEnv(opts.TargetAddr, "RELAY_TARGET_ADDR", cfg.Relay.TargetAddr)
	cfg.Relay.DialTimeout = getDurationWithDefault("RELAY_DIAL_TIMEOUT", cfg.Relay.DialTimeout)
	cfg.Relay.CloseTimeout = getDurationWithDefault("RELAY_CLOSE_TIMEOUT", cfg.Relay.CloseTimeout)
	cfg.Relay.MaxSessions = getIntWithDefault("RELAY_MAX_SESSIONS", cfg.Relay.MaxSessions)
	cfg.Relay.HookBudget = getDurationWithDefault("RELAY_HOOK_BUDGET", cfg.Relay.HookBudget)

	cfg.Security.CertFile = getOverrideOrEnv(opts.CertFile, "RELAY_CERT_FILE", cfg.Security.CertFile)
	cfg.Security.KeyFile = getOverrideOrEnv(opts.KeyFile, "RELAY_KEY_FILE", cfg.Security.KeyFile)
	cfg.Security.TLSServerName = getEnvWithDefault("RELAY_TLS_SERVER_NAME", cfg.Security.TLSServerName)

	cfg.Intercept.ReplaceUsername = getEnvWithDefault("RELAY_REPLACE_USERNAME", cfg.Intercept.ReplaceUsername)
	cfg.Intercept.ReplacePassword = getEnvWithDefault("RELAY_REPLACE_PASSWORD", cfg.Intercept.ReplacePassword)
	cfg.Intercept.ReplaceDomain = getEnvWithDefault("RELAY_REPLACE_DOMAIN", cfg.Intercept.ReplaceDomain)
	cfg.Intercept.Payload = getEnvWithDefault("RELAY_PAYLOAD", cfg.Intercept.Payload)
	cfg.Intercept.PayloadDelay = getDurationWithDefault("RELAY_PAYLOAD_DELAY", cfg.Intercept.PayloadDelay)
	cfg.Intercept.PayloadDuration = getDurationWithDefault("RELAY_PAYLOAD_DURATION", cfg.Intercept.PayloadDuration)

	cfg.Recording.Enabled = getBoolWithDefault("RELAY_RECORDING_ENABLED", cfg.Recording.Enabled)
	cfg.Recording.Dir = getEnvWithDefault("RELAY_RECORDING_DIR", cfg.Recording.Dir)

	cfg.Player.Enabled = getBoolWithDefault("RELAY_PLAYER_ENABLED", cfg.Player.Enabled)
	cfg.Player.ListenAddr = getEnvWithDefault("RELAY_PLAYER_ADDR", cfg.Player.ListenAddr)

	cfg.Metrics.Enabled = getBoolWithDefault("RELAY_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.ListenAddr = getEnvWithDefault("RELAY_METRICS_ADDR", cfg.Metrics.ListenAddr)

	cfg.Redis.Addr = getEnvWithDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Username = getEnvWithDefault("REDIS_USERNAME", cfg.Redis.Username)
	cfg.Redis.Password = getEnvWithDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getIntWithDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Logging.Level = getOverrideOrEnv(opts.LogLevel, "LOG_LEVEL", cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaults() Config {
	return Config{
		Relay: RelayConfig{
			ListenAddr:     "0.0.0.0:3389",
			DialTimeout:    10 * time.Second,
			CloseTimeout:   5 * time.Second,
			MaxSessions:    100,
			HookBudget:     200 * time.Millisecond,
			VCChunkSize:    1600,
			ReadBufferSize: 64 * 1024,
		},
		Recording: RecordingConfig{
			Enabled: true,
			Dir:     "recordings",
		},
		Player: PlayerConfig{
			ListenAddr: "127.0.0.1:3390",
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.Relay.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(c.Relay.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Relay.ListenAddr, err)
	}

	if c.Relay.TargetAddr == "" {
		return fmt.Errorf("target address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(c.Relay.TargetAddr); err != nil {
		return fmt.Errorf("invalid target address %q: %w", c.Relay.TargetAddr, err)
	}

	if c.Security.CertFile != "" {
		if _, err := os.Stat(c.Security.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("certificate file does not exist: %s", c.Security.CertFile)
		}

		if _, err := os.Stat(c.Security.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("key file does not exist: %s", c.Security.KeyFile)
		}
	}

	if c.Relay.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive")
	}

	if c.Relay.HookBudget <= 0 {
		return fmt.Errorf("hook budget must be positive")
	}

	if c.Relay.VCChunkSize < 8 {
		return fmt.Errorf("virtual channel chunk size too small: %d", c.Relay.VCChunkSize)
	}

	if c.Recording.Enabled && c.Recording.Dir == "" {
		return fmt.Errorf("recording directory cannot be empty when recording is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getOverrideOrEnv returns command-line override value, env value, or default
func getOverrideOrEnv(override, envKey, defaultValue string) string {
	if override != "" {
		return override
	}
	return getEnvWithDefault(envKey, defaultValue)
}
