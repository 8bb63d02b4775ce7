// Package config provides configuration management for Robolink.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// Config matches the structure of robolink.json
type Config struct {
	Env       map[string]string `json:"env" yaml:"env" mapstructure:"env"`
	Relay     RelayConfig       `json:"relay" yaml:"relay" mapstructure:"relay"`
	Store     StoreConfig       `json:"store" yaml:"store" mapstructure:"store"`
	Session   SessionConfig     `json:"session" yaml:"session" mapstructure:"session"`
	Liveness  LivenessConfig    `json:"liveness" yaml:"liveness" mapstructure:"liveness"`
	Keepalive KeepaliveConfig   `json:"keepalive" yaml:"keepalive" mapstructure:"keepalive"`
	Logging   LoggingConfig     `json:"logging" yaml:"logging" mapstructure:"logging"`
}

type RelayConfig struct {
	Host        string          `json:"host" yaml:"host" mapstructure:"host"`
	Port        int             `json:"port" yaml:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	AllowLegacy bool            `json:"allowLegacy" yaml:"allowLegacy" mapstructure:"allowLegacy"`
	Auth        AuthConfig      `json:"auth" yaml:"auth" mapstructure:"auth"`
	RateLimit   RateLimitConfig `json:"rateLimit" yaml:"rateLimit" mapstructure:"rateLimit"`
}

type AuthConfig struct {
	Token string `json:"token" yaml:"token" mapstructure:"token"`
}

type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" mapstructure:"rps" validate:"gte=0"`
	Burst   int     `json:"burst" yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

type StoreConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory store.
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

type SessionConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`
	Token    string `json:"token" yaml:"token" mapstructure:"token"`
}

type LivenessConfig struct {
	Staleness    time.Duration `json:"staleness" yaml:"staleness" mapstructure:"staleness" validate:"gt=0"`
	GraceWindow  time.Duration `json:"graceWindow" yaml:"graceWindow" mapstructure:"graceWindow" validate:"gt=0"`
	MinBatchSize int           `json:"minBatchSize" yaml:"minBatchSize" mapstructure:"minBatchSize" validate:"gte=1"`
	MaxBatches   int           `json:"maxBatches" yaml:"maxBatches" mapstructure:"maxBatches" validate:"gte=1"`
	Strict       bool          `json:"strict" yaml:"strict" mapstructure:"strict"`
	RunBudget    time.Duration `json:"runBudget" yaml:"runBudget" mapstructure:"runBudget" validate:"gt=0"`
	Interval     time.Duration `json:"interval" yaml:"interval" mapstructure:"interval" validate:"gte=0"`
}

type KeepaliveConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval" validate:"gte=0"`
	MaxPages int           `json:"maxPages" yaml:"maxPages" mapstructure:"maxPages" validate:"gte=1"`
}

type LoggingConfig struct {
	Level   string `json:"level" yaml:"level" mapstructure:"level"`
	Verbose bool   `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
}

// StateDir returns the Robolink state directory path.
// Can be overridden via ROBOLINK_STATE_DIR environment variable.
// Default: ~/.robolink
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("ROBOLINK_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".robolink"
	}
	return filepath.Join(home, ".robolink")
}

// ConfigPath returns the default config file path.
// Can be overridden via ROBOLINK_CONFIG_PATH environment variable.
// Default: ~/.robolink/robolink.json
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("ROBOLINK_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "robolink.json")
}

// expandPath expands ~ to home directory and resolves the path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Check for explicit config path override
	if configPath := strings.TrimSpace(os.Getenv("ROBOLINK_CONFIG_PATH")); configPath != "" {
		expandedPath := expandPath(configPath)
		fileInfo, err := os.Stat(expandedPath)
		if err == nil && fileInfo.IsDir() {
			v.SetConfigName("robolink")
			v.AddConfigPath(expandedPath)
		} else {
			// If it's a file (or doesn't exist yet/unknown), assume it's the full file path
			v.SetConfigFile(expandedPath)
		}
	} else {
		v.SetConfigName("robolink")
		v.AddConfigPath(StateDir()) // ~/.robolink/
	}

	// Env vars - use ROBOLINK_ prefix
	v.SetEnvPrefix("ROBOLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Fallback: try config.yaml in the state dir
		v.SetConfigName("config")
		if err2 := v.ReadInConfig(); err2 != nil {
			if _, ok := err2.(viper.ConfigFileNotFoundError); ok {
				return nil, ErrConfigNotFound
			}
			return nil, err2
		}
	}

	return v, nil
}

// Load reads the configuration from file or environment variables.
// A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
		v = viper.New()
		setDefaults(v)
		v.SetEnvPrefix("ROBOLINK")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Inject config.env block into the OS environment before expansion
	// so that ${KEY} references inside the config resolve.
	for k, val := range cfg.Env {
		expandedVal := os.ExpandEnv(val)
		_ = os.Setenv(k, expandedVal)
		cfg.Env[k] = expandedVal
	}

	expandEnvVars(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Relay defaults
	v.SetDefault("relay.host", "127.0.0.1")
	v.SetDefault("relay.port", 18790)
	v.SetDefault("relay.allowLegacy", true)
	v.SetDefault("relay.rateLimit.enabled", false)
	v.SetDefault("relay.rateLimit.rps", 20)
	v.SetDefault("relay.rateLimit.burst", 40)

	// Liveness defaults
	v.SetDefault("liveness.staleness", "1h")
	v.SetDefault("liveness.graceWindow", "10s")
	v.SetDefault("liveness.minBatchSize", 25)
	v.SetDefault("liveness.maxBatches", 30)
	v.SetDefault("liveness.strict", false)
	v.SetDefault("liveness.runBudget", "10m")
	v.SetDefault("liveness.interval", "15m")

	// Keepalive defaults
	v.SetDefault("keepalive.interval", "5m")
	v.SetDefault("keepalive.maxPages", 40)

	// Logging defaults
	v.SetDefault("logging.level", "info")
}

// expandEnvVars expands environment variables in sensitive fields.
func expandEnvVars(cfg *Config) {
	cfg.Relay.Auth.Token = os.ExpandEnv(cfg.Relay.Auth.Token)
	cfg.Session.Token = os.ExpandEnv(cfg.Session.Token)
}

// Save saves the configuration to the config file.
// Uses ConfigPath() for consistency with Load().
// Only JSON format is supported.
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks for semantic errors in the config.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
