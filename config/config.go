// Package config loads service configuration from config.yaml and
// BASTION_* environment variables via viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bastion/notify"
)

// Config holds all configuration for the bastion service.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Database struct {
		// Path to the sqlite file. Empty derives ${DataDir}/bastion.db.
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	API struct {
		Host               string        `mapstructure:"host"`
		Port               int           `mapstructure:"port"`
		JWTSecret          string        `mapstructure:"jwt_secret"`
		TokenTTL           time.Duration `mapstructure:"token_ttl"`
		RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
		RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
		ReadTimeout        time.Duration `mapstructure:"read_timeout"`
		WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"api"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Engine struct {
		MaxConcurrentSteps int    `mapstructure:"max_concurrent_steps"`
		ScriptDir          string `mapstructure:"script_dir"`
		EnforcementURL     string `mapstructure:"enforcement_url"`
	} `mapstructure:"engine"`

	Notifications []notify.ChannelConfig `mapstructure:"notifications"`

	Logging struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"logging"`
}

func setDefaults() {
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("database.path", "")

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.token_ttl", 24*time.Hour)
	viper.SetDefault("api.rate_limit_per_minute", 600)
	viper.SetDefault("api.rate_limit_burst", 50)
	viper.SetDefault("api.read_timeout", 30*time.Second)
	viper.SetDefault("api.write_timeout", 30*time.Second)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("engine.max_concurrent_steps", 16)
	viper.SetDefault("engine.script_dir", "")
	viper.SetDefault("engine.enforcement_url", "")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.json", true)
}

// Load reads config.yaml (from the working directory or ./config) and
// the BASTION_* environment overrides. A missing file is fine; missing
// required values are not.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("BASTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.API.JWTSecret == "" {
		return errors.New("api.jwt_secret is required (set BASTION_API_JWT_SECRET)")
	}
	if len(cfg.API.JWTSecret) < 16 {
		return errors.New("api.jwt_secret must be at least 16 characters")
	}
	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port %d is out of range", cfg.API.Port)
	}
	if cfg.Engine.MaxConcurrentSteps < 1 {
		return fmt.Errorf("engine.max_concurrent_steps must be positive, got %d", cfg.Engine.MaxConcurrentSteps)
	}
	for i, ch := range cfg.Notifications {
		switch ch.Type {
		case notify.ChannelEmail, notify.ChannelWebhook:
		default:
			return fmt.Errorf("notifications[%d].type %q is not a known channel type", i, ch.Type)
		}
		if ch.MinSeverity != "" && !ch.MinSeverity.Valid() {
			return fmt.Errorf("notifications[%d].min_severity %q is not a known severity", i, ch.MinSeverity)
		}
	}
	return nil
}

// SQLitePath resolves the database file location.
func (c *Config) SQLitePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "bastion.db")
}

// ListenAddr is the host:port the API binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
