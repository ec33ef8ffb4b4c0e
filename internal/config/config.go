// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Bus      BusConfig      `mapstructure:"bus"`
	Store    StoreConfig    `mapstructure:"store"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Progress ProgressConfig `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BusConfig selects and tunes the message transport.
type BusConfig struct {
	// Backend is one of "memory", "redis", "pubsub".
	Backend               string       `mapstructure:"backend"`
	PublishTimeoutSeconds int          `mapstructure:"publish_timeout_seconds"`
	Redis                 RedisConfig  `mapstructure:"redis"`
	PubSub                PubSubConfig `mapstructure:"pubsub"`
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds settings for the Cloud Pub/Sub backend.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	Subscription string `mapstructure:"subscription"`
}

// StoreConfig selects and tunes step persistence.
type StoreConfig struct {
	// Backend is one of "memory", "postgres".
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig selects where final job histories go.
type ArchiveConfig struct {
	// Backend is one of "memory", "local", "gcs".
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// ProgressConfig tunes how trackers estimate progress.
type ProgressConfig struct {
	// Weighting is "equal" or "phase".
	Weighting    string             `mapstructure:"weighting"`
	PhaseWeights map[string]float64 `mapstructure:"phase_weights"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TAPROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.publish_timeout_seconds", 5)
	v.SetDefault("bus.redis.addr", "localhost:6379")
	v.SetDefault("bus.redis.db", 0)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.base_dir", "./archive")
	v.SetDefault("archive.prefix", "taprogress")
	v.SetDefault("progress.weighting", "equal")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.Redis.Addr == "" {
			return fmt.Errorf("bus.redis.addr must be set for the redis backend")
		}
	case "pubsub":
		if c.Bus.PubSub.ProjectID == "" || c.Bus.PubSub.TopicName == "" || c.Bus.PubSub.Subscription == "" {
			return fmt.Errorf("bus.pubsub.project_id, topic_name and subscription must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	switch c.Progress.Weighting {
	case "equal", "phase":
	default:
		return fmt.Errorf("unknown progress.weighting %q", c.Progress.Weighting)
	}
	return nil
}

// PublishTimeout converts the configured publish budget into a duration.
func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.Bus.PublishTimeoutSeconds) * time.Second
}

// ServerTimeout converts the request timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
