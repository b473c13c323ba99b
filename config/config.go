// Package config loads dagflow settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DAGFLOW_STORAGE_DRIVER.
const EnvPrefix = "DAGFLOW"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Storage StorageConfig `mapstructure:"storage"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type PluginsConfig struct {
	// Manifest is a YAML plugin manifest. Empty enables every built-in plugin.
	Manifest string `mapstructure:"manifest"`
}

type EngineConfig struct {
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("plugins.manifest", "")
	v.SetDefault("engine.step_timeout", time.Duration(0))
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.redis.key_prefix", "dagflow:")
	v.SetDefault("storage.postgres.dsn", "")
}

// Load reads path when it is not empty, then applies DAGFLOW_* environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("%w: storage.postgres.dsn is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Engine.StepTimeout < 0 {
		return fmt.Errorf("%w: engine.step_timeout must not be negative", ErrInvalidConfig)
	}
	if c.Storage.Redis.IdleTimeout < 0 {
		return fmt.Errorf("%w: storage.redis.idle_timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}
