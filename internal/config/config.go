// Package config loads proxy binary configuration from environment
// variables and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the bx24-proxy runtime configuration.
type Config struct {
	// Endpoint is the inbound webhook base URL of the portal.
	Endpoint string `mapstructure:"endpoint" validate:"required,url"`

	// Addr is the listen address of the proxy HTTP server.
	Addr string `mapstructure:"addr" validate:"required"`

	// RedisAddr enables Redis-backed caching and shared operating
	// state when set.
	RedisAddr string `mapstructure:"redis_addr"`

	// RedisDB selects the Redis database.
	RedisDB int `mapstructure:"redis_db" validate:"gte=0"`

	// RequestsPerSecond caps the outbound request rate.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`

	// Burst is the short-term request burst allowance.
	Burst int `mapstructure:"burst" validate:"gte=0"`

	// CacheTTL is the lifetime of cacheable responses.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// LogLevel is the minimum log level.
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogPretty switches from JSON to console log output.
	LogPretty bool `mapstructure:"log_pretty"`
}

// Load reads configuration from BX24_* environment variables, with an
// optional config file layered underneath. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("BX24")
	v.AutomaticEnv()

	// Defaults also register the keys, so AutomaticEnv picks up the
	// matching environment variables during Unmarshal.
	v.SetDefault("endpoint", "")
	v.SetDefault("addr", ":8080")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("requests_per_second", 2.0)
	v.SetDefault("burst", 5)
	v.SetDefault("cache_ttl", 5*time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &config, nil
}
