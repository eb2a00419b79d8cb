// Package config loads the mediation server configuration with viper
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/auction"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/circuitbreaker"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/landscape"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/performance"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/waterfall"
)

// EnvPrefix prefixes every environment override, e.g. MEDIATION_SERVER_PORT
const EnvPrefix = "MEDIATION"

// Config is the full server configuration tree
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Log       LogConfig             `mapstructure:"log"`
	Auction   auction.Config        `mapstructure:"auction"`
	Breaker   circuitbreaker.Config `mapstructure:"breaker"`
	Waterfall waterfall.Config      `mapstructure:"waterfall"`
	Adapters  []adapters.Descriptor `mapstructure:"adapters"`
	Redis     RedisConfig           `mapstructure:"redis"`
	Admin     AdminConfig           `mapstructure:"admin"`
	Limits    LimitsConfig          `mapstructure:"limits"`
	Metrics   MetricsConfig         `mapstructure:"metrics"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig controls the landscape sink and the performance source.
// An empty URL disables both.
type RedisConfig struct {
	URL            string           `mapstructure:"url"`
	PerformanceKey string           `mapstructure:"performance_key"`
	RefreshPeriod  time.Duration    `mapstructure:"refresh_period"`
	Landscape      landscape.Config `mapstructure:"landscape"`
}

// AdminConfig guards the admin endpoints. With Enabled false the admin
// endpoints are served without authentication.
type AdminConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// LimitsConfig bounds incoming requests
type LimitsConfig struct {
	MaxBodySize      int64 `mapstructure:"max_body_size"`
	MaxAdminBodySize int64 `mapstructure:"max_admin_body_size"`
	MaxURLLength     int   `mapstructure:"max_url_length"`
}

// MetricsConfig controls Prometheus exposition
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auction:   auction.DefaultConfig(),
		Breaker:   circuitbreaker.DefaultConfig(),
		Waterfall: waterfall.DefaultConfig(),
		Redis: RedisConfig{
			PerformanceKey: performance.DefaultKey,
			RefreshPeriod:  30 * time.Second,
			Landscape:      landscape.DefaultConfig(),
		},
		Limits: LimitsConfig{
			MaxBodySize:      1024 * 1024,
			MaxAdminBodySize: 4 * 1024,
			MaxURLLength:     8192,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "mediation",
		},
	}
}

// SetDefaults registers defaults and environment bindings on v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Server defaults
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)

	// Log defaults
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	// Auction defaults
	v.SetDefault("auction.currency", defaults.Auction.Currency)
	v.SetDefault("auction.global_floor", defaults.Auction.GlobalFloor)
	v.SetDefault("auction.price_increment", defaults.Auction.PriceIncrement)
	v.SetDefault("auction.overall_timeout", defaults.Auction.OverallTimeout)
	v.SetDefault("auction.hedge_delay", defaults.Auction.HedgeDelay)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", defaults.Breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", defaults.Breaker.SuccessThreshold)
	v.SetDefault("breaker.open_timeout", defaults.Breaker.OpenTimeout)
	v.SetDefault("breaker.monitoring_period", defaults.Breaker.MonitoringPeriod)

	// Waterfall defaults
	v.SetDefault("waterfall.enabled", defaults.Waterfall.Enabled)
	v.SetDefault("waterfall.max_attempts", defaults.Waterfall.MaxAttempts)
	v.SetDefault("waterfall.initial_retry_delay", defaults.Waterfall.InitialRetryDelay)
	v.SetDefault("waterfall.backoff_multiplier", defaults.Waterfall.BackoffMultiplier)
	v.SetDefault("waterfall.smart", defaults.Waterfall.Smart)

	// Redis defaults
	v.SetDefault("redis.url", defaults.Redis.URL)
	v.SetDefault("redis.performance_key", defaults.Redis.PerformanceKey)
	v.SetDefault("redis.refresh_period", defaults.Redis.RefreshPeriod)
	v.SetDefault("redis.landscape.key", defaults.Redis.Landscape.Key)
	v.SetDefault("redis.landscape.max_entries", defaults.Redis.Landscape.MaxEntries)
	v.SetDefault("redis.landscape.buffer_size", defaults.Redis.Landscape.BufferSize)
	v.SetDefault("redis.landscape.timeout", defaults.Redis.Landscape.Timeout)

	// Admin defaults
	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.api_keys", defaults.Admin.APIKeys)

	// Limits defaults
	v.SetDefault("limits.max_body_size", defaults.Limits.MaxBodySize)
	v.SetDefault("limits.max_admin_body_size", defaults.Limits.MaxAdminBodySize)
	v.SetDefault("limits.max_url_length", defaults.Limits.MaxURLLength)

	// Metrics defaults
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.namespace", defaults.Metrics.Namespace)
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}
