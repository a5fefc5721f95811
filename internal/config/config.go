// Package config defines all configuration for the trading server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADING_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig sets where state is persisted.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AuthConfig holds the token signing secret and lifetimes.
// The secret must come from TRADING_JWT_SECRET in production.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
}

// BrokerConfig selects the broker backend. Type "simulation" runs the
// in-process simulator; anything else goes through the REST adapter.
type BrokerConfig struct {
	Type    string        `mapstructure:"type"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Account string        `mapstructure:"account"`
}

// SimulationConfig tunes the simulated broker's fill model.
type SimulationConfig struct {
	InitialBalance   float64 `mapstructure:"initial_balance"`
	SlippagePips     float64 `mapstructure:"slippage_pips"`
	CommissionPerLot float64 `mapstructure:"commission_per_lot"`
	LatencyMs        int     `mapstructure:"latency_ms"`
	FillProbability  float64 `mapstructure:"fill_probability"`
	Seed             int64   `mapstructure:"seed"`
}

// PipelineConfig tunes the coordination cycle.
type PipelineConfig struct {
	Symbol           string        `mapstructure:"symbol"`
	Strategies       []string      `mapstructure:"strategies"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// JournalConfig tunes the performance feedback loop.
type JournalConfig struct {
	LookbackDays int `mapstructure:"lookback_days"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is fine; defaults plus environment cover everything but the JWT secret.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("store.dsn", "trading.db")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("broker.type", "simulation")
	v.SetDefault("broker.timeout", 30*time.Second)
	v.SetDefault("broker.account", "main")
	v.SetDefault("simulation.initial_balance", 10000)
	v.SetDefault("simulation.slippage_pips", 0.5)
	v.SetDefault("simulation.commission_per_lot", 7.0)
	v.SetDefault("simulation.latency_ms", 50)
	v.SetDefault("simulation.fill_probability", 0.98)
	v.SetDefault("pipeline.symbol", "EURUSD")
	v.SetDefault("pipeline.strategies", []string{})
	v.SetDefault("pipeline.heartbeat_timeout", 60*time.Second)
	v.SetDefault("journal.lookback_days", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if secret := os.Getenv("TRADING_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if key := os.Getenv("TRADING_BROKER_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set TRADING_JWT_SECRET)")
	}
	if c.Broker.Type == "" {
		return fmt.Errorf("broker.type is required")
	}
	if c.Broker.Type != "simulation" && c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required when broker.type is not simulation")
	}
	if c.Simulation.InitialBalance <= 0 {
		return fmt.Errorf("simulation.initial_balance must be > 0")
	}
	if c.Simulation.FillProbability <= 0 || c.Simulation.FillProbability > 1 {
		return fmt.Errorf("simulation.fill_probability must be in (0, 1]")
	}
	if c.Journal.LookbackDays <= 0 {
		return fmt.Errorf("journal.lookback_days must be > 0")
	}
	return nil
}
