// Package config loads service configuration from an optional file, a .env
// file, and PORTFOLIO_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: server.port is read from
// PORTFOLIO_SERVER_PORT.
const EnvPrefix = "PORTFOLIO"

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Store     StoreConfig     `mapstructure:"store"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"             validate:"required,numeric"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// PortfolioConfig holds engine settings. Money is configured as text and
// parsed into decimals.
type PortfolioConfig struct {
	ID          string `mapstructure:"id"           validate:"required"`
	InitialCash string `mapstructure:"initial_cash" validate:"numeric,nonnegative"`
	CheckFunds  bool   `mapstructure:"check_funds"`
	ChainPolicy string `mapstructure:"chain_policy" validate:"oneof=lowest highest"`
}

type StoreConfig struct {
	Driver       string        `mapstructure:"driver"        validate:"oneof=memory file postgres"`
	SnapshotPath string        `mapstructure:"snapshot_path" validate:"required_if=Driver file"`
	LedgerPath   string        `mapstructure:"ledger_path"   validate:"required_if=Driver file"`
	Columns      []string      `mapstructure:"columns"`
	DatabaseURL  string        `mapstructure:"database_url"  validate:"required_if=Driver postgres"`
	RedisURL     string        `mapstructure:"redis_url"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type BrokerConfig struct {
	Mode         string        `mapstructure:"mode"          validate:"oneof=none sim"`
	Execute      bool          `mapstructure:"execute"`
	SeedHoldings bool          `mapstructure:"seed_holdings"`
	SlippageBps  string        `mapstructure:"slippage_bps"  validate:"numeric,nonnegative"`
	Breaker      BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio" validate:"gte=0,lte=1"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// LimitsConfig caps exposure in underlying units. Zero disables a limit.
type LimitsConfig struct {
	MaxPerSymbol  string `mapstructure:"max_per_symbol" validate:"numeric,nonnegative"`
	MaxCorrelated string `mapstructure:"max_correlated" validate:"numeric,nonnegative"`
}

// Load reads configuration. path may be empty; a missing .env file is not
// an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	validate := validator.New()
	if err := validate.RegisterValidation("nonnegative", nonNegative); err != nil {
		return nil, fmt.Errorf("register validator: %w", err)
	}
	if err := validate.Struct(&conf); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &conf, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("portfolio.id", "default")
	v.SetDefault("portfolio.initial_cash", "0")
	v.SetDefault("portfolio.check_funds", true)
	v.SetDefault("portfolio.chain_policy", "lowest")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.snapshot_path", "portfolio.json")
	v.SetDefault("store.ledger_path", "transactions.csv")
	v.SetDefault("store.columns", []string{})
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", 30*time.Second)

	v.SetDefault("broker.mode", "none")
	v.SetDefault("broker.execute", false)
	v.SetDefault("broker.seed_holdings", false)
	v.SetDefault("broker.slippage_bps", "0")
	v.SetDefault("broker.breaker.enabled", true)
	v.SetDefault("broker.breaker.max_requests", 1)
	v.SetDefault("broker.breaker.interval", time.Minute)
	v.SetDefault("broker.breaker.timeout", 30*time.Second)
	v.SetDefault("broker.breaker.failure_ratio", 0.5)
	v.SetDefault("broker.breaker.min_requests", 5)

	v.SetDefault("limits.max_per_symbol", "0")
	v.SetDefault("limits.max_correlated", "0")
}

// nonNegative rejects decimal settings below zero.
func nonNegative(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && !d.IsNegative()
}

// Dec parses a validated decimal setting.
func Dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
