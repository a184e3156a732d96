// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every runtime setting of the simulator.
type Config struct {
	BindAddr       string
	PersistDir     string
	PersistTimeout time.Duration
	OracleTimeout  time.Duration
	TickInterval   time.Duration
	MarkInterval   time.Duration
	FeePct         decimal.Decimal
	InitialBalance decimal.Decimal
	TradesTail     int

	PriceAPIURL  string
	StaticPrices string
	SignalAPIURL string

	DatabaseURL string
	RedisURL    string

	JWTSecret string

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		BindAddr:       "0.0.0.0:8000",
		PersistDir:     "./data",
		PersistTimeout: 2 * time.Second,
		OracleTimeout:  2 * time.Second,
		TickInterval:   5 * time.Second,
		MarkInterval:   5 * time.Second,
		FeePct:         decimal.Zero,
		InitialBalance: decimal.NewFromInt(10000),
		TradesTail:     200,
		PriceAPIURL:    "https://api.binance.com",
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads .env (if present) and the process environment on top of the
// defaults. Malformed values are errors.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := Default()
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFromEnv() error {
	if val := os.Getenv("HTTP_BIND_ADDR"); val != "" {
		c.BindAddr = val
	}
	if val := os.Getenv("PERSIST_DIR"); val != "" {
		c.PersistDir = val
	}
	if val := os.Getenv("PRICE_API_URL"); val != "" {
		c.PriceAPIURL = val
	}
	c.StaticPrices = os.Getenv("STATIC_PRICES")
	c.SignalAPIURL = os.Getenv("SIGNAL_API_URL")
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.RedisURL = os.Getenv("REDIS_URL")
	c.JWTSecret = os.Getenv("AUTH_JWT_SECRET")
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.LogFormat = val
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"PERSIST_TIMEOUT_MS", &c.PersistTimeout},
		{"ORACLE_TIMEOUT_MS", &c.OracleTimeout},
		{"AUTOTRADER_TICK_MS", &c.TickInterval},
		{"MARK_INTERVAL_MS", &c.MarkInterval},
	} {
		if err := millis(d.key, d.dst); err != nil {
			return err
		}
	}

	if val := os.Getenv("FEE_PCT"); val != "" {
		v, err := decimal.NewFromString(val)
		if err != nil || v.IsNegative() || v.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("FEE_PCT: expected a percentage in [0,100], got %q", val)
		}
		c.FeePct = v
	}
	if val := os.Getenv("INITIAL_BALANCE"); val != "" {
		v, err := decimal.NewFromString(val)
		if err != nil || !v.IsPositive() {
			return fmt.Errorf("INITIAL_BALANCE: expected a positive amount, got %q", val)
		}
		c.InitialBalance = v
	}
	if val := os.Getenv("TRADES_TAIL"); val != "" {
		v, err := strconv.Atoi(val)
		if err != nil || v <= 0 {
			return fmt.Errorf("TRADES_TAIL: expected a positive integer, got %q", val)
		}
		c.TradesTail = v
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT: expected json or console, got %q", c.LogFormat)
	}
	return nil
}

func millis(key string, dst *time.Duration) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	ms, err := strconv.Atoi(val)
	if err != nil || ms <= 0 {
		return fmt.Errorf("%s: expected a positive number of milliseconds, got %q", key, val)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
