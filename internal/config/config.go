// Package config loads the bot's runtime settings from flags and the
// environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Symbol   string
	Exchange string
	Currency string

	FastPeriod   int
	SlowPeriod   int
	PositionSize int
	LookbackBars int

	PollInterval time.Duration
	AckTimeout   time.Duration

	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffRetries int

	CancelOnShutdown bool
	MarketHoursOnly  bool

	KillSwitch  bool
	MaxQty      int
	MaxNotional float64

	LogLevel       string
	MetricsAddr    string
	JournalPath    string
	CheckpointPath string

	BaseURL   string
	APIKey    string
	APISecret string
}

func Load() (Config, error) {
	var cfg Config

	// Credentials may live in a local .env file; absence is fine.
	_ = godotenv.Load()

	flag.StringVar(&cfg.Symbol, "symbol", "AAPL", "instrument symbol")
	flag.StringVar(&cfg.Exchange, "exchange", "SMART", "exchange identifier (opaque to the core)")
	flag.StringVar(&cfg.Currency, "currency", "USD", "instrument currency (opaque to the core)")
	flag.IntVar(&cfg.FastPeriod, "fast-period", 10, "fast moving-average period in bars")
	flag.IntVar(&cfg.SlowPeriod, "slow-period", 30, "slow moving-average period in bars")
	flag.IntVar(&cfg.PositionSize, "position-size", 100, "shares per entry order")
	flag.IntVar(&cfg.LookbackBars, "lookback-bars", 100, "historical bars fetched per tick")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", 60*time.Second, "tick interval")
	flag.DurationVar(&cfg.AckTimeout, "ack-timeout", 30*time.Second, "order acknowledgement timeout")
	flag.DurationVar(&cfg.BackoffBase, "backoff-base", time.Second, "reconnect backoff base delay")
	flag.DurationVar(&cfg.BackoffMax, "backoff-max", 60*time.Second, "reconnect backoff delay cap")
	flag.IntVar(&cfg.BackoffRetries, "backoff-retries", 5, "reconnect attempts per tick before skipping it")
	flag.BoolVar(&cfg.CancelOnShutdown, "cancel-on-shutdown", false, "cancel an outstanding order during shutdown")
	flag.BoolVar(&cfg.MarketHoursOnly, "market-hours-only", true, "skip ticks outside US market hours")
	flag.BoolVar(&cfg.KillSwitch, "kill-switch", false, "if true, never place orders")
	flag.IntVar(&cfg.MaxQty, "max-qty", 0, "max position size, 0 disables the check")
	flag.Float64Var(&cfg.MaxNotional, "max-notional", 0, "max notional per order, 0 disables the check")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "zerolog level")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9090", "prometheus listen address")
	flag.StringVar(&cfg.JournalPath, "journal-path", "decisions.ndjson", "path to decision journal")
	flag.StringVar(&cfg.CheckpointPath, "checkpoint-path", "checkpoint.json", "path to position checkpoint")
	flag.StringVar(&cfg.BaseURL, "base-url", "https://paper-api.alpaca.markets", "trading API base URL")
	flag.Parse()

	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if cfg.SlowPeriod <= 1 {
		return fmt.Errorf("slow-period must be > 1")
	}
	if cfg.FastPeriod <= 0 || cfg.FastPeriod >= cfg.SlowPeriod {
		return fmt.Errorf("fast-period must be > 0 and < slow-period")
	}
	if cfg.PositionSize <= 0 {
		return fmt.Errorf("position-size must be > 0")
	}
	if cfg.LookbackBars < cfg.SlowPeriod {
		return fmt.Errorf("lookback-bars must be >= slow-period")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if cfg.AckTimeout <= 0 {
		return fmt.Errorf("ack-timeout must be > 0")
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffMax < cfg.BackoffBase {
		return fmt.Errorf("backoff delays must satisfy 0 < base <= max")
	}
	if cfg.BackoffRetries <= 0 {
		return fmt.Errorf("backoff-retries must be > 0")
	}
	if cfg.MaxQty < 0 || cfg.MaxNotional < 0 {
		return fmt.Errorf("risk limits must be >= 0")
	}
	return nil
}
