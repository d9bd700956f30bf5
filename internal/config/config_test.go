package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Symbol:         "AAPL",
		FastPeriod:     10,
		SlowPeriod:     30,
		PositionSize:   100,
		LookbackBars:   100,
		PollInterval:   time.Minute,
		AckTimeout:     30 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		BackoffRetries: 5,
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty symbol", func(c *Config) { c.Symbol = "" }},
		{"fast >= slow", func(c *Config) { c.FastPeriod = 30 }},
		{"zero fast", func(c *Config) { c.FastPeriod = 0 }},
		{"slow too small", func(c *Config) { c.SlowPeriod = 1; c.FastPeriod = 0 }},
		{"zero position size", func(c *Config) { c.PositionSize = 0 }},
		{"lookback below slow", func(c *Config) { c.LookbackBars = 20 }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero ack timeout", func(c *Config) { c.AckTimeout = 0 }},
		{"backoff max below base", func(c *Config) { c.BackoffMax = time.Millisecond }},
		{"zero retries", func(c *Config) { c.BackoffRetries = 0 }},
		{"negative max qty", func(c *Config) { c.MaxQty = -1 }},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
