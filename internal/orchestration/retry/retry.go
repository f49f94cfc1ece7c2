// Package retry runs operations with exponential backoff and keeps
// per-operation attempt state so callers can resume or inspect failures.
package retry

import (
	"math"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"maxAttempts" default:"3" validate:"gte=1"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initialDelay" default:"1s" validate:"gt=0"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"maxDelay" default:"10s" validate:"gtefield=InitialDelay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoffMultiplier" default:"2.0" validate:"gt=1"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxAttempts:       3,
	InitialDelay:      1 * time.Second,
	MaxDelay:          10 * time.Second,
	BackoffMultiplier: 2.0,
}

// withDefaults fills zero fields so a partially specified config still runs.
func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = DefaultConfig.BackoffMultiplier
	}
	return c
}

// backoff returns the delay before attempt+1, where attempt counts from 1.
// The first wait equals InitialDelay; each further wait multiplies by
// BackoffMultiplier capped at MaxDelay.
func backoff(attempt int, cfg Config) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
