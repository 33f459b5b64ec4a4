package core

import (
	"time"
)

// Config holds worker configuration
type Config struct {
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	BackoffJitter   float64
}

// WorkerOption is a function that modifies worker configuration
type WorkerOption func(*Config)

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		PollInterval:    5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		BackoffInitial:  1 * time.Second,
		BackoffMax:      30 * time.Second,
		BackoffJitter:   0.2,
	}
}

// WithPollInterval sets how long a loop sleeps after finding its queue empty
func WithPollInterval(d time.Duration) WorkerOption {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithBackoff sets the initial and maximum delay applied after poll errors.
// The delay doubles on each consecutive error and resets on success.
func WithBackoff(initial, max time.Duration) WorkerOption {
	return func(c *Config) {
		c.BackoffInitial = initial
		c.BackoffMax = max
	}
}

// WithBackoffJitter sets the random fraction (0..1) applied to backoff
// delays so that workers sharing a store do not retry in lockstep.
func WithBackoffJitter(f float64) WorkerOption {
	return func(c *Config) {
		c.BackoffJitter = f
	}
}
