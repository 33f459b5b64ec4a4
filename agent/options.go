package agent

import (
	"time"

	"github.com/relayforge/agentq/checkpoint"
)

// Config holds machine configuration
type Config struct {
	MaxIterations int
	ReasonTimeout time.Duration
	ActTimeout    time.Duration
	System        string
	Store         checkpoint.Store
}

// Option is a function that modifies machine configuration
type Option func(*Config)

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		MaxIterations: 10,
		ReasonTimeout: 60 * time.Second,
		ActTimeout:    60 * time.Second,
	}
}

// WithMaxIterations caps how many steps a run may take before the machine
// stops regardless of progress
func WithMaxIterations(n int) Option {
	return func(c *Config) {
		c.MaxIterations = n
	}
}

// WithReasonTimeout bounds each decider call. Zero disables the bound.
func WithReasonTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReasonTimeout = d
	}
}

// WithActTimeout bounds each action execution. Zero disables the bound.
func WithActTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ActTimeout = d
	}
}

// WithSystem sets the system instructions passed to the decider
func WithSystem(instructions string) Option {
	return func(c *Config) {
		c.System = instructions
	}
}

// WithCheckpoints enables state persistence after every step. States
// without a thread id are still never checkpointed.
func WithCheckpoints(store checkpoint.Store) Option {
	return func(c *Config) {
		c.Store = store
	}
}
