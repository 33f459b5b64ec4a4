package postgres

import "time"

// Options for the Postgres provider
type Options struct {
	// URI is the Postgres connection string
	URI string

	// MaxConns is the maximum pool size
	MaxConns int32

	// MinConns is the minimum number of pooled connections kept open
	MinConns int32

	// HealthCheckPeriod is the period between pool health checks
	HealthCheckPeriod time.Duration

	// MaxConnIdleTime is how long a connection may sit idle before closing
	MaxConnIdleTime time.Duration

	// MaxConnLifetime is how long a connection may be reused
	MaxConnLifetime time.Duration

	// RetryAttempts is the number of connection attempts at startup
	RetryAttempts int

	// RetryInterval is the base delay between connection attempts
	RetryInterval time.Duration
}

// DefaultOptions returns default Postgres options
func DefaultOptions() Options {
	return Options{
		URI:               "postgres://localhost:5432/agentq?sslmode=disable",
		MaxConns:          10,
		MinConns:          2,
		HealthCheckPeriod: time.Minute,
		MaxConnIdleTime:   10 * time.Minute,
		MaxConnLifetime:   30 * time.Minute,
		RetryAttempts:     3,
		RetryInterval:     5 * time.Second,
	}
}
