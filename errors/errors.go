// Package errors provides error types and utilities for the agentq library.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	ErrNotConnected    = errors.New("not connected")
	ErrQueueNotFound   = errors.New("queue not found")
	ErrLeaseExpired    = errors.New("lease expired")
	ErrNotSupported    = errors.New("operation not supported by this provider")
	ErrNoQueues        = errors.New("no queues bound")
	ErrEmptyQueueName  = errors.New("queue name cannot be empty")
	ErrNilProcessor    = errors.New("processor cannot be nil")
	ErrAlreadyRunning  = errors.New("worker already running")
	ErrTimeout         = errors.New("operation timed out")
	ErrShutdown        = errors.New("shutting down")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrEmptyActionName = errors.New("action name cannot be empty")
	ErrNilAction       = errors.New("action cannot be nil")
	ErrUnknownAction   = errors.New("unknown action")
	ErrNoDecision      = errors.New("decider returned neither tool call nor answer")
	ErrEmptyThreadID   = errors.New("thread id cannot be empty")
	ErrNoCheckpoint    = errors.New("no checkpoint for thread")
	ErrNoStore         = errors.New("checkpoint store not configured")
)

// ProviderError represents queue-provider errors
type ProviderError struct {
	Op    string // operation being performed
	Queue string // queue name (if applicable)
	Err   error  // underlying error
}

func (e *ProviderError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("provider %s on queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProcessorError represents job execution errors
type ProcessorError struct {
	Queue string // queue name
	JobID string // job identifier
	Err   error  // underlying error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor on queue %s (job %s): %v", e.Queue, e.JobID, e.Err)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// ValidationError represents action input rejected before execution
type ValidationError struct {
	Action string // action name
	Field  string // offending input field (if applicable)
	Reason string // why the input was rejected
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("action %s: field %s: %s", e.Action, e.Field, e.Reason)
	}
	return fmt.Sprintf("action %s: %s", e.Action, e.Reason)
}

// ConnectionError represents connection-related errors
type ConnectionError struct {
	URI string // connection URI (may be redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Temporary() bool {
	// Implement net.Error interface for timeout detection
	if t, ok := e.Err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return false
}

func (e *ConnectionError) Timeout() bool {
	// Implement net.Error interface for timeout detection
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// Helper functions for creating errors

// NewProviderError creates a new provider error
func NewProviderError(op, queue string, err error) error {
	return &ProviderError{Op: op, Queue: queue, Err: err}
}

// NewProcessorError creates a new processor error
func NewProcessorError(queue, jobID string, err error) error {
	return &ProcessorError{Queue: queue, JobID: jobID, Err: err}
}

// NewValidationError creates a new validation error
func NewValidationError(action, field, reason string) error {
	return &ValidationError{Action: action, Field: field, Reason: reason}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// IsTemporary checks if an error is temporary and retryable
func IsTemporary(err error) bool {
	if t, ok := err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}

	// Check common temporary error conditions
	return errors.Is(err, ErrTimeout)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	if t, ok := err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}

// IsLeaseExpired reports whether err indicates a stale acknowledgement,
// which callers treat as a no-op rather than a failure.
func IsLeaseExpired(err error) bool {
	return errors.Is(err, ErrLeaseExpired)
}

// IsQueueNotFound reports whether err indicates an unregistered queue.
func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}

// IsValidation reports whether err is an input validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
