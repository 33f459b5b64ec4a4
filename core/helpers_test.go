package core

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// TestSetup provides common test dependencies
type TestSetup struct {
	Provider *MockProvider
}

// NewTestSetup creates a standard test setup with a connected mock provider
func NewTestSetup() *TestSetup {
	// Set up a discard logger for tests to avoid noise
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))
	slog.SetDefault(logger)

	return &TestSetup{
		Provider: NewMockProvider(),
	}
}

// NewQueue builds a queue, failing the test on invalid options
func (s *TestSetup) NewQueue(t *testing.T, name string, processor Processor, options ...QueueOption) *Queue {
	t.Helper()
	q, err := NewQueue(name, processor, options...)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	return q
}

// waitFor polls cond until it holds or the timeout lapses
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
