package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relayforge/agentq/errors"
	"github.com/relayforge/agentq/job"
)

// Mock implementations for testing

// ArchivedCall records one Archive invocation
type ArchivedCall struct {
	Job     *job.Job
	Failure *job.Failure
}

// DeadLetterCall records one DeadLetter invocation
type DeadLetterCall struct {
	Queue   string
	Job     *job.Job
	Failure job.Failure
}

// MockProvider implements the Provider interface for testing
type MockProvider struct {
	mu        sync.RWMutex
	connected bool

	connectError    error
	popError        error
	sendError       error
	archiveError    error
	deleteError     error
	deadLetterError error

	queues map[string][]*job.Job
	nextID int

	// When set, Pop on this queue returns a fresh job on every call.
	endlessQueue string

	popCount     int
	archived     []ArchivedCall
	deleted      []*job.Job
	deadLettered []DeadLetterCall
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		queues: make(map[string][]*job.Job),
	}
}

func (m *MockProvider) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectError != nil {
		return m.connectError
	}

	m.connected = true
	return nil
}

func (m *MockProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	return nil
}

func (m *MockProvider) Health() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return errors.ErrNotConnected
	}
	return nil
}

func (m *MockProvider) Type() string {
	return "mock"
}

func (m *MockProvider) CreateQueue(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queues[name] == nil {
		m.queues[name] = make([]*job.Job, 0)
	}
	return nil
}

func (m *MockProvider) Send(ctx context.Context, queue string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendError != nil {
		return "", m.sendError
	}
	if m.queues[queue] == nil {
		return "", errors.NewProviderError("send", queue, errors.ErrQueueNotFound)
	}

	m.nextID++
	j := &job.Job{
		ID:         fmt.Sprintf("job-%d", m.nextID),
		Queue:      queue,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	m.queues[queue] = append(m.queues[queue], j)
	return j.ID, nil
}

func (m *MockProvider) Pop(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.popCount++

	if m.popError != nil {
		return nil, m.popError
	}

	if m.endlessQueue == queue {
		m.nextID++
		return &job.Job{
			ID:             fmt.Sprintf("job-%d", m.nextID),
			Queue:          queue,
			Attempt:        1,
			EnqueuedAt:     time.Now(),
			LeaseExpiresAt: time.Now().Add(lease),
		}, nil
	}

	jobs, exists := m.queues[queue]
	if !exists {
		return nil, errors.NewProviderError("pop", queue, errors.ErrQueueNotFound)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	j := jobs[0]
	m.queues[queue] = jobs[1:]
	j.Attempt++
	j.LeaseExpiresAt = time.Now().Add(lease)

	claimed := *j
	return &claimed, nil
}

func (m *MockProvider) Read(ctx context.Context, queue string, lease time.Duration, limit int) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs, exists := m.queues[queue]
	if !exists {
		return nil, errors.NewProviderError("read", queue, errors.ErrQueueNotFound)
	}

	out := make([]job.Job, 0, limit)
	for _, j := range jobs {
		if len(out) == limit {
			break
		}
		out = append(out, *j)
	}
	return out, nil
}

func (m *MockProvider) Archive(ctx context.Context, j *job.Job, failure *job.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.archiveError != nil {
		return m.archiveError
	}

	m.archived = append(m.archived, ArchivedCall{Job: j, Failure: failure})
	return nil
}

func (m *MockProvider) Delete(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteError != nil {
		return m.deleteError
	}

	m.deleted = append(m.deleted, j)
	return nil
}

func (m *MockProvider) DeadLetter(ctx context.Context, dlq string, j *job.Job, failure job.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deadLetterError != nil {
		return m.deadLetterError
	}

	m.deadLettered = append(m.deadLettered, DeadLetterCall{Queue: dlq, Job: j, Failure: failure})
	return nil
}

// Test helpers

func (m *MockProvider) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectError = err
}

func (m *MockProvider) SetPopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.popError = err
}

func (m *MockProvider) SetArchiveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveError = err
}

func (m *MockProvider) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteError = err
}

func (m *MockProvider) SetDeadLetterError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetterError = err
}

// SetEndlessQueue makes Pop return a fresh job on every call for queue.
func (m *MockProvider) SetEndlessQueue(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endlessQueue = queue
}

func (m *MockProvider) PopCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.popCount
}

func (m *MockProvider) ArchivedCalls() []ArchivedCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ArchivedCall(nil), m.archived...)
}

func (m *MockProvider) DeletedJobs() []*job.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*job.Job(nil), m.deleted...)
}

func (m *MockProvider) DeadLetterCalls() []DeadLetterCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DeadLetterCall(nil), m.deadLettered...)
}

func (m *MockProvider) Pending(queue string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[queue])
}
