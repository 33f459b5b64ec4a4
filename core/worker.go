package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relayforge/agentq/errors"
	"github.com/relayforge/agentq/job"
)

// Worker drives the poll/dispatch/acknowledge cycle for a set of queues.
// Each bound queue gets its own polling loop; jobs within one queue are
// processed sequentially while loops for different queues run concurrently
// against the shared provider.
type Worker struct {
	provider Provider
	queues   []*Queue
	config   *Config

	hostname string
	pid      int

	// Statistics
	processed int64
	failed    int64
	startTime time.Time

	running    int32
	mu         sync.Mutex
	cancelPoll context.CancelFunc
	cancelJobs context.CancelFunc
	wg         sync.WaitGroup
}

// NewWorker creates a worker around a provider. Queues are attached with
// Bind before Start.
func NewWorker(provider Provider, opts ...WorkerOption) *Worker {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	hostname, _ := os.Hostname()

	return &Worker{
		provider: provider,
		config:   config,
		hostname: hostname,
		pid:      os.Getpid(),
	}
}

// ID identifies this worker instance in logs and health reports.
func (w *Worker) ID() string {
	return fmt.Sprintf("%s:%d", w.hostname, w.pid)
}

// Bind attaches a queue to the worker. Must be called before Start.
func (w *Worker) Bind(q *Queue) error {
	if atomic.LoadInt32(&w.running) == 1 {
		return errors.ErrAlreadyRunning
	}
	w.queues = append(w.queues, q)
	return nil
}

// Queues returns the bound queues.
func (w *Worker) Queues() []*Queue {
	return w.queues
}

// QueueNames returns the names of all bound queues.
func (w *Worker) QueueNames() []string {
	names := make([]string, 0, len(w.queues))
	for _, q := range w.queues {
		names = append(names, q.Name())
	}
	return names
}

// Start connects the provider and blocks processing jobs until the polling
// loops stop, either through Stop or cancellation of ctx. Cancelling ctx
// requests a graceful drain: loops stop popping but in-flight jobs finish
// and are acknowledged.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.queues) == 0 {
		return errors.ErrNoQueues
	}
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return errors.ErrAlreadyRunning
	}
	defer atomic.StoreInt32(&w.running, 0)

	if err := w.provider.Connect(ctx); err != nil {
		return errors.NewConnectionError(w.provider.Type(), err)
	}
	defer func() {
		if err := w.provider.Close(); err != nil {
			slog.Error("Failed to close provider", "error", err)
		}
	}()

	// Polling stops on pollCtx; in-flight jobs and their acknowledgements
	// run on jobCtx so a graceful drain lets them finish.
	pollCtx, cancelPoll := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	defer cancelPoll()

	w.mu.Lock()
	w.cancelPoll = cancelPoll
	w.cancelJobs = cancelJobs
	w.startTime = time.Now()
	w.mu.Unlock()

	slog.Info("Worker started",
		"id", w.ID(), "provider", w.provider.Type(), "queues", w.QueueNames())

	for _, q := range w.queues {
		w.wg.Add(1)
		go func(q *Queue) {
			defer w.wg.Done()
			w.pollLoop(pollCtx, jobCtx, q)
		}(q)
	}

	w.wg.Wait()
	slog.Info("Worker stopped", "id", w.ID())
	return nil
}

// Stop shuts the worker down. With graceful=true it stops polling and
// waits (up to the shutdown timeout) for in-flight jobs to finish and be
// acknowledged. With graceful=false it abandons in-flight work immediately;
// those leases lapse and the store redelivers the jobs.
func (w *Worker) Stop(graceful bool) {
	w.mu.Lock()
	cancelPoll := w.cancelPoll
	cancelJobs := w.cancelJobs
	w.mu.Unlock()

	if cancelPoll == nil {
		return
	}
	cancelPoll()

	if !graceful {
		slog.Warn("Forced shutdown, abandoning in-flight jobs", "id", w.ID())
		cancelJobs()
		return
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.config.ShutdownTimeout):
		slog.Warn("Shutdown timeout exceeded, abandoning in-flight jobs", "id", w.ID())
		cancelJobs()
	}
}

// Run starts the worker and blocks until a shutdown signal arrives. The
// first SIGINT/SIGTERM drains in-flight work; a second one forces an
// immediate return, leaving any in-flight lease to expire.
func (w *Worker) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("Shutdown signal received, draining", "signal", sig.String())
		go w.Stop(true)
	}

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Warn("Second signal received, forcing shutdown", "signal", sig.String())
		w.Stop(false)
		return nil
	}
}

// Health is a point-in-time snapshot for external health checks.
type Health struct {
	ID        string
	Running   bool
	Processed int64
	Failed    int64
	Uptime    time.Duration
	Provider  error
}

// Health reports the worker's current state, including the provider's own
// health check result.
func (w *Worker) Health() Health {
	w.mu.Lock()
	started := w.startTime
	w.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}

	return Health{
		ID:        w.ID(),
		Running:   atomic.LoadInt32(&w.running) == 1,
		Processed: atomic.LoadInt64(&w.processed),
		Failed:    atomic.LoadInt64(&w.failed),
		Uptime:    uptime,
		Provider:  w.provider.Health(),
	}
}

// pollLoop pops jobs from one queue until pollCtx is cancelled. Poll errors
// back off exponentially with jitter; an unregistered queue stops the loop
// since no amount of retrying fixes configuration.
func (w *Worker) pollLoop(pollCtx, jobCtx context.Context, q *Queue) {
	slog.Info("Queue loop started",
		"queue", q.Name(), "max_retries", q.MaxRetries(), "lease", q.LeaseTimeout())

	var backoff time.Duration
	for {
		if pollCtx.Err() != nil {
			slog.Info("Queue loop stopped", "queue", q.Name())
			return
		}

		j, err := w.provider.Pop(pollCtx, q.Name(), q.LeaseTimeout())
		if err != nil {
			if pollCtx.Err() != nil {
				slog.Info("Queue loop stopped", "queue", q.Name())
				return
			}
			if errors.IsQueueNotFound(err) {
				slog.Error("Queue does not exist, stopping loop",
					"queue", q.Name(), "error", err)
				return
			}
			backoff = w.nextBackoff(backoff)
			slog.Error("Failed to poll queue",
				"queue", q.Name(), "backoff", backoff, "error", err)
			sleep(pollCtx, backoff)
			continue
		}
		backoff = 0

		if j == nil {
			sleep(pollCtx, w.config.PollInterval)
			continue
		}

		w.processJob(jobCtx, q, j)
	}
}

// processJob runs one job through its queue's processor and policy. Nothing
// a job does can take the loop down.
func (w *Worker) processJob(ctx context.Context, q *Queue, j *job.Job) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&w.failed, 1)
			slog.Error("Panic escaped job handling",
				"queue", q.Name(), "job_id", j.ID, "panic", r)
		}
	}()

	startTime := time.Now()
	slog.Debug("Job popped",
		"queue", q.Name(), "job_id", j.ID, "attempt", j.Attempt)

	result := q.Invoke(ctx, j)
	duration := time.Since(startTime)

	if result.Success() {
		atomic.AddInt64(&w.processed, 1)
		q.Finish(ctx, w.provider, j)
		slog.Debug("Job completed",
			"queue", q.Name(), "job_id", j.ID, "duration", duration)
		return
	}

	atomic.AddInt64(&w.failed, 1)
	slog.Error("Job failed",
		"queue", q.Name(), "job_id", j.ID, "attempt", j.Attempt,
		"duration", duration, "error", result.Err)
	q.HandleError(ctx, w.provider, j, result.Err)
}

// nextBackoff doubles the previous delay up to the configured maximum and
// spreads it with jitter.
func (w *Worker) nextBackoff(prev time.Duration) time.Duration {
	next := w.config.BackoffInitial
	if prev > 0 {
		next = prev * 2
	}
	if next > w.config.BackoffMax {
		next = w.config.BackoffMax
	}
	if w.config.BackoffJitter > 0 {
		spread := float64(next) * w.config.BackoffJitter
		next += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if next < 0 {
		next = w.config.BackoffInitial
	}
	return next
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
