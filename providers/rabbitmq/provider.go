// Package rabbitmq provides a queue provider backed by RabbitMQ.
//
// Queues are declared as quorum queues so the broker tracks delivery counts;
// attempt numbering reads the x-delivery-count header. AMQP has no visibility
// timeout, so leases are enforced client side: unacknowledged deliveries are
// tracked in memory and a sweeper nacks them back to the queue once their
// lease lapses. An unclean disconnect has the same effect, since the broker
// requeues everything unacknowledged on the lost channel.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayforge/agentq/errors"
	"github.com/relayforge/agentq/job"
)

// leasedDelivery tracks one unacknowledged delivery and its lease deadline.
type leasedDelivery struct {
	queue    string
	tag      uint64
	channel  *amqp.Channel
	deadline time.Time
}

// archiveEntry is the JSON record published on a queue's archive channel.
type archiveEntry struct {
	job.Envelope
	Status     string       `json:"status"`
	Failure    *job.Failure `json:"failure,omitempty"`
	ArchivedAt time.Time    `json:"archived_at"`
}

// Provider implements the queue contract for RabbitMQ.
type Provider struct {
	connection     *amqp.Connection
	channel        *amqp.Channel
	options        Options
	declaredQueues map[string]bool
	inflight       map[uint64]*leasedDelivery
	mu             sync.RWMutex
	notifyClose    chan *amqp.Error
	isConnected    bool
	sweeperDone    chan struct{}
}

// New creates a RabbitMQ provider.
func New(options Options) *Provider {
	return &Provider{
		options:        options,
		declaredQueues: make(map[string]bool),
		inflight:       make(map[uint64]*leasedDelivery),
	}
}

// Connect establishes the connection and channel and starts the lease
// sweeper. Connecting while connected is a no-op.
func (r *Provider) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isConnected {
		return nil
	}

	if err := r.connect(); err != nil {
		return err
	}

	if r.sweeperDone == nil {
		r.sweeperDone = make(chan struct{})
		go r.sweeper(r.sweeperDone)
	}
	return nil
}

// connect establishes the connection and channel and sets up monitoring.
// Callers hold the lock.
func (r *Provider) connect() error {
	conn, err := amqp.Dial(r.options.URI)
	if err != nil {
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to open channel: %w", err))
	}

	r.connection = conn
	r.channel = ch

	// Watch for closing
	r.notifyClose = make(chan *amqp.Error)
	r.connection.NotifyClose(r.notifyClose)
	r.isConnected = true

	if r.options.ReconnectEnabled {
		go r.handleReconnection()
	}

	return nil
}

// handleReconnection redials after an unexpected connection loss. The broker
// requeues everything unacknowledged on the lost channel, so local lease
// state is discarded rather than carried over.
func (r *Provider) handleReconnection() {
	err := <-r.notifyClose
	if err == nil {
		return // Graceful shutdown
	}
	slog.Warn("Connection closed, reconnecting", "error", err)

	r.mu.Lock()
	r.isConnected = false
	r.inflight = make(map[uint64]*leasedDelivery)
	r.mu.Unlock()

	for {
		time.Sleep(r.options.ReconnectDelay)

		r.mu.Lock()
		if r.isConnected {
			r.mu.Unlock()
			return
		}
		connErr := r.connect()
		r.mu.Unlock()

		if connErr == nil {
			slog.Info("Reconnected to RabbitMQ")
			return
		}
		slog.Warn("Reconnect failed", "error", connErr)
	}
}

// Close stops the sweeper and closes the channel and connection.
func (r *Provider) Close() error {
	r.mu.Lock()
	if r.sweeperDone != nil {
		close(r.sweeperDone)
		r.sweeperDone = nil
	}
	r.isConnected = false
	channel := r.channel
	connection := r.connection
	r.channel = nil
	r.connection = nil
	r.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			return err
		}
	}
	if connection != nil {
		return connection.Close()
	}
	return nil
}

// Health checks the RabbitMQ connection health.
func (r *Provider) Health() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.isConnected || r.connection == nil || r.connection.IsClosed() {
		return errors.ErrNotConnected
	}
	return nil
}

// Type returns the provider type.
func (r *Provider) Type() string {
	return "rabbitmq"
}

// CreateQueue declares the queue and its archive companion. Declaring an
// existing queue is a no-op. The delivery limit is left unset so that retry
// budgets stay a worker policy rather than a broker one.
func (r *Provider) CreateQueue(ctx context.Context, name string) error {
	if name == "" {
		return errors.ErrEmptyQueueName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel == nil {
		return errors.ErrNotConnected
	}

	args := amqp.Table{}
	if r.options.QueueType != "" {
		args["x-queue-type"] = r.options.QueueType
	}

	if _, err := r.channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,  // arguments
	); err != nil {
		return errors.NewProviderError("create_queue", name, err)
	}

	if _, err := r.channel.QueueDeclare(
		r.archiveQueue(name), true, false, false, false, nil,
	); err != nil {
		return errors.NewProviderError("create_queue", name, err)
	}

	r.declaredQueues[name] = true
	return nil
}

// Send enqueues a payload and returns the assigned job ID.
func (r *Provider) Send(ctx context.Context, queue string, payload []byte) (string, error) {
	channel, err := r.getChannel()
	if err != nil {
		return "", err
	}
	if err := r.checkQueue(channel, "send", queue); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := r.publish(ctx, channel, queue, id, payload); err != nil {
		return "", errors.NewProviderError("send", queue, err)
	}
	return id, nil
}

// Pop claims a lease on the next available job. The delivery stays
// unacknowledged until Archive, Delete or DeadLetter; if the lease lapses
// first, the sweeper nacks it back to the queue and the broker bumps its
// delivery count.
func (r *Provider) Pop(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	channel, err := r.getChannel()
	if err != nil {
		return nil, err
	}
	if err := r.checkQueue(channel, "pop", queue); err != nil {
		return nil, err
	}

	delivery, ok, err := channel.Get(queue, false)
	if err != nil {
		return nil, errors.NewProviderError("pop", queue, err)
	}
	if !ok {
		return nil, nil
	}

	deadline := time.Now().Add(lease)
	r.mu.Lock()
	r.inflight[delivery.DeliveryTag] = &leasedDelivery{
		queue:    queue,
		tag:      delivery.DeliveryTag,
		channel:  channel,
		deadline: deadline,
	}
	r.mu.Unlock()

	return &job.Job{
		ID:             delivery.MessageId,
		Queue:          queue,
		Payload:        delivery.Body,
		Attempt:        deliveryCount(delivery) + 1,
		EnqueuedAt:     delivery.Timestamp,
		LeaseExpiresAt: deadline,
		Receipt:        delivery.DeliveryTag,
	}, nil
}

// Read is not supported on RabbitMQ: basic.get has no way to look at a
// message without consuming its delivery, and putting it back would burn
// retry budget.
func (r *Provider) Read(ctx context.Context, queue string, lease time.Duration, limit int) ([]job.Job, error) {
	return nil, errors.NewProviderError("read", queue, errors.ErrNotSupported)
}

// Archive acknowledges a job and publishes its record on the queue's
// archive channel.
func (r *Provider) Archive(ctx context.Context, j *job.Job, failure *job.Failure) error {
	entry := archiveEntry{
		Envelope: job.Envelope{
			ID:         j.ID,
			Queue:      j.Queue,
			Payload:    json.RawMessage(j.Payload),
			Attempt:    j.Attempt,
			EnqueuedAt: j.EnqueuedAt,
		},
		Status:     "ok",
		Failure:    failure,
		ArchivedAt: time.Now().UTC(),
	}
	if failure != nil {
		entry.Status = "error"
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return errors.NewProviderError("archive", j.Queue, err)
	}

	lease, err := r.takeLease(j)
	if err != nil {
		return err
	}

	if err := r.publish(ctx, lease.channel, r.archiveQueue(j.Queue), j.ID, body); err != nil {
		r.restoreLease(lease)
		return errors.NewProviderError("archive", j.Queue, err)
	}

	if err := lease.channel.Ack(lease.tag, false); err != nil {
		return errors.NewProviderError("archive", j.Queue, err)
	}
	return nil
}

// Delete acknowledges a job without keeping a record.
func (r *Provider) Delete(ctx context.Context, j *job.Job) error {
	lease, err := r.takeLease(j)
	if err != nil {
		return err
	}

	if err := lease.channel.Ack(lease.tag, false); err != nil {
		return errors.NewProviderError("delete", j.Queue, err)
	}
	return nil
}

// DeadLetter publishes the job on dlq wrapped with its failure record and
// acknowledges the original.
func (r *Provider) DeadLetter(ctx context.Context, dlq string, j *job.Job, failure job.Failure) error {
	channel, err := r.getChannel()
	if err != nil {
		return err
	}
	if err := r.checkQueue(channel, "dead-letter", dlq); err != nil {
		return err
	}

	body, err := json.Marshal(job.NewDeadLetterEnvelope(j, failure))
	if err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}

	lease, err := r.takeLease(j)
	if err != nil {
		return err
	}

	if err := r.publish(ctx, lease.channel, dlq, uuid.NewString(), body); err != nil {
		r.restoreLease(lease)
		return errors.NewProviderError("dead-letter", dlq, err)
	}

	if err := lease.channel.Ack(lease.tag, false); err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}
	return nil
}

// Helper methods

// publish sends a persistent message on the default exchange.
func (r *Provider) publish(ctx context.Context, channel *amqp.Channel, queue, id string, body []byte) error {
	return channel.PublishWithContext(
		ctx,   // context
		"",    // exchange
		queue, // routing key (queue name)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    id,
		})
}

// getChannel returns the channel if connected.
func (r *Provider) getChannel() (*amqp.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.channel == nil {
		return nil, errors.ErrNotConnected
	}
	return r.channel, nil
}

// checkQueue verifies a queue was declared, probing the broker for queues
// declared by other processes.
func (r *Provider) checkQueue(channel *amqp.Channel, op, queue string) error {
	r.mu.RLock()
	declared := r.declaredQueues[queue]
	r.mu.RUnlock()
	if declared {
		return nil
	}

	if _, err := channel.QueueDeclarePassive(queue, true, false, false, false, nil); err != nil {
		return errors.NewProviderError(op, queue, errors.ErrQueueNotFound)
	}

	r.mu.Lock()
	r.declaredQueues[queue] = true
	r.mu.Unlock()
	return nil
}

// takeLease removes and returns the tracked lease behind a job handle.
// A missing or lapsed entry means the sweeper already requeued the
// delivery, so the handle is stale.
func (r *Provider) takeLease(j *job.Job) (*leasedDelivery, error) {
	tag, ok := j.Receipt.(uint64)
	if !ok {
		return nil, errors.NewProviderError("ack", j.Queue,
			fmt.Errorf("unexpected receipt type: %T", j.Receipt))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lease, ok := r.inflight[tag]
	if !ok || time.Now().After(lease.deadline) {
		return nil, errors.ErrLeaseExpired
	}
	delete(r.inflight, tag)
	return lease, nil
}

// restoreLease puts a lease entry back after a failed acknowledgement, so
// the sweeper still reclaims the delivery.
func (r *Provider) restoreLease(lease *leasedDelivery) {
	r.mu.Lock()
	r.inflight[lease.tag] = lease
	r.mu.Unlock()
}

// sweeper nacks deliveries whose leases lapsed, sending them back to their
// queue with an incremented delivery count.
func (r *Provider) sweeper(done <-chan struct{}) {
	ticker := time.NewTicker(r.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.sweepLeases()
		}
	}
}

func (r *Provider) sweepLeases() {
	now := time.Now()

	var lapsed []*leasedDelivery
	r.mu.Lock()
	for tag, lease := range r.inflight {
		if now.After(lease.deadline) {
			lapsed = append(lapsed, lease)
			delete(r.inflight, tag)
		}
	}
	r.mu.Unlock()

	for _, lease := range lapsed {
		if err := lease.channel.Nack(lease.tag, false, true); err != nil {
			slog.Error("Failed to requeue lapsed lease",
				"queue", lease.queue, "error", err)
			continue
		}
		slog.Debug("Requeued job after lapsed lease", "queue", lease.queue)
	}
}

func (r *Provider) archiveQueue(name string) string {
	return name + ".archive"
}

// deliveryCount reads the broker-maintained redelivery counter. Quorum
// queues set it from the first redelivery on; a fresh delivery has none.
func deliveryCount(d amqp.Delivery) int {
	v, ok := d.Headers["x-delivery-count"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}
