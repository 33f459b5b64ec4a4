package engines

import (
	"context"
	"fmt"

	redigo "github.com/gomodule/redigo/redis"

	"github.com/relayforge/agentq/agent"
	"github.com/relayforge/agentq/checkpoint"
	checkpointredis "github.com/relayforge/agentq/checkpoint/redis"
	"github.com/relayforge/agentq/core"
	redisUtils "github.com/relayforge/agentq/internal/redis"
	"github.com/relayforge/agentq/providers/redis"
	"github.com/relayforge/agentq/tools"
)

// RedisOptions holds configuration for the Redis engine
type RedisOptions struct {
	RedisURI      string
	RedisOptions  redis.Options
	Checkpoints   bool
	WorkerOptions []core.WorkerOption
}

// DefaultRedisOptions returns default options for the Redis engine
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		RedisURI:      "redis://localhost:6379/",
		RedisOptions:  redis.DefaultOptions(),
		Checkpoints:   true,
		WorkerOptions: []core.WorkerOption{},
	}
}

// RedisEngine runs queues and checkpoints on a single Redis instance.
// Construction is lazy: the shared pool dials on first use, so New never
// touches the network.
type RedisEngine struct {
	pool     *redigo.Pool
	provider *redis.Provider
	worker   *core.Worker
	registry *tools.Registry
	store    checkpoint.Store
}

// NewRedisEngine prepares the engine. The queue provider and the
// checkpoint store share one connection pool.
func NewRedisEngine(options RedisOptions) (*RedisEngine, error) {
	// Override URI if provided
	if options.RedisURI != "" {
		options.RedisOptions.URI = options.RedisURI
	}

	pool, err := redisUtils.CreatePool(options.RedisOptions)
	if err != nil {
		return nil, err
	}

	provider := redis.NewWithPool(pool, options.RedisOptions)

	var store checkpoint.Store
	if options.Checkpoints {
		store = checkpointredis.New(pool, options.RedisOptions.Namespace)
	}

	return &RedisEngine{
		pool:     pool,
		provider: provider,
		worker:   core.NewWorker(provider, options.WorkerOptions...),
		registry: tools.NewRegistry(),
		store:    store,
	}, nil
}

// Register binds a processor to a queue
func (e *RedisEngine) Register(queue string, processor core.Processor, opts ...core.QueueOption) error {
	q, err := core.NewQueue(queue, processor, opts...)
	if err != nil {
		return err
	}
	return e.worker.Bind(q)
}

// RegisterAction adds an action to the engine's tool registry
func (e *RedisEngine) RegisterAction(action tools.Action) error {
	return e.registry.Register(action)
}

// RegisterAgent binds an agent machine to a queue, wired to the engine's
// registry and checkpoint store.
func (e *RedisEngine) RegisterAgent(queue string, decider agent.Decider, agentOpts []agent.Option, queueOpts ...core.QueueOption) error {
	if e.store != nil {
		agentOpts = append([]agent.Option{agent.WithCheckpoints(e.store)}, agentOpts...)
	}
	machine := agent.NewMachine(decider, e.registry, agentOpts...)
	return e.Register(queue, agent.Processor(machine), queueOpts...)
}

// Run creates all bound queues plus their dead-letter companions, then
// starts the worker and blocks until shutdown. The shared pool is closed
// on the way out.
func (e *RedisEngine) Run(ctx context.Context) error {
	defer e.pool.Close()

	if err := e.createQueues(ctx); err != nil {
		return err
	}
	return e.worker.Run(ctx)
}

// Start begins processing jobs without signal handling. Callers using
// Start own the shutdown sequence and should Close the engine when done.
func (e *RedisEngine) Start(ctx context.Context) error {
	if err := e.createQueues(ctx); err != nil {
		return err
	}
	return e.worker.Start(ctx)
}

// Stop gracefully shuts down the worker
func (e *RedisEngine) Stop() {
	e.worker.Stop(true)
}

// Close releases the shared connection pool
func (e *RedisEngine) Close() error {
	return e.pool.Close()
}

// MustRun starts the engine and panics on error
func (e *RedisEngine) MustRun(ctx context.Context) {
	if err := e.Run(ctx); err != nil {
		panic(fmt.Sprintf("RedisEngine.Run failed: %v", err))
	}
}

// Health returns the worker health snapshot
func (e *RedisEngine) Health() core.Health {
	return e.worker.Health()
}

// Component accessors

// Provider returns the Redis queue provider
func (e *RedisEngine) Provider() *redis.Provider {
	return e.provider
}

// Worker returns the underlying worker
func (e *RedisEngine) Worker() *core.Worker {
	return e.worker
}

// Registry returns the tool registry
func (e *RedisEngine) Registry() *tools.Registry {
	return e.registry
}

// Store returns the checkpoint store, or nil when checkpoints are disabled
func (e *RedisEngine) Store() checkpoint.Store {
	return e.store
}

func (e *RedisEngine) createQueues(ctx context.Context) error {
	for _, q := range e.worker.Queues() {
		if err := e.provider.CreateQueue(ctx, q.Name()); err != nil {
			return err
		}
		if dlq := q.DeadLetterQueue(); dlq != "" {
			if err := e.provider.CreateQueue(ctx, dlq); err != nil {
				return err
			}
		}
	}
	return nil
}
