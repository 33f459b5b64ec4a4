// Package engines provides pre-configured setups for common deployment
// shapes. Each engine bundles a queue provider, a worker, a tool registry,
// and a checkpoint store sharing the provider's connection pool.
//
// The engines package offers two main configurations:
//
//   - PostgresEngine: everything on one Postgres database, migrations included
//   - RedisEngine: everything on one Redis instance
//
// Example usage:
//
//	engine, err := engines.NewPostgresEngine(ctx, engines.DefaultPostgresOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine.RegisterAction(searchAction)
//	engine.RegisterAgent("agent-runs", decider)
//	engine.Run(ctx)
package engines

import (
	"context"
	"fmt"

	"github.com/relayforge/agentq/agent"
	"github.com/relayforge/agentq/checkpoint"
	checkpointpg "github.com/relayforge/agentq/checkpoint/postgres"
	"github.com/relayforge/agentq/core"
	"github.com/relayforge/agentq/providers/postgres"
	"github.com/relayforge/agentq/tools"
)

// PostgresOptions holds configuration for the Postgres engine
type PostgresOptions struct {
	PostgresURI     string
	PostgresOptions postgres.Options
	Migrate         bool
	Checkpoints     bool
	WorkerOptions   []core.WorkerOption
}

// DefaultPostgresOptions returns default options for the Postgres engine
func DefaultPostgresOptions() PostgresOptions {
	return PostgresOptions{
		PostgresURI:     "postgres://localhost:5432/agentq?sslmode=disable",
		PostgresOptions: postgres.DefaultOptions(),
		Migrate:         true,
		Checkpoints:     true,
		WorkerOptions:   []core.WorkerOption{},
	}
}

// PostgresEngine runs queues and checkpoints on a single Postgres database.
type PostgresEngine struct {
	provider *postgres.Provider
	worker   *core.Worker
	registry *tools.Registry
	store    checkpoint.Store
}

// NewPostgresEngine connects and prepares the engine. The connection is
// established eagerly: migrations and the shared-pool checkpoint store
// both need the pool before any worker starts.
func NewPostgresEngine(ctx context.Context, options PostgresOptions) (*PostgresEngine, error) {
	// Override URI if provided
	if options.PostgresURI != "" {
		options.PostgresOptions.URI = options.PostgresURI
	}

	provider := postgres.New(options.PostgresOptions)
	if err := provider.Connect(ctx); err != nil {
		return nil, err
	}

	if options.Migrate {
		if err := provider.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("queue migrations: %w", err)
		}
	}

	var store checkpoint.Store
	if options.Checkpoints {
		cps := checkpointpg.New(provider.Pool())
		if options.Migrate {
			if err := cps.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("checkpoint migrations: %w", err)
			}
		}
		store = cps
	}

	return &PostgresEngine{
		provider: provider,
		worker:   core.NewWorker(provider, options.WorkerOptions...),
		registry: tools.NewRegistry(),
		store:    store,
	}, nil
}

// Register binds a processor to a queue
func (e *PostgresEngine) Register(queue string, processor core.Processor, opts ...core.QueueOption) error {
	q, err := core.NewQueue(queue, processor, opts...)
	if err != nil {
		return err
	}
	return e.worker.Bind(q)
}

// RegisterAction adds an action to the engine's tool registry
func (e *PostgresEngine) RegisterAction(action tools.Action) error {
	return e.registry.Register(action)
}

// RegisterAgent binds an agent machine to a queue. The machine draws
// actions from the engine's registry and checkpoints into the engine's
// store, so registered actions and resumable threads come for free.
func (e *PostgresEngine) RegisterAgent(queue string, decider agent.Decider, agentOpts []agent.Option, queueOpts ...core.QueueOption) error {
	if e.store != nil {
		agentOpts = append([]agent.Option{agent.WithCheckpoints(e.store)}, agentOpts...)
	}
	machine := agent.NewMachine(decider, e.registry, agentOpts...)
	return e.Register(queue, agent.Processor(machine), queueOpts...)
}

// Run creates all bound queues plus their dead-letter companions, then
// starts the worker and blocks until shutdown.
func (e *PostgresEngine) Run(ctx context.Context) error {
	if err := e.createQueues(ctx); err != nil {
		return err
	}
	return e.worker.Run(ctx)
}

// Start begins processing jobs without signal handling
func (e *PostgresEngine) Start(ctx context.Context) error {
	if err := e.createQueues(ctx); err != nil {
		return err
	}
	return e.worker.Start(ctx)
}

// Stop gracefully shuts down the worker
func (e *PostgresEngine) Stop() {
	e.worker.Stop(true)
}

// MustRun starts the engine and panics on error
func (e *PostgresEngine) MustRun(ctx context.Context) {
	if err := e.Run(ctx); err != nil {
		panic(fmt.Sprintf("PostgresEngine.Run failed: %v", err))
	}
}

// Health returns the worker health snapshot
func (e *PostgresEngine) Health() core.Health {
	return e.worker.Health()
}

// Component accessors

// Provider returns the Postgres queue provider
func (e *PostgresEngine) Provider() *postgres.Provider {
	return e.provider
}

// Worker returns the underlying worker
func (e *PostgresEngine) Worker() *core.Worker {
	return e.worker
}

// Registry returns the tool registry
func (e *PostgresEngine) Registry() *tools.Registry {
	return e.registry
}

// Store returns the checkpoint store, or nil when checkpoints are disabled
func (e *PostgresEngine) Store() checkpoint.Store {
	return e.store
}

func (e *PostgresEngine) createQueues(ctx context.Context) error {
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
