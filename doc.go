// Package agentq is a job-processing engine for durable agent runs. Jobs
// move through lease-based queues with retries, archives, and dead-letter
// routing; agent runs execute as jobs, checkpointing their state after
// every step so an interrupted run resumes where it stopped.
//
// The module is organized as:
//
//   - core: queues, the worker loop, retry and dead-letter policy
//   - providers: queue backends (memory, redis, postgres, rabbitmq)
//   - agent: the bounded reason-act machine and its queue processor
//   - tools: action registry, input schemas, and safety guards
//   - checkpoint: per-thread state stores (memory, redis, postgres)
//   - engines: pre-wired provider + worker + checkpoint bundles
//
// # Example
//
//	package main
//
//	import (
//		"context"
//		"log"
//		"time"
//
//		"github.com/relayforge/agentq/agent"
//		"github.com/relayforge/agentq/core"
//		"github.com/relayforge/agentq/engines"
//	)
//
//	func main() {
//		engine, err := engines.NewRedisEngine(engines.DefaultRedisOptions())
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		// Plain jobs
//		engine.Register("emails", sendEmail,
//			core.WithMaxRetries(3),
//			core.WithDeadLetterQueue("emails.dead"),
//		)
//
//		// Agent runs, checkpointed into the same Redis
//		engine.RegisterAgent("agent-runs", decider,
//			[]agent.Option{agent.WithMaxIterations(10)},
//			core.WithLeaseTimeout(time.Minute),
//		)
//
//		// Blocks until SIGINT/SIGTERM; drains in-flight jobs on the way out.
//		if err := engine.Run(context.Background()); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// Delivery is at-least-once. A job is invisible to other consumers while
// its lease holds; if the worker dies mid-job the lease lapses and the
// store redelivers with a higher attempt count. Processors must therefore
// tolerate re-execution, which for agent runs falls out of checkpointing:
// a redelivered run reloads its last checkpoint instead of starting over.
//
// Producers need no worker. Connect a provider and Send:
//
//	provider := redis.New(redis.DefaultOptions())
//	provider.Connect(ctx)
//	provider.Send(ctx, "emails", payload)
package agentq
