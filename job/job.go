// Package job defines the unit of work exchanged between queue providers
// and workers.
package job

import (
	"encoding/json"
	"time"
)

// Job is one leased unit of work plus its delivery metadata.
//
// A Job is only actionable while its lease holds. Once LeaseExpiresAt
// passes the backing store may redeliver the same logical message with a
// higher Attempt, and any acknowledgement through the stale handle is
// answered with errors.ErrLeaseExpired.
type Job struct {
	// ID is the store-assigned identifier, stable across redeliveries.
	ID string

	// Queue is the channel the job was popped from.
	Queue string

	// Payload is the producer-supplied body. Providers never interpret it.
	Payload []byte

	// Attempt is the delivery count, 1 on the first pop.
	Attempt int

	// EnqueuedAt is when the producer sent the job.
	EnqueuedAt time.Time

	// LeaseExpiresAt is the end of the current visibility window.
	LeaseExpiresAt time.Time

	// Receipt is the provider-specific acknowledgement handle
	// (delivery tag, row id, etc.). Opaque to callers.
	Receipt any
}

// LeaseExpired reports whether the job's lease has lapsed at the given
// instant.
func (j *Job) LeaseExpired(now time.Time) bool {
	return !j.LeaseExpiresAt.IsZero() && now.After(j.LeaseExpiresAt)
}

// Failure captures terminal diagnostics for a job whose retry budget is
// exhausted. It travels with the job to a dead-letter queue or into the
// archive.
type Failure struct {
	Queue    string    `json:"original_queue"`
	JobID    string    `json:"job_id"`
	Attempts int       `json:"attempt_count"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Envelope is the wire body used by providers that carry metadata inside
// the message itself rather than in store columns.
type Envelope struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DeadLetterEnvelope is the body published on a dead-letter queue: the
// original payload wrapped with failure diagnostics.
type DeadLetterEnvelope struct {
	Failure
	Payload json.RawMessage `json:"payload"`
}

// NewDeadLetterEnvelope pairs a job's payload with its failure record.
func NewDeadLetterEnvelope(j *Job, failure Failure) DeadLetterEnvelope {
	return DeadLetterEnvelope{Failure: failure, Payload: json.RawMessage(j.Payload)}
}
