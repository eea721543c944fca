package domain

import "context"

// JobQueue defines the contract for the durable job queue.
// The queue is the single source of truth for the at-most-one-live-Job-per-identity invariant.
type JobQueue interface {
	// Add enqueues job unless a non-terminal Job with the same ID exists.
	// It reports whether the job was added.
	Add(ctx context.Context, job Job) (bool, error)

	// Next dequeues the highest priority Job and marks it running under workerID.
	// It returns nil when the queue is empty.
	Next(ctx context.Context, workerID string) (*Job, error)

	// Extend renews the running lease of a Job owned by workerID.
	Extend(ctx context.Context, jobID, workerID string) error

	// Complete removes a running Job. It reports false when workerID no longer owns it,
	// in which case the caller must not deliver a result.
	Complete(ctx context.Context, jobID, workerID string) (bool, error)

	// Cancel removes a still-queued Job bound to connID. Running Jobs are left alone.
	Cancel(ctx context.Context, jobID, connID string) (bool, error)

	// State returns the state of a non-terminal Job, or false when none exists.
	State(ctx context.Context, jobID string) (JobState, bool, error)
}

// LiveResult is a completed Job's output addressed to a gateway connection.
type LiveResult struct {
	ConnID string     `json:"connId"`
	JobID  string     `json:"jobId"`
	Result ExecResult `json:"result"`
}
