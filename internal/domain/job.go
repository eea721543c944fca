package domain

import (
	"fmt"
	"time"
)

// Priority orders Jobs in the queue. Lower values drain first.
type Priority int

const (
	PriorityHigh Priority = 1
	PriorityLow  Priority = 10
)

// Valid reports whether p is one of the supported priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityLow
}

// JobState is the lifecycle state of a Job.
type JobState string

const (
	StateSubmitted JobState = "submitted"
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// UserIdentity is the admission identity of an interactive caller.
func UserIdentity(userID string) string {
	return "user-" + userID
}

// RequestIdentity is the admission identity of a one-shot request.
func RequestIdentity(requestID string) string {
	return "id-" + requestID
}

// ChannelKind tags the ResultChannel variant.
type ChannelKind string

const (
	ChannelLive    ChannelKind = "live"
	ChannelWebhook ChannelKind = "webhook"
)

// ResultChannel says where a Job's result goes. It is a tagged variant:
// Kind selects which of the remaining fields are meaningful.
type ResultChannel struct {
	Kind ChannelKind `json:"kind"`

	// ConnID is set for ChannelLive.
	ConnID string `json:"connId,omitempty"`

	// CallbackURL and RequestID are set for ChannelWebhook.
	CallbackURL string `json:"callbackUrl,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

// LiveConnection routes a result to an open gateway connection.
func LiveConnection(connID string) ResultChannel {
	return ResultChannel{Kind: ChannelLive, ConnID: connID}
}

// Webhook routes a result to an outbound notification.
func Webhook(callbackURL, requestID string) ResultChannel {
	return ResultChannel{Kind: ChannelWebhook, CallbackURL: callbackURL, RequestID: requestID}
}

func (c ResultChannel) String() string {
	switch c.Kind {
	case ChannelLive:
		return fmt.Sprintf("live(%s)", c.ConnID)
	case ChannelWebhook:
		return fmt.Sprintf("webhook(%s, %s)", c.CallbackURL, c.RequestID)
	default:
		return "unknown"
	}
}

// Job represents one admitted execution request.
type Job struct {
	ID       string        `json:"id"`
	Priority Priority      `json:"priority"`
	Request  ExecRequest   `json:"request"`
	Channel  ResultChannel `json:"channel"`
	State    JobState      `json:"state"`

	CreatedAt time.Time `json:"createdAt"`

	// Deliveries counts how many times a worker has dequeued this Job.
	Deliveries int `json:"deliveries"`
	// WorkerID is the owner while the Job is running.
	WorkerID string `json:"-"`
}

// Outcome is the result of an admission attempt.
type Outcome string

const (
	OutcomeQueued         Outcome = "queued"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeError          Outcome = "error"
)
