package model

import (
	"encoding/json"
	"time"
)

// JobKind names an asynchronous unit of work.
type JobKind string

const (
	JobNormalize JobKind = "normalize"
	JobResolve   JobKind = "resolve"
	JobEmbed     JobKind = "embed"
	JobSummarize JobKind = "summarize"
)

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a durable, atomically claimable unit of deferred work. A job
// whose attempts reach MaxAttempts becomes terminally failed and is only
// runnable again through explicit replay.
type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    time.Time       `json:"run_after"`
	UserID      string          `json:"user_id"`
	BatchID     string          `json:"batch_id,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NormalizePayload is the payload for a normalize job.
type NormalizePayload struct {
	EventID string `json:"event_id"`
}

// ResolvePayload is the payload for a resolve job, one per distinct
// identifier extracted from a raw event.
type ResolvePayload struct {
	EventID string         `json:"event_id"`
	Kind    IdentifierKind `json:"kind"`
	Value   string         `json:"value"`
}

// EmbedPayload is the payload for an embed job.
type EmbedPayload struct {
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`
}

// SummarizePayload is the payload for a summarize job.
type SummarizePayload struct {
	InteractionID string `json:"interaction_id"`
}

// MarshalPayload encodes a typed job payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	return json.RawMessage(b), err
}
