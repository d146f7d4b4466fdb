// Package store persists the ingestion pipeline's state. Two drivers
// implement the same interface: SQLite for single-node deployments and
// tests, Postgres for shared production storage. All cross-worker
// coordination (job claims, identity resolution, quota consumption) goes
// through conditional writes here, never through process memory.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/harborwell/intake-cli/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = eris.New("store: not found")

// runningLease bounds how long a claimed job may sit in running before
// it is presumed orphaned by a crashed worker and becomes claimable
// again. Must comfortably exceed the dispatcher's job timeout.
const runningLease = 10 * time.Minute

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status  model.JobStatus `json:"status,omitempty"`
	Kind    model.JobKind   `json:"kind,omitempty"`
	BatchID string          `json:"batch_id,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

// ApproveRequest carries everything needed to approve one identity
// suggestion: the drafts are the normalized interactions for every raw
// event currently awaiting the suggestion's identifier value.
type ApproveRequest struct {
	SuggestionID string
	DisplayName  string
	Drafts       []model.InteractionDraft
	BatchID      string // batch the new contact is attributed to, for undo
}

// ApproveResult reports the outcome of an approval. Created is false
// when a concurrent approval won the identity uniqueness race and this
// call linked to the already-existing contact instead.
type ApproveResult struct {
	Contact *model.Contact
	Created bool
	Linked  int
}

// UndoResult reports what an undo reverted.
type UndoResult struct {
	EventsDeleted       int `json:"events_deleted"`
	InteractionsDeleted int `json:"interactions_deleted"`
	ContactsDeleted     int `json:"contacts_deleted"`
	SuggestionsDeleted  int `json:"suggestions_deleted"`
	JobsCancelled       int `json:"jobs_cancelled"`
}

// Store defines the persistence interface for the ingestion and
// identity-resolution pipeline.
type Store interface {
	// Raw events. InsertRawEvent is the idempotent dedup write: a second
	// insert with the same (user, provider, source id) reports
	// created=false and leaves the stored row untouched.
	InsertRawEvent(ctx context.Context, ev *model.RawEvent) (created bool, err error)
	GetRawEvent(ctx context.Context, id string) (*model.RawEvent, error)
	// UpdateEventStatus transitions extraction status only when the
	// current status is one of from; anything else is a no-op reported
	// via the returned bool.
	UpdateEventStatus(ctx context.Context, id string, from []model.ExtractionStatus, to model.ExtractionStatus) (bool, error)
	InsertEventIdentifiers(ctx context.Context, eventID string, ids []model.Identifier) error
	// ListEventsAwaiting returns the non-terminal raw events that carry
	// the given identifier value, i.e. the fan-out set for a resolution.
	ListEventsAwaiting(ctx context.Context, userID string, kind model.IdentifierKind, value string) ([]model.RawEvent, error)

	// Contacts and identities.
	CreateContact(ctx context.Context, c *model.Contact) error
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	LookupIdentity(ctx context.Context, userID string, kind model.IdentifierKind, value string) (*model.ContactIdentity, error)
	IsIgnored(ctx context.Context, userID string, kind model.IdentifierKind, value string) (bool, error)

	// Interactions.
	GetInteraction(ctx context.Context, id string) (*model.Interaction, error)
	// FindInteraction looks up by the (user, source, source id)
	// uniqueness key; nil, nil when absent.
	FindInteraction(ctx context.Context, userID string, source model.Provider, sourceID string) (*model.Interaction, error)
	SetInteractionSummary(ctx context.Context, id string, summary string) error

	// Suggestions. CreateSuggestion is insert-if-absent on (user, kind,
	// value); created=false means a prompt for this value already exists
	// (pending or decided) and no new prompt may be raised.
	CreateSuggestion(ctx context.Context, s *model.IdentitySuggestion) (created bool, err error)
	GetSuggestion(ctx context.Context, id string) (*model.IdentitySuggestion, error)
	// FindSuggestion looks up by the (user, kind, value) uniqueness key;
	// nil, nil when absent.
	FindSuggestion(ctx context.Context, userID string, kind model.IdentifierKind, value string) (*model.IdentitySuggestion, error)
	ListPendingSuggestions(ctx context.Context, userID string, limit int) ([]model.IdentitySuggestion, error)

	// Resolution transactions. These enforce the exactly-once invariant
	// through the uniqueness constraints on contact_identities and
	// ignored_identifiers.
	ApproveIdentity(ctx context.Context, req ApproveRequest) (*ApproveResult, error)
	RejectIdentity(ctx context.Context, suggestionID string) (eventsRejected int, err error)
	// LinkEvents attaches drafts to an existing contact: inserts each
	// interaction (duplicates ignored) and marks its event yes.
	LinkEvents(ctx context.Context, contactID string, drafts []model.InteractionDraft) (linked int, err error)
	// MarkEventsRejected terminally rejects every awaiting event carrying
	// the identifier, used when the value is already on the ignore list.
	MarkEventsRejected(ctx context.Context, userID string, kind model.IdentifierKind, value string) (int, error)

	// Jobs.
	EnqueueJob(ctx context.Context, job *model.Job) error
	// ClaimJob atomically transitions the oldest due queued job of one of
	// the given kinds to running. Running jobs whose claim is older than
	// the lease are reclaimed. Returns (nil, nil) when nothing is due.
	ClaimJob(ctx context.Context, kinds []model.JobKind) (*model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string, retryAt time.Time, terminal bool) error
	ReplayJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, userID string, filter JobFilter) ([]model.Job, error)

	// Sync ledger (append-only).
	AppendLedger(ctx context.Context, e *model.LedgerEntry) error
	ListLedger(ctx context.Context, userID, batchID string, limit int) ([]model.LedgerEntry, error)

	// Embeddings.
	UpsertEmbedding(ctx context.Context, rec *model.EmbeddingRecord) error
	GetEmbedding(ctx context.Context, ownerType, ownerID string) (*model.EmbeddingRecord, error)

	// Quota. ConsumeQuota is a single conditional decrement on the
	// stored counter; allowed=false means the row held fewer than cost
	// units and nothing was consumed.
	GrantQuota(ctx context.Context, userID string, units int64) error
	// EnsureQuota creates the quota row with the given starting budget
	// when absent; existing rows are untouched.
	EnsureQuota(ctx context.Context, userID string, units int64) error
	GetQuota(ctx context.Context, userID string) (*model.Quota, error)
	ConsumeQuota(ctx context.Context, userID string, cost int64) (remaining int64, allowed bool, err error)
	RecordUsage(ctx context.Context, rec *model.UsageRecord) error

	// Undo reverts everything tagged with the batch: raw events and
	// their identifier rows, interactions, resolver-created contacts
	// (soft delete), orphaned pending suggestions, and queued jobs.
	UndoBatch(ctx context.Context, userID, batchID string) (*UndoResult, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
