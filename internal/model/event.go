package model

import (
	"encoding/json"
	"time"
)

// Provider identifies the upstream source of an ingested payload.
type Provider string

const (
	ProviderGmail    Provider = "gmail"
	ProviderCalendar Provider = "gcal"
	ProviderDrive    Provider = "gdrive"
)

// ExtractionStatus tracks a raw event through the identity pipeline.
type ExtractionStatus string

const (
	StatusUnprocessed      ExtractionStatus = ""
	StatusNoIdentifiers    ExtractionStatus = "no_identifiers"
	StatusIdentifiersFound ExtractionStatus = "identifiers_found"
	StatusPending          ExtractionStatus = "pending"
	StatusYes              ExtractionStatus = "yes"
	StatusRejected         ExtractionStatus = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExtractionStatus) Terminal() bool {
	switch s {
	case StatusNoIdentifiers, StatusYes, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal
// extraction-status transition.
func (s ExtractionStatus) CanTransition(next ExtractionStatus) bool {
	switch s {
	case StatusUnprocessed:
		return next == StatusNoIdentifiers || next == StatusIdentifiersFound
	case StatusIdentifiersFound:
		return next == StatusPending || next == StatusYes || next == StatusRejected
	case StatusPending:
		return next == StatusYes || next == StatusRejected
	}
	return false
}

// RawEvent is an immutable ingested provider payload. Only the
// extraction status field is ever mutated after insert.
type RawEvent struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Provider   Provider         `json:"provider"`
	SourceID   string           `json:"source_id,omitempty"` // empty = provider gave no stable id
	OccurredAt time.Time        `json:"occurred_at"`
	Payload    json.RawMessage  `json:"payload"`
	BatchID    string           `json:"batch_id"`
	Status     ExtractionStatus `json:"extraction_status"`
	CreatedAt  time.Time        `json:"created_at"`
}

// IdentifierKind classifies a candidate person-identifier.
type IdentifierKind string

const (
	KindEmail      IdentifierKind = "email"
	KindPhone      IdentifierKind = "phone"
	KindHandle     IdentifierKind = "handle"
	KindProviderID IdentifierKind = "provider_id"
)

// Identifier is a candidate person-identifier extracted from a raw event.
type Identifier struct {
	Kind  IdentifierKind `json:"kind"`
	Value string         `json:"value"`
}

// InteractionDraft carries the normalized fields derived from one raw
// event, ready to become an Interaction once a contact is known.
// Deriving it is a pure function of the stored payload, so drafts can be
// recomputed at any time.
type InteractionDraft struct {
	EventID    string         `json:"event_id"`
	UserID     string         `json:"user_id"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	OccurredAt time.Time      `json:"occurred_at"`
	Source     Provider       `json:"source"`
	SourceID   string         `json:"source_id"`
	BatchID    string         `json:"batch_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
