package model

import "time"

// Contact is a deduplicated person record. Contacts created by the
// resolver carry the batch id of the ingestion run that produced them so
// they can be reverted by undo; soft-deleted contacts keep their rows.
type Contact struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	DisplayName  string     `json:"display_name"`
	PrimaryEmail string     `json:"primary_email,omitempty"`
	PrimaryPhone string     `json:"primary_phone,omitempty"`
	BatchID      string     `json:"batch_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// ContactIdentity is a proven (kind, value) → contact mapping, unique
// per (user, kind, value). The uniqueness constraint is the linearization
// point for concurrent resolution of the same identifier value.
type ContactIdentity struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      IdentifierKind `json:"kind"`
	Value     string         `json:"value"`
	ContactID string         `json:"contact_id"`
	CreatedAt time.Time      `json:"created_at"`
}

// IgnoredIdentifier is a user-rejected identifier value. Once present it
// suppresses any future approval prompt for that value.
type IgnoredIdentifier struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      IdentifierKind `json:"kind"`
	Value     string         `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
}

// Interaction is a normalized, contact-linked timeline entry, unique per
// (user, source, source id). Provider-specific fields live in Metadata;
// the originating RawEvent remains the lossless source of truth.
type Interaction struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	ContactID  string         `json:"contact_id"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	OccurredAt time.Time      `json:"occurred_at"`
	Source     Provider       `json:"source"`
	SourceID   string         `json:"source_id"`
	BatchID    string         `json:"batch_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
