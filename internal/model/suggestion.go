package model

import "time"

// SuggestionStatus is the lifecycle of a pending identity suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

// IdentitySuggestion is a single approval prompt for one identifier
// value. Unique per (user, kind, value): the same value never prompts
// twice, no matter how many raw events carry it.
type IdentitySuggestion struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Kind       IdentifierKind   `json:"kind"`
	Value      string           `json:"value"`
	Status     SuggestionStatus `json:"status"`
	Provider   Provider         `json:"provider"`
	Excerpt    string           `json:"excerpt,omitempty"`
	EventCount int              `json:"event_count"`
	CreatedAt  time.Time        `json:"created_at"`
	DecidedAt  *time.Time       `json:"decided_at,omitempty"`
}
