package model

import "time"

// Embedding owner types.
const (
	OwnerContact     = "contact"
	OwnerInteraction = "interaction"
)

// EmbeddingRecord is a derived vector-index entry keyed by its owner.
// It is rebuildable from source data and never authoritative.
type EmbeddingRecord struct {
	ID        string         `json:"id"`
	OwnerType string         `json:"owner_type"`
	OwnerID   string         `json:"owner_id"`
	Vector    []float32      `json:"vector"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
