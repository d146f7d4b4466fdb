package model

import "time"

// LedgerAction classifies a sync ledger entry.
type LedgerAction string

const (
	LedgerPreview LedgerAction = "preview"
	LedgerApprove LedgerAction = "approve"
	LedgerUndo    LedgerAction = "undo"
	LedgerError   LedgerAction = "error"
)

// LedgerEntry is one row of the append-only sync ledger. Entries are
// inserted, never updated.
type LedgerEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Provider  Provider       `json:"provider,omitempty"`
	Action    LedgerAction   `json:"action"`
	BatchID   string         `json:"batch_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
