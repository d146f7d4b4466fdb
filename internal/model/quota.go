package model

import "time"

// Quota is a per-user budget of AI-service units. Remaining is only ever
// changed through a conditional update in storage, never in process
// memory.
type Quota struct {
	UserID    string    `json:"user_id"`
	Remaining int64     `json:"remaining"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageRecord logs one external AI-service call attempt, allowed or not,
// with token and cost figures for accounting.
type UsageRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Service   string    `json:"service"`
	Operation string    `json:"operation"`
	Units     int64     `json:"units"`
	Tokens    int64     `json:"tokens"`
	CostUSD   float64   `json:"cost_usd"`
	Allowed   bool      `json:"allowed"`
	CreatedAt time.Time `json:"created_at"`
}
