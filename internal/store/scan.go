package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/harborwell/intake-cli/internal/model"
)

// scannable covers sql.Row, sql.Rows, pgx.Row and pgx.Rows so the same
// scan helpers serve both drivers.
type scannable interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEvent(row scannable) (*model.RawEvent, error) {
	var ev model.RawEvent
	var sourceID sql.NullString
	var payload string
	err := row.Scan(&ev.ID, &ev.UserID, &ev.Provider, &sourceID, &ev.OccurredAt,
		&payload, &ev.BatchID, &ev.Status, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.SourceID = sourceID.String
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func scanSuggestion(row scannable) (*model.IdentitySuggestion, error) {
	var sg model.IdentitySuggestion
	var decidedAt sql.NullTime
	err := row.Scan(&sg.ID, &sg.UserID, &sg.Kind, &sg.Value, &sg.Status, &sg.Provider,
		&sg.Excerpt, &sg.CreatedAt, &decidedAt, &sg.EventCount)
	if err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		sg.DecidedAt = &t
	}
	return &sg, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var payload string
	err := row.Scan(&j.ID, &j.Kind, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.UserID, &j.BatchID, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return &j, nil
}
