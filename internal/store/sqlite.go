package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/harborwell/intake-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS raw_events (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	provider          TEXT NOT NULL,
	source_id         TEXT,
	occurred_at       DATETIME NOT NULL,
	payload           TEXT NOT NULL,
	batch_id          TEXT NOT NULL,
	extraction_status TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_events_dedup
	ON raw_events(user_id, provider, source_id) WHERE source_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_raw_events_batch ON raw_events(batch_id);

CREATE TABLE IF NOT EXISTS raw_event_identifiers (
	raw_event_id TEXT NOT NULL REFERENCES raw_events(id),
	kind         TEXT NOT NULL,
	value        TEXT NOT NULL,
	PRIMARY KEY (raw_event_id, kind, value)
);
CREATE INDEX IF NOT EXISTS idx_rei_value ON raw_event_identifiers(kind, value);

CREATE TABLE IF NOT EXISTS contacts (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	display_name  TEXT NOT NULL,
	primary_email TEXT NOT NULL DEFAULT '',
	primary_phone TEXT NOT NULL DEFAULT '',
	batch_id      TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	deleted_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_contacts_user ON contacts(user_id);
CREATE INDEX IF NOT EXISTS idx_contacts_batch ON contacts(batch_id);

CREATE TABLE IF NOT EXISTS contact_identities (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (user_id, kind, value)
);

CREATE TABLE IF NOT EXISTS ignored_identifiers (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (user_id, kind, value)
);

CREATE TABLE IF NOT EXISTS interactions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	contact_id  TEXT NOT NULL REFERENCES contacts(id),
	subject     TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	occurred_at DATETIME NOT NULL,
	source      TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	batch_id    TEXT NOT NULL DEFAULT '',
	metadata    TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (user_id, source, source_id)
);
CREATE INDEX IF NOT EXISTS idx_interactions_contact ON interactions(contact_id);
CREATE INDEX IF NOT EXISTS idx_interactions_batch ON interactions(batch_id);

CREATE TABLE IF NOT EXISTS identity_suggestions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	provider   TEXT NOT NULL DEFAULT '',
	excerpt    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	decided_at DATETIME,
	UNIQUE (user_id, kind, value)
);
CREATE INDEX IF NOT EXISTS idx_suggestions_pending ON identity_suggestions(user_id, status);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	run_after    DATETIME NOT NULL,
	user_id      TEXT NOT NULL,
	batch_id     TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, run_after, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id);

CREATE TABLE IF NOT EXISTS sync_ledger (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	batch_id   TEXT NOT NULL DEFAULT '',
	payload    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_ledger_batch ON sync_ledger(batch_id);

CREATE TABLE IF NOT EXISTS embeddings (
	id         TEXT PRIMARY KEY,
	owner_type TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	vector     TEXT NOT NULL,
	metadata   TEXT,
	updated_at DATETIME NOT NULL,
	UNIQUE (owner_type, owner_id)
);

CREATE TABLE IF NOT EXISTS quotas (
	user_id    TEXT PRIMARY KEY,
	remaining  INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_log (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	service    TEXT NOT NULL,
	operation  TEXT NOT NULL,
	units      INTEGER NOT NULL DEFAULT 0,
	tokens     INTEGER NOT NULL DEFAULT 0,
	cost_usd   REAL NOT NULL DEFAULT 0,
	allowed    INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Raw events ---

func (s *SQLiteStore) InsertRawEvent(ctx context.Context, ev *model.RawEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_events (id, user_id, provider, source_id, occurred_at, payload, batch_id, extraction_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider, source_id) WHERE source_id IS NOT NULL DO NOTHING`,
		ev.ID, ev.UserID, string(ev.Provider), nullStr(ev.SourceID), ev.OccurredAt.UTC(),
		string(ev.Payload), ev.BatchID, string(ev.Status), ev.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert raw event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert raw event rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetRawEvent(ctx context.Context, id string) (*model.RawEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, source_id, occurred_at, payload, batch_id, extraction_status, created_at
		 FROM raw_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get raw event %s", id)
	}
	return ev, nil
}

func (s *SQLiteStore) UpdateEventStatus(ctx context.Context, id string, from []model.ExtractionStatus, to model.ExtractionStatus) (bool, error) {
	if len(from) == 0 {
		return false, eris.New("sqlite: update event status: empty from set")
	}
	args := []any{string(to), id}
	ph := make([]string, len(from))
	for i, f := range from {
		ph[i] = "?"
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE raw_events SET extraction_status = ? WHERE id = ? AND extraction_status IN (%s)`,
			strings.Join(ph, ", ")),
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update event status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: update event status rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) InsertEventIdentifiers(ctx context.Context, eventID string, ids []model.Identifier) error {
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO raw_event_identifiers (raw_event_id, kind, value) VALUES (?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			eventID, string(id.Kind), id.Value,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert event identifier %s/%s", id.Kind, id.Value)
		}
	}
	return nil
}

func (s *SQLiteStore) ListEventsAwaiting(ctx context.Context, userID string, kind model.IdentifierKind, value string) ([]model.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.user_id, e.provider, e.source_id, e.occurred_at, e.payload, e.batch_id, e.extraction_status, e.created_at
		 FROM raw_events e
		 JOIN raw_event_identifiers i ON i.raw_event_id = e.id
		 WHERE e.user_id = ? AND i.kind = ? AND i.value = ?
		   AND e.extraction_status IN (?, ?)
		 ORDER BY e.occurred_at`,
		userID, string(kind), value,
		string(model.StatusIdentifiersFound), string(model.StatusPending),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events awaiting")
	}
	defer rows.Close()

	var events []model.RawEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan awaiting event")
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events awaiting iterate")
}

// --- Contacts & identities ---

func (s *SQLiteStore) CreateContact(ctx context.Context, c *model.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, user_id, display_name, primary_email, primary_phone, batch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.DisplayName, c.PrimaryEmail, c.PrimaryPhone, c.BatchID, c.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert contact")
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, display_name, primary_email, primary_phone, batch_id, created_at, deleted_at
		 FROM contacts WHERE id = ?`, id)

	var c model.Contact
	var deletedAt sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.DisplayName, &c.PrimaryEmail, &c.PrimaryPhone, &c.BatchID, &c.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get contact %s", id)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) LookupIdentity(ctx context.Context, userID string, kind model.IdentifierKind, value string) (*model.ContactIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, value, contact_id, created_at
		 FROM contact_identities WHERE user_id = ? AND kind = ? AND value = ?`,
		userID, string(kind), value)

	var ci model.ContactIdentity
	err := row.Scan(&ci.ID, &ci.UserID, &ci.Kind, &ci.Value, &ci.ContactID, &ci.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lookup identity")
	}
	return &ci, nil
}

func (s *SQLiteStore) IsIgnored(ctx context.Context, userID string, kind model.IdentifierKind, value string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM ignored_identifiers WHERE user_id = ? AND kind = ? AND value = ?`,
		userID, string(kind), value).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: is ignored")
	}
	return true, nil
}

// --- Interactions ---

func (s *SQLiteStore) GetInteraction(ctx context.Context, id string) (*model.Interaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, contact_id, subject, body, occurred_at, source, source_id, batch_id, metadata, created_at
		 FROM interactions WHERE id = ?`, id)

	var in model.Interaction
	var metaJSON sql.NullString
	err := row.Scan(&in.ID, &in.UserID, &in.ContactID, &in.Subject, &in.Body, &in.OccurredAt,
		&in.Source, &in.SourceID, &in.BatchID, &metaJSON, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get interaction %s", id)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &in.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal interaction metadata")
		}
	}
	return &in, nil
}

func (s *SQLiteStore) FindInteraction(ctx context.Context, userID string, source model.Provider, sourceID string) (*model.Interaction, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM interactions WHERE user_id = ? AND source = ? AND source_id = ?`,
		userID, string(source), sourceID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find interaction")
	}
	return s.GetInteraction(ctx, id)
}

func (s *SQLiteStore) SetInteractionSummary(ctx context.Context, id string, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions
		 SET metadata = json_set(COALESCE(metadata, '{}'), '$.summary', ?)
		 WHERE id = ?`,
		summary, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set interaction summary %s", id)
	}
	return checkRowsAffected(res, "interaction", id)
}

// --- Suggestions ---

func (s *SQLiteStore) CreateSuggestion(ctx context.Context, sg *model.IdentitySuggestion) (bool, error) {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_suggestions (id, user_id, kind, value, status, provider, excerpt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, kind, value) DO NOTHING`,
		sg.ID, sg.UserID, string(sg.Kind), sg.Value, string(model.SuggestionPending),
		string(sg.Provider), sg.Excerpt, sg.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert suggestion")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert suggestion rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetSuggestion(ctx context.Context, id string) (*model.IdentitySuggestion, error) {
	row := s.db.QueryRowContext(ctx, suggestionSelect+` WHERE s.id = ?`, id)
	sg, err := scanSuggestion(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get suggestion %s", id)
	}
	return sg, nil
}

func (s *SQLiteStore) FindSuggestion(ctx context.Context, userID string, kind model.IdentifierKind, value string) (*model.IdentitySuggestion, error) {
	row := s.db.QueryRowContext(ctx,
		suggestionSelect+` WHERE s.user_id = ? AND s.kind = ? AND s.value = ?`,
		userID, string(kind), value)
	sg, err := scanSuggestion(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find suggestion")
	}
	return sg, nil
}

func (s *SQLiteStore) ListPendingSuggestions(ctx context.Context, userID string, limit int) ([]model.IdentitySuggestion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		suggestionSelect+` WHERE s.user_id = ? AND s.status = ? ORDER BY s.created_at LIMIT ?`,
		userID, string(model.SuggestionPending), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending suggestions")
	}
	defer rows.Close()

	var out []model.IdentitySuggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan suggestion")
		}
		out = append(out, *sg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending suggestions iterate")
}

const suggestionSelect = `
	SELECT s.id, s.user_id, s.kind, s.value, s.status, s.provider, s.excerpt, s.created_at, s.decided_at,
	       (SELECT COUNT(*) FROM raw_event_identifiers i
	          JOIN raw_events e ON e.id = i.raw_event_id
	         WHERE e.user_id = s.user_id AND i.kind = s.kind AND i.value = s.value) AS event_count
	FROM identity_suggestions s`

// checkRowsAffected maps a zero-row conditional update to ErrNotFound.
func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
