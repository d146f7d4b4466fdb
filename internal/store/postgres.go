package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/harborwell/intake-cli/internal/db"
	"github.com/harborwell/intake-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS raw_events (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	provider          TEXT NOT NULL,
	source_id         TEXT,
	occurred_at       TIMESTAMPTZ NOT NULL,
	payload           JSONB NOT NULL,
	batch_id          TEXT NOT NULL,
	extraction_status TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_contacts_user ON contacts(user_id);
CREATE INDEX IF NOT EXISTS idx_contacts_batch ON contacts(batch_id);

CREATE TABLE IF NOT EXISTS contact_identities (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, kind, value)
);

CREATE TABLE IF NOT EXISTS ignored_identifiers (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, kind, value)
);

CREATE TABLE IF NOT EXISTS interactions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	contact_id  TEXT NOT NULL REFERENCES contacts(id),
	subject     TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	source      TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	batch_id    TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	decided_at TIMESTAMPTZ,
	UNIQUE (user_id, kind, value)
);
CREATE INDEX IF NOT EXISTS idx_suggestions_pending ON identity_suggestions(user_id, status);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	run_after    TIMESTAMPTZ NOT NULL,
	user_id      TEXT NOT NULL,
	batch_id     TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, run_after, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id);

CREATE TABLE IF NOT EXISTS sync_ledger (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	batch_id   TEXT NOT NULL DEFAULT '',
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_batch ON sync_ledger(batch_id);

CREATE TABLE IF NOT EXISTS embeddings (
	id         TEXT PRIMARY KEY,
	owner_type TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	vector     JSONB NOT NULL,
	metadata   JSONB,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (owner_type, owner_id)
);

CREATE TABLE IF NOT EXISTS quotas (
	user_id    TEXT PRIMARY KEY,
	remaining  BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_log (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	service    TEXT NOT NULL,
	operation  TEXT NOT NULL,
	units      BIGINT NOT NULL DEFAULT 0,
	tokens     BIGINT NOT NULL DEFAULT 0,
	cost_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	allowed    BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Raw events ---

func (s *PostgresStore) InsertRawEvent(ctx context.Context, ev *model.RawEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO raw_events (id, user_id, provider, source_id, occurred_at, payload, batch_id, extraction_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, provider, source_id) WHERE source_id IS NOT NULL DO NOTHING`,
		ev.ID, ev.UserID, string(ev.Provider), nullStr(ev.SourceID), ev.OccurredAt.UTC(),
		string(ev.Payload), ev.BatchID, string(ev.Status), ev.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert raw event")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetRawEvent(ctx context.Context, id string) (*model.RawEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, provider, source_id, occurred_at, payload::text, batch_id, extraction_status, created_at
		 FROM raw_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get raw event %s", id)
	}
	return ev, nil
}

func (s *PostgresStore) UpdateEventStatus(ctx context.Context, id string, from []model.ExtractionStatus, to model.ExtractionStatus) (bool, error) {
	if len(from) == 0 {
		return false, eris.New("postgres: update event status: empty from set")
	}
	fromVals := make([]string, len(from))
	for i, f := range from {
		fromVals[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_events SET extraction_status = $1 WHERE id = $2 AND extraction_status = ANY($3)`,
		string(to), id, fromVals,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update event status %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertEventIdentifiers(ctx context.Context, eventID string, ids []model.Identifier) error {
	if len(ids) == 0 {
		return nil
	}
	rows := make([][]any, len(ids))
	for i, id := range ids {
		rows[i] = []any{eventID, string(id.Kind), id.Value}
	}
	sqlText, err := db.InsertIgnoreSQL(db.UpsertConfig{
		Table:        "raw_event_identifiers",
		Columns:      []string{"raw_event_id", "kind", "value"},
		ConflictKeys: []string{"raw_event_id", "kind", "value"},
	}, len(rows))
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlText, db.FlattenRows(rows)...); err != nil {
		return eris.Wrap(err, "postgres: insert event identifiers")
	}
	return nil
}

func (s *PostgresStore) ListEventsAwaiting(ctx context.Context, userID string, kind model.IdentifierKind, value string) ([]model.RawEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.user_id, e.provider, e.source_id, e.occurred_at, e.payload::text, e.batch_id, e.extraction_status, e.created_at
		 FROM raw_events e
		 JOIN raw_event_identifiers i ON i.raw_event_id = e.id
		 WHERE e.user_id = $1 AND i.kind = $2 AND i.value = $3
		   AND e.extraction_status = ANY($4)
		 ORDER BY e.occurred_at`,
		userID, string(kind), value, awaitingStatuses(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events awaiting")
	}
	defer rows.Close()

	var events []model.RawEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan awaiting event")
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events awaiting iterate")
}

func awaitingStatuses() []string {
	return []string{string(model.StatusIdentifiersFound), string(model.StatusPending)}
}

// --- Contacts & identities ---

func (s *PostgresStore) CreateContact(ctx context.Context, c *model.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contacts (id, user_id, display_name, primary_email, primary_phone, batch_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.DisplayName, c.PrimaryEmail, c.PrimaryPhone, c.BatchID, c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert contact")
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, display_name, primary_email, primary_phone, batch_id, created_at, deleted_at
		 FROM contacts WHERE id = $1`, id)

	var c model.Contact
	var deletedAt sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.DisplayName, &c.PrimaryEmail, &c.PrimaryPhone, &c.BatchID, &c.CreatedAt, &deletedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get contact %s", id)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

func (s *PostgresStore) LookupIdentity(ctx context.Context, userID string, kind model.IdentifierKind, value string) (*model.ContactIdentity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, kind, value, contact_id, created_at
		 FROM contact_identities WHERE user_id = $1 AND kind = $2 AND value = $3`,
		userID, string(kind), value)

	var ci model.ContactIdentity
	err := row.Scan(&ci.ID, &ci.UserID, &ci.Kind, &ci.Value, &ci.ContactID, &ci.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lookup identity")
	}
	return &ci, nil
}

func (s *PostgresStore) IsIgnored(ctx context.Context, userID string, kind model.IdentifierKind, value string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM ignored_identifiers WHERE user_id = $1 AND kind = $2 AND value = $3`,
		userID, string(kind), value).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: is ignored")
	}
	return true, nil
}

// --- Interactions ---

func (s *PostgresStore) GetInteraction(ctx context.Context, id string) (*model.Interaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, contact_id, subject, body, occurred_at, source, source_id, batch_id, metadata::text, created_at
		 FROM interactions WHERE id = $1`, id)

	var in model.Interaction
	var metaJSON sql.NullString
	err := row.Scan(&in.ID, &in.UserID, &in.ContactID, &in.Subject, &in.Body, &in.OccurredAt,
		&in.Source, &in.SourceID, &in.BatchID, &metaJSON, &in.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get interaction %s", id)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &in.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal interaction metadata")
		}
	}
	return &in, nil
}

func (s *PostgresStore) FindInteraction(ctx context.Context, userID string, source model.Provider, sourceID string) (*model.Interaction, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM interactions WHERE user_id = $1 AND source = $2 AND source_id = $3`,
		userID, string(source), sourceID).Scan(&id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find interaction")
	}
	return s.GetInteraction(ctx, id)
}

func (s *PostgresStore) SetInteractionSummary(ctx context.Context, id string, summary string) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE interactions
		 SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{summary}', $1::jsonb)
		 WHERE id = $2`,
		string(summaryJSON), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set interaction summary %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "interaction %s", id)
	}
	return nil
}

// --- Suggestions ---

func (s *PostgresStore) CreateSuggestion(ctx context.Context, sg *model.IdentitySuggestion) (bool, error) {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO identity_suggestions (id, user_id, kind, value, status, provider, excerpt, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, kind, value) DO NOTHING`,
		sg.ID, sg.UserID, string(sg.Kind), sg.Value, string(model.SuggestionPending),
		string(sg.Provider), sg.Excerpt, sg.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert suggestion")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, id string) (*model.IdentitySuggestion, error) {
	row := s.pool.QueryRow(ctx, suggestionSelect+` WHERE s.id = $1`, id)
	sg, err := scanSuggestion(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get suggestion %s", id)
	}
	return sg, nil
}

func (s *PostgresStore) FindSuggestion(ctx context.Context, userID string, kind model.IdentifierKind, value string) (*model.IdentitySuggestion, error) {
	row := s.pool.QueryRow(ctx,
		suggestionSelect+` WHERE s.user_id = $1 AND s.kind = $2 AND s.value = $3`,
		userID, string(kind), value)
	sg, err := scanSuggestion(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find suggestion")
	}
	return sg, nil
}

func (s *PostgresStore) ListPendingSuggestions(ctx context.Context, userID string, limit int) ([]model.IdentitySuggestion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		suggestionSelect+` WHERE s.user_id = $1 AND s.status = $2 ORDER BY s.created_at LIMIT $3`,
		userID, string(model.SuggestionPending), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending suggestions")
	}
	defer rows.Close()

	var out []model.IdentitySuggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan suggestion")
		}
		out = append(out, *sg)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending suggestions iterate")
}
