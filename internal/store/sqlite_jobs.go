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

	"github.com/harborwell/intake-cli/internal/model"
)

// --- Jobs ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	job.Status = model.JobQueued
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts, run_after, user_id, batch_id, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, '', ?, ?)`,
		job.ID, string(job.Kind), string(job.Payload), string(job.Status),
		job.MaxAttempts, job.RunAfter, job.UserID, job.BatchID, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue job")
}

const jobColumns = `id, kind, payload, status, attempts, max_attempts, run_after, user_id, batch_id, last_error, created_at, updated_at`

func (s *SQLiteStore) ClaimJob(ctx context.Context, kinds []model.JobKind) (*model.Job, error) {
	if len(kinds) == 0 {
		return nil, eris.New("sqlite: claim job: no kinds")
	}
	now := time.Now().UTC()
	stale := now.Add(-runningLease)
	ph := make([]string, len(kinds))
	args := []any{now, now, stale}
	for i, k := range kinds {
		ph[i] = "?"
		args = append(args, string(k))
	}

	// Single conditional transition queued→running; SQLite serializes
	// writers so two workers can never both see rows affected. A job
	// sitting in running past the lease was orphaned by a crashed
	// worker and is claimed again.
	query := fmt.Sprintf(
		`UPDATE jobs SET status = 'running', updated_at = ?
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE ((status = 'queued' AND run_after <= ?) OR (status = 'running' AND updated_at <= ?))
		     AND kind IN (%s)
		   ORDER BY created_at LIMIT 1
		 ) AND status IN ('queued', 'running')
		 RETURNING %s`,
		strings.Join(ph, ", "), jobColumns,
	)

	row := s.db.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job")
	}
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ? AND status = 'running'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "running job", id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, errMsg string, retryAt time.Time, terminal bool) error {
	status := model.JobQueued
	if terminal {
		status = model.JobFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, last_error = ?, run_after = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), errMsg, retryAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, "running job", id)
}

func (s *SQLiteStore) ReplayJob(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', attempts = 0, last_error = '', run_after = ?, updated_at = ?
		 WHERE id = ? AND status = 'failed'`,
		now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: replay job %s", id)
	}
	return checkRowsAffected(res, "failed job", id)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns), id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, userID string, filter JobFilter) ([]model.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE user_id = ?`, jobColumns)
	args := []any{userID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// --- Sync ledger ---

func (s *SQLiteStore) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var payloadJSON any
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal ledger payload")
		}
		payloadJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_ledger (id, user_id, provider, action, batch_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Provider), string(e.Action), e.BatchID, payloadJSON, e.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append ledger")
}

func (s *SQLiteStore) ListLedger(ctx context.Context, userID, batchID string, limit int) ([]model.LedgerEntry, error) {
	query := `SELECT id, user_id, provider, action, batch_id, payload, created_at FROM sync_ledger WHERE user_id = ?`
	args := []any{userID}
	if batchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, batchID)
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var payloadJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Provider, &e.Action, &e.BatchID, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal ledger payload")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list ledger iterate")
}

// --- Embeddings ---

func (s *SQLiteStore) UpsertEmbedding(ctx context.Context, rec *model.EmbeddingRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.UpdatedAt = time.Now().UTC()

	vecJSON, err := json.Marshal(rec.Vector)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal vector")
	}
	var metaJSON any
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal embedding metadata")
		}
		metaJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO embeddings (id, owner_type, owner_id, vector, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_type, owner_id) DO UPDATE SET
		   vector = excluded.vector, metadata = excluded.metadata, updated_at = excluded.updated_at`,
		rec.ID, rec.OwnerType, rec.OwnerID, string(vecJSON), metaJSON, rec.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert embedding")
}

func (s *SQLiteStore) GetEmbedding(ctx context.Context, ownerType, ownerID string) (*model.EmbeddingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_type, owner_id, vector, metadata, updated_at FROM embeddings
		 WHERE owner_type = ? AND owner_id = ?`, ownerType, ownerID)

	var rec model.EmbeddingRecord
	var vecJSON string
	var metaJSON sql.NullString
	err := row.Scan(&rec.ID, &rec.OwnerType, &rec.OwnerID, &vecJSON, &metaJSON, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get embedding")
	}
	if err := json.Unmarshal([]byte(vecJSON), &rec.Vector); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal vector")
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding metadata")
		}
	}
	return &rec, nil
}

// --- Quota ---

func (s *SQLiteStore) GrantQuota(ctx context.Context, userID string, units int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotas (user_id, remaining, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   remaining = remaining + excluded.remaining, updated_at = excluded.updated_at`,
		userID, units, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: grant quota")
}

func (s *SQLiteStore) EnsureQuota(ctx context.Context, userID string, units int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotas (user_id, remaining, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, units, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: ensure quota")
}

func (s *SQLiteStore) GetQuota(ctx context.Context, userID string) (*model.Quota, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, remaining, updated_at FROM quotas WHERE user_id = ?`, userID)

	var q model.Quota
	err := row.Scan(&q.UserID, &q.Remaining, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get quota")
	}
	return &q, nil
}

// ConsumeQuota performs the conditional decrement: the WHERE clause is
// the compare, the UPDATE is the swap. Losing callers see zero rows
// affected and nothing consumed.
func (s *SQLiteStore) ConsumeQuota(ctx context.Context, userID string, cost int64) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE quotas SET remaining = remaining - ?, updated_at = ?
		 WHERE user_id = ? AND remaining >= ?
		 RETURNING remaining`,
		cost, time.Now().UTC(), userID, cost,
	)
	var remaining int64
	err := row.Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, eris.Wrap(err, "sqlite: consume quota")
	}

	// Rejected: report what is left for the caller's error message.
	q, qerr := s.GetQuota(ctx, userID)
	if qerr != nil && !eris.Is(qerr, ErrNotFound) {
		return 0, false, qerr
	}
	if q != nil {
		return q.Remaining, false, nil
	}
	return 0, false, nil
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	allowed := 0
	if rec.Allowed {
		allowed = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (id, user_id, service, operation, units, tokens, cost_usd, allowed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Service, rec.Operation, rec.Units, rec.Tokens, rec.CostUSD, allowed, rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: record usage")
}

// --- Undo ---

func (s *SQLiteStore) UndoBatch(ctx context.Context, userID, batchID string) (*UndoResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: undo begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var r UndoResult

	r.InteractionsDeleted, err = execCount(ctx, tx,
		`DELETE FROM interactions WHERE user_id = ? AND batch_id = ?`, userID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: undo interactions")
	}

	r.ContactsDeleted, err = execCount(ctx, tx,
		`UPDATE contacts SET deleted_at = ? WHERE user_id = ? AND batch_id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), userID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: undo contacts")
	}

	// The undone contacts' identifiers must prompt again on re-ingest:
	// clear their decided prompts first, then the identity rows, so
	// later events neither link to a soft-deleted contact nor park
	// behind a prompt that was already decided.
	if _, err = execCount(ctx, tx,
		`DELETE FROM identity_suggestions
		 WHERE user_id = ? AND status != 'pending'
		   AND (kind, value) IN (
		     SELECT ci.kind, ci.value FROM contact_identities ci
		     JOIN contacts c ON c.id = ci.contact_id
		     WHERE c.user_id = ? AND c.batch_id = ? AND c.deleted_at IS NOT NULL)`,
		userID, userID, batchID); err != nil {
		return nil, eris.Wrap(err, "sqlite: undo decided suggestions")
	}

	if _, err = execCount(ctx, tx,
		`DELETE FROM contact_identities WHERE contact_id IN
		   (SELECT id FROM contacts WHERE user_id = ? AND batch_id = ? AND deleted_at IS NOT NULL)`,
		userID, batchID); err != nil {
		return nil, eris.Wrap(err, "sqlite: undo contact identities")
	}

	if _, err = execCount(ctx, tx,
		`DELETE FROM raw_event_identifiers WHERE raw_event_id IN
		   (SELECT id FROM raw_events WHERE user_id = ? AND batch_id = ?)`,
		userID, batchID); err != nil {
		return nil, eris.Wrap(err, "sqlite: undo event identifiers")
	}

	r.EventsDeleted, err = execCount(ctx, tx,
		`DELETE FROM raw_events WHERE user_id = ? AND batch_id = ?`, userID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: undo raw events")
	}

	// Pending suggestions whose last awaiting events were just removed
	// would otherwise prompt for values with no remaining evidence.
	r.SuggestionsDeleted, err = execCount(ctx, tx,
		`DELETE FROM identity_suggestions
		 WHERE user_id = ? AND status = 'pending'
		   AND NOT EXISTS (
		     SELECT 1 FROM raw_event_identifiers i
		     JOIN raw_events e ON e.id = i.raw_event_id
		     WHERE e.user_id = identity_suggestions.user_id
		       AND i.kind = identity_suggestions.kind
		       AND i.value = identity_suggestions.value)`,
		userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: undo suggestions")
	}

	r.JobsCancelled, err = execCount(ctx, tx,
		`UPDATE jobs SET status = 'failed', last_error = 'cancelled: batch undone', updated_at = ?
		 WHERE user_id = ? AND batch_id = ? AND status = 'queued'`,
		time.Now().UTC(), userID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: undo jobs")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: undo commit")
	}
	return &r, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
