package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/harborwell/intake-cli/internal/model"
)

// --- Jobs ---

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.Job) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts, run_after, user_id, batch_id, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, '', $9, $10)`,
		job.ID, string(job.Kind), string(job.Payload), string(job.Status),
		job.MaxAttempts, job.RunAfter, job.UserID, job.BatchID, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: enqueue job")
}

const pgJobColumns = `id, kind, payload::text, status, attempts, max_attempts, run_after, user_id, batch_id, last_error, created_at, updated_at`

// ClaimJob uses FOR UPDATE SKIP LOCKED so concurrent workers never
// block on or double-claim the same row.
func (s *PostgresStore) ClaimJob(ctx context.Context, kinds []model.JobKind) (*model.Job, error) {
	if len(kinds) == 0 {
		return nil, eris.New("postgres: claim job: no kinds")
	}
	kindVals := make([]string, len(kinds))
	for i, k := range kinds {
		kindVals[i] = string(k)
	}
	now := time.Now().UTC()
	stale := now.Add(-runningLease)

	// A job sitting in running past the lease was orphaned by a crashed
	// worker and is claimed again.
	query := fmt.Sprintf(
		`UPDATE jobs SET status = 'running', updated_at = $1
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE ((status = 'queued' AND run_after <= $2) OR (status = 'running' AND updated_at <= $3))
		     AND kind = ANY($4)
		   ORDER BY created_at LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING %s`, pgJobColumns)

	row := s.pool.QueryRow(ctx, query, now, now, stale, kindVals)
	job, err := scanJob(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', updated_at = $1 WHERE id = $2 AND status = 'running'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "running job %s", id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, errMsg string, retryAt time.Time, terminal bool) error {
	status := model.JobQueued
	if terminal {
		status = model.JobFailed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, attempts = attempts + 1, last_error = $2, run_after = $3, updated_at = $4
		 WHERE id = $5 AND status = 'running'`,
		string(status), errMsg, retryAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "running job %s", id)
	}
	return nil
}

func (s *PostgresStore) ReplayJob(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued', attempts = 0, last_error = '', run_after = $1, updated_at = $2
		 WHERE id = $3 AND status = 'failed'`,
		now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: replay job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "failed job %s", id)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, pgJobColumns), id)
	job, err := scanJob(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID string, filter JobFilter) ([]model.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE user_id = $1`, pgJobColumns)
	args := []any{userID}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		query += fmt.Sprintf(` AND batch_id = $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// --- Sync ledger ---

func (s *PostgresStore) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
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
			return eris.Wrap(err, "postgres: marshal ledger payload")
		}
		payloadJSON = string(b)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_ledger (id, user_id, provider, action, batch_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, string(e.Provider), string(e.Action), e.BatchID, payloadJSON, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append ledger")
}

func (s *PostgresStore) ListLedger(ctx context.Context, userID, batchID string, limit int) ([]model.LedgerEntry, error) {
	query := `SELECT id, user_id, provider, action, batch_id, payload::text, created_at FROM sync_ledger WHERE user_id = $1`
	args := []any{userID}
	if batchID != "" {
		args = append(args, batchID)
		query += fmt.Sprintf(` AND batch_id = $%d`, len(args))
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var payloadJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Provider, &e.Action, &e.BatchID, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal ledger payload")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list ledger iterate")
}

// --- Embeddings ---

func (s *PostgresStore) UpsertEmbedding(ctx context.Context, rec *model.EmbeddingRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.UpdatedAt = time.Now().UTC()

	vecJSON, err := json.Marshal(rec.Vector)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal vector")
	}
	var metaJSON any
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal embedding metadata")
		}
		metaJSON = string(b)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO embeddings (id, owner_type, owner_id, vector, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (owner_type, owner_id) DO UPDATE SET
		   vector = excluded.vector, metadata = excluded.metadata, updated_at = excluded.updated_at`,
		rec.ID, rec.OwnerType, rec.OwnerID, string(vecJSON), metaJSON, rec.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: upsert embedding")
}

func (s *PostgresStore) GetEmbedding(ctx context.Context, ownerType, ownerID string) (*model.EmbeddingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_type, owner_id, vector::text, metadata::text, updated_at FROM embeddings
		 WHERE owner_type = $1 AND owner_id = $2`, ownerType, ownerID)

	var rec model.EmbeddingRecord
	var vecJSON string
	var metaJSON sql.NullString
	err := row.Scan(&rec.ID, &rec.OwnerType, &rec.OwnerID, &vecJSON, &metaJSON, &rec.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get embedding")
	}
	if err := json.Unmarshal([]byte(vecJSON), &rec.Vector); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal vector")
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding metadata")
		}
	}
	return &rec, nil
}

// --- Quota ---

func (s *PostgresStore) GrantQuota(ctx context.Context, userID string, units int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quotas (user_id, remaining, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		   remaining = quotas.remaining + excluded.remaining, updated_at = excluded.updated_at`,
		userID, units, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: grant quota")
}

func (s *PostgresStore) EnsureQuota(ctx context.Context, userID string, units int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quotas (user_id, remaining, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, units, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: ensure quota")
}

func (s *PostgresStore) GetQuota(ctx context.Context, userID string) (*model.Quota, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, remaining, updated_at FROM quotas WHERE user_id = $1`, userID)

	var q model.Quota
	err := row.Scan(&q.UserID, &q.Remaining, &q.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get quota")
	}
	return &q, nil
}

func (s *PostgresStore) ConsumeQuota(ctx context.Context, userID string, cost int64) (int64, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE quotas SET remaining = remaining - $1, updated_at = $2
		 WHERE user_id = $3 AND remaining >= $1
		 RETURNING remaining`,
		cost, time.Now().UTC(), userID,
	)
	var remaining int64
	err := row.Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	if !isNoRows(err) {
		return 0, false, eris.Wrap(err, "postgres: consume quota")
	}

	q, qerr := s.GetQuota(ctx, userID)
	if qerr != nil && !eris.Is(qerr, ErrNotFound) {
		return 0, false, qerr
	}
	if q != nil {
		return q.Remaining, false, nil
	}
	return 0, false, nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_log (id, user_id, service, operation, units, tokens, cost_usd, allowed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UserID, rec.Service, rec.Operation, rec.Units, rec.Tokens, rec.CostUSD, rec.Allowed, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: record usage")
}

// --- Undo ---

func (s *PostgresStore) UndoBatch(ctx context.Context, userID, batchID string) (*UndoResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: undo begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var r UndoResult

	r.InteractionsDeleted, err = execCountPG(ctx, tx,
		`DELETE FROM interactions WHERE user_id = $1 AND batch_id = $2`, userID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: undo interactions")
	}

	r.ContactsDeleted, err = execCountPG(ctx, tx,
		`UPDATE contacts SET deleted_at = $1 WHERE user_id = $2 AND batch_id = $3 AND deleted_at IS NULL`,
		time.Now().UTC(), userID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: undo contacts")
	}

	// The undone contacts' identifiers must prompt again on re-ingest:
	// clear their decided prompts first, then the identity rows, so
	// later events neither link to a soft-deleted contact nor park
	// behind a prompt that was already decided.
	if _, err = execCountPG(ctx, tx,
		`DELETE FROM identity_suggestions
		 WHERE user_id = $1 AND status != 'pending'
		   AND (kind, value) IN (
		     SELECT ci.kind, ci.value FROM contact_identities ci
		     JOIN contacts c ON c.id = ci.contact_id
		     WHERE c.user_id = $2 AND c.batch_id = $3 AND c.deleted_at IS NOT NULL)`,
		userID, userID, batchID); err != nil {
		return nil, eris.Wrap(err, "postgres: undo decided suggestions")
	}

	if _, err = execCountPG(ctx, tx,
		`DELETE FROM contact_identities WHERE contact_id IN
		   (SELECT id FROM contacts WHERE user_id = $1 AND batch_id = $2 AND deleted_at IS NOT NULL)`,
		userID, batchID); err != nil {
		return nil, eris.Wrap(err, "postgres: undo contact identities")
	}

	if _, err = execCountPG(ctx, tx,
		`DELETE FROM raw_event_identifiers WHERE raw_event_id IN
		   (SELECT id FROM raw_events WHERE user_id = $1 AND batch_id = $2)`,
		userID, batchID); err != nil {
		return nil, eris.Wrap(err, "postgres: undo event identifiers")
	}

	r.EventsDeleted, err = execCountPG(ctx, tx,
		`DELETE FROM raw_events WHERE user_id = $1 AND batch_id = $2`, userID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: undo raw events")
	}

	r.SuggestionsDeleted, err = execCountPG(ctx, tx,
		`DELETE FROM identity_suggestions
		 WHERE user_id = $1 AND status = 'pending'
		   AND NOT EXISTS (
		     SELECT 1 FROM raw_event_identifiers i
		     JOIN raw_events e ON e.id = i.raw_event_id
		     WHERE e.user_id = identity_suggestions.user_id
		       AND i.kind = identity_suggestions.kind
		       AND i.value = identity_suggestions.value)`,
		userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: undo suggestions")
	}

	r.JobsCancelled, err = execCountPG(ctx, tx,
		`UPDATE jobs SET status = 'failed', last_error = 'cancelled: batch undone', updated_at = $1
		 WHERE user_id = $2 AND batch_id = $3 AND status = 'queued'`,
		time.Now().UTC(), userID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: undo jobs")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: undo commit")
	}
	return &r, nil
}

func execCountPG(ctx context.Context, tx pgx.Tx, query string, args ...any) (int, error) {
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
