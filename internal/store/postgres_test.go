package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock, closeFn: mock.Close}, mock
}

func TestPostgresInsertRawEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO raw_events").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ev := testEvent("u1", "msg-1", "b1")
	created, err := s.InsertRawEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, ev.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertRawEventDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING swallows the duplicate: zero rows affected.
	mock.ExpectExec("INSERT INTO raw_events").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.InsertRawEvent(context.Background(), testEvent("u1", "msg-1", "b1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimJob(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "kind", "payload", "status", "attempts", "max_attempts",
		"run_after", "user_id", "batch_id", "last_error", "created_at", "updated_at",
	}).AddRow("j1", "normalize", `{"event_id":"ev-1"}`, "running", 0, 5, now, "u1", "b1", "", now, now)

	// Matching on SKIP LOCKED pins the non-blocking claim semantics.
	mock.ExpectQuery(`(?s)UPDATE jobs SET status = 'running'.*FOR UPDATE SKIP LOCKED`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	job, err := s.ClaimJob(context.Background(), []model.JobKind{model.JobNormalize})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, model.JobRunning, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimJobEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET status = 'running'").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	job, err := s.ClaimJob(context.Background(), []model.JobKind{model.JobNormalize})
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteJobNotRunning(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = 'completed'").
		WithArgs(pgxmock.AnyArg(), "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteJob(context.Background(), "j1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConsumeQuota(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE quotas SET remaining").
		WithArgs(int64(3), pgxmock.AnyArg(), "u1").
		WillReturnRows(pgxmock.NewRows([]string{"remaining"}).AddRow(int64(7)))

	remaining, allowed, err := s.ConsumeQuota(context.Background(), "u1", 3)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.EqualValues(t, 7, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConsumeQuotaDenied(t *testing.T) {
	s, mock := newMockStore(t)

	// Conditional update matches nothing; the follow-up read reports the
	// untouched balance.
	mock.ExpectQuery("UPDATE quotas SET remaining").
		WithArgs(int64(10), pgxmock.AnyArg(), "u1").
		WillReturnRows(pgxmock.NewRows([]string{"remaining"}))
	mock.ExpectQuery("SELECT user_id, remaining, updated_at FROM quotas").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "remaining", "updated_at"}).
			AddRow("u1", int64(4), time.Now().UTC()))

	remaining, allowed, err := s.ConsumeQuota(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.EqualValues(t, 4, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkEventsRejected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE raw_events SET extraction_status").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.MarkEventsRejected(context.Background(), "u1", model.KindEmail, "spam@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetJobNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
