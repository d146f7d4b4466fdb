package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwell/intake-cli/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(userID, sourceID, batchID string) *model.RawEvent {
	return &model.RawEvent{
		UserID:     userID,
		Provider:   model.ProviderGmail,
		SourceID:   sourceID,
		OccurredAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Payload:    json.RawMessage(`{"subject":"Appointment reminder","from":"sarah@example.com"}`),
		BatchID:    batchID,
	}
}

func testDraft(ev *model.RawEvent) model.InteractionDraft {
	return model.InteractionDraft{
		EventID:    ev.ID,
		UserID:     ev.UserID,
		Subject:    "Appointment reminder",
		Body:       "See you Tuesday",
		OccurredAt: ev.OccurredAt,
		Source:     ev.Provider,
		SourceID:   ev.SourceID,
		BatchID:    ev.BatchID,
	}
}

func TestInsertRawEventDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.InsertRawEvent(ctx, testEvent("u1", "msg-1", "b1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Same (user, provider, source id) is a replay: swallowed.
	created, err = s.InsertRawEvent(ctx, testEvent("u1", "msg-1", "b2"))
	require.NoError(t, err)
	assert.False(t, created)

	// Different user is not a duplicate.
	created, err = s.InsertRawEvent(ctx, testEvent("u2", "msg-1", "b1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Events without a stable source id never dedup against each other.
	created, err = s.InsertRawEvent(ctx, testEvent("u1", "", "b1"))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.InsertRawEvent(ctx, testEvent("u1", "", "b1"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestUpdateEventStatusGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := testEvent("u1", "msg-1", "b1")
	_, err := s.InsertRawEvent(ctx, ev)
	require.NoError(t, err)

	ok, err := s.UpdateEventStatus(ctx, ev.ID,
		[]model.ExtractionStatus{model.StatusUnprocessed}, model.StatusIdentifiersFound)
	require.NoError(t, err)
	assert.True(t, ok)

	// From-set mismatch leaves the row alone.
	ok, err = s.UpdateEventStatus(ctx, ev.ID,
		[]model.ExtractionStatus{model.StatusUnprocessed}, model.StatusNoIdentifiers)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetRawEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdentifiersFound, got.Status)
}

func TestClaimJobExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload, err := model.MarshalPayload(model.NormalizePayload{EventID: "ev-1"})
	require.NoError(t, err)
	job := &model.Job{Kind: model.JobNormalize, Payload: payload, UserID: "u1"}
	require.NoError(t, s.EnqueueJob(ctx, job))

	var mu sync.Mutex
	var claimed []*model.Job
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimJob(ctx, []model.JobKind{model.JobNormalize})
			assert.NoError(t, err)
			if j != nil {
				mu.Lock()
				claimed = append(claimed, j)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, 1)
	assert.Equal(t, job.ID, claimed[0].ID)
	assert.Equal(t, model.JobRunning, claimed[0].Status)
}

func TestClaimJobRespectsRunAfterAndKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	future := &model.Job{Kind: model.JobNormalize, Payload: json.RawMessage(`{}`),
		UserID: "u1", RunAfter: time.Now().Add(time.Hour)}
	require.NoError(t, s.EnqueueJob(ctx, future))
	other := &model.Job{Kind: model.JobEmbed, Payload: json.RawMessage(`{}`), UserID: "u1"}
	require.NoError(t, s.EnqueueJob(ctx, other))

	j, err := s.ClaimJob(ctx, []model.JobKind{model.JobNormalize})
	require.NoError(t, err)
	assert.Nil(t, j, "deferred job must not be claimable yet")

	j, err = s.ClaimJob(ctx, []model.JobKind{model.JobNormalize, model.JobEmbed})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, other.ID, j.ID)
}

func TestJobRetryAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &model.Job{Kind: model.JobResolve, Payload: json.RawMessage(`{}`), UserID: "u1"}
	require.NoError(t, s.EnqueueJob(ctx, job))

	j, err := s.ClaimJob(ctx, []model.JobKind{model.JobResolve})
	require.NoError(t, err)
	require.NotNil(t, j)

	// Transient failure reschedules.
	require.NoError(t, s.FailJob(ctx, j.ID, "timeout", time.Now().Add(-time.Second), false))
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "timeout", got.LastError)

	j, err = s.ClaimJob(ctx, []model.JobKind{model.JobResolve})
	require.NoError(t, err)
	require.NotNil(t, j)

	// Terminal failure parks the job until replayed.
	require.NoError(t, s.FailJob(ctx, j.ID, "gave up", time.Now(), true))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)

	claimed, err := s.ClaimJob(ctx, []model.JobKind{model.JobResolve})
	require.NoError(t, err)
	assert.Nil(t, claimed)

	require.NoError(t, s.ReplayJob(ctx, j.ID))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestClaimJobReclaimsOrphanedRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &model.Job{Kind: model.JobResolve, Payload: json.RawMessage(`{}`), UserID: "u1"}
	require.NoError(t, s.EnqueueJob(ctx, job))

	first, err := s.ClaimJob(ctx, []model.JobKind{model.JobResolve})
	require.NoError(t, err)
	require.NotNil(t, first)

	// Within the lease the running job is off limits.
	j, err := s.ClaimJob(ctx, []model.JobKind{model.JobResolve})
	require.NoError(t, err)
	assert.Nil(t, j)

	// A claim older than the lease belongs to a crashed worker.
	_, err = s.db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-runningLease-time.Minute), job.ID)
	require.NoError(t, err)

	reclaimed, err := s.ClaimJob(ctx, []model.JobKind{model.JobResolve})
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, model.JobRunning, reclaimed.Status)
	require.NoError(t, s.CompleteJob(ctx, reclaimed.ID))
}

func TestCompleteJobRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &model.Job{Kind: model.JobEmbed, Payload: json.RawMessage(`{}`), UserID: "u1"}
	require.NoError(t, s.EnqueueJob(ctx, job))

	err := s.CompleteJob(ctx, job.ID)
	assert.Error(t, err, "completing a queued job must fail")

	j, err := s.ClaimJob(ctx, []model.JobKind{model.JobEmbed})
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, s.CompleteJob(ctx, j.ID))
}

func seedAwaitingEvent(t *testing.T, s *SQLiteStore, userID, sourceID, batchID, email string) *model.RawEvent {
	t.Helper()
	ctx := context.Background()
	ev := testEvent(userID, sourceID, batchID)
	_, err := s.InsertRawEvent(ctx, ev)
	require.NoError(t, err)
	_, err = s.UpdateEventStatus(ctx, ev.ID,
		[]model.ExtractionStatus{model.StatusUnprocessed}, model.StatusIdentifiersFound)
	require.NoError(t, err)
	require.NoError(t, s.InsertEventIdentifiers(ctx, ev.ID,
		[]model.Identifier{{Kind: model.KindEmail, Value: email}}))
	return ev
}

func TestApproveIdentityCreatesContactAndLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedAwaitingEvent(t, s, "u1", "msg-1", "b1", "sarah@example.com")

	sg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com", Provider: model.ProviderGmail}
	created, err := s.CreateSuggestion(ctx, sg)
	require.NoError(t, err)
	require.True(t, created)

	res, err := s.ApproveIdentity(ctx, ApproveRequest{
		SuggestionID: sg.ID,
		DisplayName:  "Sarah Lindqvist",
		Drafts:       []model.InteractionDraft{testDraft(ev)},
		BatchID:      "b1",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Linked)
	assert.Equal(t, "Sarah Lindqvist", res.Contact.DisplayName)
	assert.Equal(t, "sarah@example.com", res.Contact.PrimaryEmail)

	ci, err := s.LookupIdentity(ctx, "u1", model.KindEmail, "sarah@example.com")
	require.NoError(t, err)
	require.NotNil(t, ci)
	assert.Equal(t, res.Contact.ID, ci.ContactID)

	got, err := s.GetRawEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusYes, got.Status)

	decided, err := s.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SuggestionApproved, decided.Status)
	assert.NotNil(t, decided.DecidedAt)
}

func TestApproveIdentityIdempotentOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedAwaitingEvent(t, s, "u1", "msg-1", "b1", "sarah@example.com")
	sg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com"}
	_, err := s.CreateSuggestion(ctx, sg)
	require.NoError(t, err)

	req := ApproveRequest{SuggestionID: sg.ID, Drafts: []model.InteractionDraft{testDraft(ev)}, BatchID: "b1"}

	first, err := s.ApproveIdentity(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Created)

	// Second approval loses the uniqueness race and links to the winner.
	second, err := s.ApproveIdentity(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Contact.ID, second.Contact.ID)
	assert.Zero(t, second.Linked, "interaction already linked, duplicate swallowed")
}

func TestApproveIdentityConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedAwaitingEvent(t, s, "u1", "msg-1", "b1", "sarah@example.com")
	sg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com"}
	_, err := s.CreateSuggestion(ctx, sg)
	require.NoError(t, err)

	req := ApproveRequest{SuggestionID: sg.ID, Drafts: []model.InteractionDraft{testDraft(ev)}, BatchID: "b1"}

	var mu sync.Mutex
	var results []*ApproveResult
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApproveIdentity(ctx, req)
			assert.NoError(t, err)
			if res != nil {
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, results, 4)
	createdCount := 0
	for _, r := range results {
		if r.Created {
			createdCount++
		}
		assert.Equal(t, results[0].Contact.ID, r.Contact.ID)
	}
	assert.Equal(t, 1, createdCount, "exactly one approval may create the contact")
}

func TestRejectIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedAwaitingEvent(t, s, "u1", "msg-1", "b1", "spam@example.com")
	sg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "spam@example.com"}
	_, err := s.CreateSuggestion(ctx, sg)
	require.NoError(t, err)

	rejected, err := s.RejectIdentity(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rejected)

	ignored, err := s.IsIgnored(ctx, "u1", model.KindEmail, "spam@example.com")
	require.NoError(t, err)
	assert.True(t, ignored)

	got, err := s.GetRawEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)

	// Approving a rejected suggestion is refused.
	_, err = s.ApproveIdentity(ctx, ApproveRequest{SuggestionID: sg.ID})
	assert.Error(t, err)
}

func TestCreateSuggestionDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com"}
	created, err := s.CreateSuggestion(ctx, sg)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com"}
	created, err = s.CreateSuggestion(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	pending, err := s.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestListEventsAwaiting(t *testing.T) {
	s := newTestStore(t)

	seedAwaitingEvent(t, s, "u1", "msg-1", "b1", "sarah@example.com")
	seedAwaitingEvent(t, s, "u1", "msg-2", "b1", "sarah@example.com")
	seedAwaitingEvent(t, s, "u1", "msg-3", "b1", "other@example.com")
	seedAwaitingEvent(t, s, "u2", "msg-1", "b1", "sarah@example.com")

	events, err := s.ListEventsAwaiting(context.Background(), "u1", model.KindEmail, "sarah@example.com")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestConsumeQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.GrantQuota(ctx, "u1", 5))

	remaining, allowed, err := s.ConsumeQuota(ctx, "u1", 3)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.EqualValues(t, 2, remaining)

	remaining, allowed, err = s.ConsumeQuota(ctx, "u1", 3)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.EqualValues(t, 2, remaining, "rejected consume must not decrement")

	// Unknown user has nothing to spend.
	_, allowed, err = s.ConsumeQuota(ctx, "nobody", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestConsumeQuotaConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.GrantQuota(ctx, "u1", 5))

	allowedCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ConsumeQuota(ctx, "u1", 1)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, allowedCount)
	q, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, q.Remaining)
}

func TestUndoBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedAwaitingEvent(t, s, "u1", "msg-1", "batch-undo", "sarah@example.com")
	keep := seedAwaitingEvent(t, s, "u1", "msg-2", "batch-keep", "keep@example.com")

	sg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com"}
	_, err := s.CreateSuggestion(ctx, sg)
	require.NoError(t, err)
	keepSg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "keep@example.com"}
	_, err = s.CreateSuggestion(ctx, keepSg)
	require.NoError(t, err)

	res, err := s.ApproveIdentity(ctx, ApproveRequest{
		SuggestionID: sg.ID,
		Drafts:       []model.InteractionDraft{testDraft(ev)},
		BatchID:      "batch-undo",
	})
	require.NoError(t, err)

	job := &model.Job{Kind: model.JobEmbed, Payload: json.RawMessage(`{}`), UserID: "u1", BatchID: "batch-undo"}
	require.NoError(t, s.EnqueueJob(ctx, job))

	undo, err := s.UndoBatch(ctx, "u1", "batch-undo")
	require.NoError(t, err)
	assert.Equal(t, 1, undo.EventsDeleted)
	assert.Equal(t, 1, undo.InteractionsDeleted)
	assert.Equal(t, 1, undo.ContactsDeleted)
	assert.Equal(t, 1, undo.JobsCancelled)

	_, err = s.GetRawEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Contact soft-deleted, not purged.
	c, err := s.GetContact(ctx, res.Contact.ID)
	require.NoError(t, err)
	assert.NotNil(t, c.DeletedAt)

	j, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)

	// The other batch is untouched, and its suggestion survives.
	_, err = s.GetRawEvent(ctx, keep.ID)
	require.NoError(t, err)
	pending, err := s.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "keep@example.com", pending[0].Value)
}

func TestUndoBatchClearsContactIdentities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedAwaitingEvent(t, s, "u1", "msg-1", "batch-undo", "sarah@example.com")
	sg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com"}
	_, err := s.CreateSuggestion(ctx, sg)
	require.NoError(t, err)
	_, err = s.ApproveIdentity(ctx, ApproveRequest{
		SuggestionID: sg.ID,
		Drafts:       []model.InteractionDraft{testDraft(ev)},
		BatchID:      "batch-undo",
	})
	require.NoError(t, err)

	_, err = s.UndoBatch(ctx, "u1", "batch-undo")
	require.NoError(t, err)

	// The identifier no longer matches the soft-deleted contact.
	ci, err := s.LookupIdentity(ctx, "u1", model.KindEmail, "sarah@example.com")
	require.NoError(t, err)
	assert.Nil(t, ci)

	// And its decided prompt is gone, so re-ingesting raises a new one.
	existing, err := s.FindSuggestion(ctx, "u1", model.KindEmail, "sarah@example.com")
	require.NoError(t, err)
	assert.Nil(t, existing)
	created, err := s.CreateSuggestion(ctx, &model.IdentitySuggestion{
		UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestLedgerAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, action := range []model.LedgerAction{model.LedgerPreview, model.LedgerApprove, model.LedgerUndo} {
		require.NoError(t, s.AppendLedger(ctx, &model.LedgerEntry{
			UserID:  "u1",
			Action:  action,
			BatchID: "b1",
			Payload: map[string]any{"events": float64(3)},
		}))
	}

	entries, err := s.ListLedger(ctx, "u1", "b1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, map[string]any{"events": float64(3)}, entries[0].Payload)
}

func TestEmbeddingUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &model.EmbeddingRecord{
		OwnerType: model.OwnerContact,
		OwnerID:   "c1",
		Vector:    []float32{0.1, 0.2, 0.3},
	}
	require.NoError(t, s.UpsertEmbedding(ctx, rec))

	rec.Vector = []float32{0.4, 0.5, 0.6}
	require.NoError(t, s.UpsertEmbedding(ctx, rec))

	got, err := s.GetEmbedding(ctx, model.OwnerContact, "c1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.4, 0.5, 0.6}, got.Vector)
}

func TestSetInteractionSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedAwaitingEvent(t, s, "u1", "msg-1", "b1", "sarah@example.com")
	sg := &model.IdentitySuggestion{UserID: "u1", Kind: model.KindEmail, Value: "sarah@example.com"}
	_, err := s.CreateSuggestion(ctx, sg)
	require.NoError(t, err)
	res, err := s.ApproveIdentity(ctx, ApproveRequest{
		SuggestionID: sg.ID,
		Drafts:       []model.InteractionDraft{testDraft(ev)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Linked)

	var interactionID string
	row := s.db.QueryRow(`SELECT id FROM interactions WHERE contact_id = ?`, res.Contact.ID)
	require.NoError(t, row.Scan(&interactionID))

	require.NoError(t, s.SetInteractionSummary(ctx, interactionID, "Reminder about Tuesday's appointment"))
	in, err := s.GetInteraction(ctx, interactionID)
	require.NoError(t, err)
	assert.Equal(t, "Reminder about Tuesday's appointment", in.Metadata["summary"])
}
