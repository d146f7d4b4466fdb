package resolve

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/ingest"
	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	store    store.Store
	gateway  *ingest.Gateway
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "resolve.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s, gateway: ingest.NewGateway(s), resolver: New(s)}
}

// ingestOne runs a single gmail payload through ingestion and the
// normalize handler, returning the stored event.
func (f *fixture) ingestOne(t *testing.T, sourceID, from, body string) *model.RawEvent {
	t.Helper()
	ctx := context.Background()

	res, err := f.gateway.IngestBatch(ctx, "u1", "b1", []ingest.Envelope{{
		Provider: model.ProviderGmail,
		SourceID: sourceID,
		Payload:  map[string]any{"subject": "hello", "from": from, "body": body},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	job := f.claim(t, model.JobNormalize)
	require.NoError(t, f.resolver.HandleNormalize(ctx, job))
	require.NoError(t, f.store.CompleteJob(ctx, job.ID))

	jobs, err := f.store.ListJobs(ctx, "u1", store.JobFilter{Kind: model.JobNormalize})
	require.NoError(t, err)
	for _, j := range jobs {
		var p model.NormalizePayload
		require.NoError(t, json.Unmarshal(j.Payload, &p))
		ev, err := f.store.GetRawEvent(ctx, p.EventID)
		require.NoError(t, err)
		if ev.SourceID == sourceID {
			return ev
		}
	}
	t.Fatalf("event for %s not found", sourceID)
	return nil
}

func (f *fixture) claim(t *testing.T, kind model.JobKind) *model.Job {
	t.Helper()
	job, err := f.store.ClaimJob(context.Background(), []model.JobKind{kind})
	require.NoError(t, err)
	require.NotNil(t, job, "expected a %s job", kind)
	return job
}

func (f *fixture) runResolveJobs(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := f.store.ClaimJob(ctx, []model.JobKind{model.JobResolve})
		require.NoError(t, err)
		if job == nil {
			return
		}
		require.NoError(t, f.resolver.HandleResolve(ctx, job))
		require.NoError(t, f.store.CompleteJob(ctx, job.ID))
	}
}

func TestNormalizeHandlerNoIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gateway.IngestBatch(ctx, "u1", "b1", []ingest.Envelope{{
		Provider: model.ProviderGmail,
		SourceID: "msg-1",
		Payload:  map[string]any{"subject": "System notice", "body": "Backup completed."},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	job := f.claim(t, model.JobNormalize)
	require.NoError(t, f.resolver.HandleNormalize(ctx, job))

	var p model.NormalizePayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	ev, err := f.store.GetRawEvent(ctx, p.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoIdentifiers, ev.Status)

	// No resolve fan-out for an identifier-free event.
	next, err := f.store.ClaimJob(ctx, []model.JobKind{model.JobResolve})
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNormalizeHandlerFansOutResolveJobs(t *testing.T) {
	f := newFixture(t)
	ev := f.ingestOne(t, "msg-1", "sarah@example.com", "call +1 555 201 3344")

	got, err := f.store.GetRawEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdentifiersFound, got.Status)

	jobs, err := f.store.ListJobs(context.Background(), "u1", store.JobFilter{Kind: model.JobResolve})
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "one resolve job per distinct identifier")
}

func TestNormalizeHandlerIdempotentOnReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.ingestOne(t, "msg-1", "sarah@example.com", "")

	// Replaying the normalize job after the event advanced is a no-op.
	payload, err := model.MarshalPayload(model.NormalizePayload{EventID: ev.ID})
	require.NoError(t, err)
	replay := &model.Job{Kind: model.JobNormalize, Payload: payload, UserID: "u1"}
	require.NoError(t, f.resolver.HandleNormalize(ctx, replay))

	jobs, err := f.store.ListJobs(ctx, "u1", store.JobFilter{Kind: model.JobResolve})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "no duplicate fan-out")
}

func TestNormalizeFanOutAppliesAttemptBudget(t *testing.T) {
	f := newFixture(t)
	f.resolver.MaxAttempts = 7
	f.ingestOne(t, "msg-1", "sarah@example.com", "")

	jobs, err := f.store.ListJobs(context.Background(), "u1", store.JobFilter{Kind: model.JobResolve})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 7, jobs[0].MaxAttempts, "configured budget carried onto the job")
}

func TestResolveUnknownIdentifierCreatesSuggestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.ingestOne(t, "msg-1", "sarah@example.com", "")
	f.runResolveJobs(t)

	got, err := f.store.GetRawEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	pending, err := f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sarah@example.com", pending[0].Value)
	assert.Equal(t, model.KindEmail, pending[0].Kind)
	assert.Equal(t, 1, pending[0].EventCount)
}

func TestResolveSameValueSharesSuggestion(t *testing.T) {
	f := newFixture(t)
	f.ingestOne(t, "msg-1", "sarah@example.com", "")
	f.ingestOne(t, "msg-2", "sarah@example.com", "second note")
	f.runResolveJobs(t)

	pending, err := f.store.ListPendingSuggestions(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "one prompt per value, not per event")
	assert.Equal(t, 2, pending[0].EventCount)
}

func TestApproveLinksAllAwaitingEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev1 := f.ingestOne(t, "msg-1", "sarah@example.com", "")
	ev2 := f.ingestOne(t, "msg-2", "sarah@example.com", "")
	f.runResolveJobs(t)

	pending, err := f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err := f.resolver.Approve(ctx, pending[0].ID, "Sarah Lindqvist", "b1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.Linked)

	for _, ev := range []*model.RawEvent{ev1, ev2} {
		got, err := f.store.GetRawEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusYes, got.Status)
	}

	// Derived work: one contact embed and one summarize per interaction.
	embeds, err := f.store.ListJobs(ctx, "u1", store.JobFilter{Kind: model.JobEmbed})
	require.NoError(t, err)
	assert.Len(t, embeds, 1)
	summaries, err := f.store.ListJobs(ctx, "u1", store.JobFilter{Kind: model.JobSummarize})
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	// Approval is in the ledger.
	entries, err := f.store.ListLedger(ctx, "u1", "b1", 10)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Action == model.LedgerApprove {
			found = true
			assert.Equal(t, res.Contact.ID, e.Payload["contact_id"])
		}
	}
	assert.True(t, found)
}

func TestResolveKnownIdentityLinksImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First round: approve sarah@example.com.
	f.ingestOne(t, "msg-1", "sarah@example.com", "")
	f.runResolveJobs(t)
	pending, err := f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	res, err := f.resolver.Approve(ctx, pending[0].ID, "Sarah", "b1")
	require.NoError(t, err)

	// Second round: a new event with the known value links without any
	// human in the loop.
	ev := f.ingestOne(t, "msg-2", "sarah@example.com", "")
	f.runResolveJobs(t)

	got, err := f.store.GetRawEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusYes, got.Status)

	in, err := f.store.FindInteraction(ctx, "u1", model.ProviderGmail, "msg-2")
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, res.Contact.ID, in.ContactID)

	pending, err = f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveIgnoredIdentifierRejectsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev1 := f.ingestOne(t, "msg-1", "spam@example.com", "")
	f.runResolveJobs(t)
	pending, err := f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rejected, err := f.resolver.Reject(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rejected)

	got, err := f.store.GetRawEvent(ctx, ev1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)

	// Later events with the ignored value are rejected with no new
	// suggestion.
	ev2 := f.ingestOne(t, "msg-2", "spam@example.com", "")
	f.runResolveJobs(t)

	got, err = f.store.GetRawEvent(ctx, ev2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)

	pending, err = f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// staleReadStore serves a bounded number of stale misses for the
// resolve handler's first-pass lookups, reproducing a decision that
// commits between the lookup and the suggestion insert.
type staleReadStore struct {
	store.Store
	lookupMisses int
	ignoreMisses int
}

func (s *staleReadStore) LookupIdentity(ctx context.Context, userID string, kind model.IdentifierKind, value string) (*model.ContactIdentity, error) {
	if s.lookupMisses > 0 {
		s.lookupMisses--
		return nil, nil
	}
	return s.Store.LookupIdentity(ctx, userID, kind, value)
}

func (s *staleReadStore) IsIgnored(ctx context.Context, userID string, kind model.IdentifierKind, value string) (bool, error) {
	if s.ignoreMisses > 0 {
		s.ignoreMisses--
		return false, nil
	}
	return s.Store.IsIgnored(ctx, userID, kind, value)
}

func TestResolveLinksWhenSuggestionAlreadyApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingestOne(t, "msg-1", "sarah@example.com", "")
	f.runResolveJobs(t)
	pending, err := f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	res, err := f.resolver.Approve(ctx, pending[0].ID, "Sarah", "b1")
	require.NoError(t, err)

	// A second event for the same value, resolved by a worker whose
	// identity lookup predates the approval.
	ev := f.ingestOne(t, "msg-2", "sarah@example.com", "")
	stale := New(&staleReadStore{Store: f.store, lookupMisses: 1})
	job := f.claim(t, model.JobResolve)
	require.NoError(t, stale.HandleResolve(ctx, job))
	require.NoError(t, f.store.CompleteJob(ctx, job.ID))

	got, err := f.store.GetRawEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusYes, got.Status, "event must link, not park behind the decided prompt")

	in, err := f.store.FindInteraction(ctx, "u1", model.ProviderGmail, "msg-2")
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, res.Contact.ID, in.ContactID)

	pending, err = f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveRejectsWhenSuggestionAlreadyRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingestOne(t, "msg-1", "spam@example.com", "")
	f.runResolveJobs(t)
	pending, err := f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = f.resolver.Reject(ctx, pending[0].ID)
	require.NoError(t, err)

	ev := f.ingestOne(t, "msg-2", "spam@example.com", "")
	stale := New(&staleReadStore{Store: f.store, lookupMisses: 1, ignoreMisses: 1})
	job := f.claim(t, model.JobResolve)
	require.NoError(t, stale.HandleResolve(ctx, job))
	require.NoError(t, f.store.CompleteJob(ctx, job.ID))

	got, err := f.store.GetRawEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)

	pending, err = f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUndoThenReingestPromptsAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingestOne(t, "msg-1", "sarah@example.com", "")
	f.runResolveJobs(t)
	pending, err := f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	res, err := f.resolver.Approve(ctx, pending[0].ID, "Sarah", "b1")
	require.NoError(t, err)

	_, err = f.gateway.UndoBatch(ctx, "u1", "b1")
	require.NoError(t, err)

	// A fresh event with the same identifier must go back to a human,
	// not silently attach to the undone contact.
	ev := f.ingestOne(t, "msg-2", "sarah@example.com", "")
	f.runResolveJobs(t)

	got, err := f.store.GetRawEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	in, err := f.store.FindInteraction(ctx, "u1", model.ProviderGmail, "msg-2")
	require.NoError(t, err)
	assert.Nil(t, in, "no interaction may link to the undone contact %s", res.Contact.ID)

	pending, err = f.store.ListPendingSuggestions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sarah@example.com", pending[0].Value)
}

func TestNormalizeHandlerSkipsDeletedEvent(t *testing.T) {
	f := newFixture(t)
	payload, err := model.MarshalPayload(model.NormalizePayload{EventID: "gone"})
	require.NoError(t, err)
	err = f.resolver.HandleNormalize(context.Background(),
		&model.Job{Kind: model.JobNormalize, Payload: payload, UserID: "u1"})
	assert.NoError(t, err)
}
