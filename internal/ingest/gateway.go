// Package ingest accepts provider payload batches, deduplicates them
// against previously seen source ids, and enqueues normalize jobs for
// every newly stored event.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/store"
)

// Envelope is one provider payload submitted for ingestion. SourceID
// and OccurredAt may be omitted, in which case they are recovered from
// well-known payload fields.
type Envelope struct {
	Provider   model.Provider `json:"provider" yaml:"provider"`
	SourceID   string         `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at,omitempty" yaml:"occurred_at,omitempty"`
	Payload    map[string]any `json:"payload" yaml:"payload"`
}

// Result summarizes one ingestion batch.
type Result struct {
	BatchID    string `json:"batch_id"`
	Received   int    `json:"received"`
	Created    int    `json:"created"`
	Duplicates int    `json:"duplicates"`
	Malformed  int    `json:"malformed"`
	Enqueued   int    `json:"enqueued"`
}

// Gateway is the ingestion entry point shared by the CLI and the HTTP
// API.
type Gateway struct {
	store store.Store

	// MaxAttempts, when positive, overrides the store's default attempt
	// budget on enqueued jobs.
	MaxAttempts int
}

func NewGateway(st store.Store) *Gateway {
	return &Gateway{store: st}
}

var knownProviders = map[model.Provider]bool{
	model.ProviderGmail:    true,
	model.ProviderCalendar: true,
	model.ProviderDrive:    true,
}

// IngestBatch stores every well-formed envelope exactly once and
// enqueues a normalize job per newly created event. Malformed envelopes
// are counted and logged, never fatal; replays of already-seen source
// ids count as duplicates. A preview entry for the batch is appended to
// the sync ledger.
func (g *Gateway) IngestBatch(ctx context.Context, userID, batchID string, envelopes []Envelope) (*Result, error) {
	if userID == "" {
		return nil, eris.New("ingest: user id required")
	}
	if batchID == "" {
		batchID = uuid.New().String()
	}
	log := zap.L().With(zap.String("user_id", userID), zap.String("batch_id", batchID))

	res := &Result{BatchID: batchID, Received: len(envelopes)}
	for i, env := range envelopes {
		ev, err := g.buildEvent(userID, batchID, env)
		if err != nil {
			res.Malformed++
			log.Warn("ingest: skipping malformed envelope", zap.Int("index", i), zap.Error(err))
			continue
		}

		created, err := g.store.InsertRawEvent(ctx, ev)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: insert event")
		}
		if !created {
			res.Duplicates++
			continue
		}
		res.Created++

		payload, err := model.MarshalPayload(model.NormalizePayload{EventID: ev.ID})
		if err != nil {
			return nil, eris.Wrap(err, "ingest: marshal job payload")
		}
		if err := g.store.EnqueueJob(ctx, &model.Job{
			Kind:        model.JobNormalize,
			Payload:     payload,
			UserID:      userID,
			BatchID:     batchID,
			MaxAttempts: g.MaxAttempts,
		}); err != nil {
			return nil, eris.Wrap(err, "ingest: enqueue normalize")
		}
		res.Enqueued++
	}

	if err := g.store.AppendLedger(ctx, &model.LedgerEntry{
		UserID:  userID,
		Action:  model.LedgerPreview,
		BatchID: batchID,
		Payload: map[string]any{
			"received":   res.Received,
			"created":    res.Created,
			"duplicates": res.Duplicates,
			"malformed":  res.Malformed,
		},
	}); err != nil {
		return nil, eris.Wrap(err, "ingest: append ledger")
	}

	log.Info("ingest: batch complete",
		zap.Int("received", res.Received),
		zap.Int("created", res.Created),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("malformed", res.Malformed),
	)
	return res, nil
}

// UndoBatch reverts everything the batch created and records the
// reversal in the sync ledger.
func (g *Gateway) UndoBatch(ctx context.Context, userID, batchID string) (*store.UndoResult, error) {
	if userID == "" || batchID == "" {
		return nil, eris.New("ingest: user id and batch id required")
	}

	res, err := g.store.UndoBatch(ctx, userID, batchID)
	if err != nil {
		return nil, err
	}

	if err := g.store.AppendLedger(ctx, &model.LedgerEntry{
		UserID:  userID,
		Action:  model.LedgerUndo,
		BatchID: batchID,
		Payload: map[string]any{
			"events_deleted":       res.EventsDeleted,
			"interactions_deleted": res.InteractionsDeleted,
			"contacts_deleted":     res.ContactsDeleted,
			"suggestions_deleted":  res.SuggestionsDeleted,
			"jobs_cancelled":       res.JobsCancelled,
		},
	}); err != nil {
		return nil, eris.Wrap(err, "ingest: append undo ledger")
	}

	zap.L().Info("ingest: batch undone",
		zap.String("user_id", userID),
		zap.String("batch_id", batchID),
		zap.Int("events_deleted", res.EventsDeleted),
		zap.Int("interactions_deleted", res.InteractionsDeleted),
		zap.Int("contacts_deleted", res.ContactsDeleted),
	)
	return res, nil
}

func (g *Gateway) buildEvent(userID, batchID string, env Envelope) (*model.RawEvent, error) {
	if !knownProviders[env.Provider] {
		return nil, eris.Errorf("unknown provider %q", env.Provider)
	}
	if len(env.Payload) == 0 {
		return nil, eris.New("empty payload")
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, eris.Wrap(err, "encode payload")
	}

	sourceID := env.SourceID
	if sourceID == "" {
		sourceID = payloadSourceID(env.Provider, env.Payload)
	}
	occurredAt := env.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = payloadTimestamp(env.Provider, env.Payload)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return &model.RawEvent{
		UserID:     userID,
		Provider:   env.Provider,
		SourceID:   sourceID,
		OccurredAt: occurredAt,
		Payload:    payload,
		BatchID:    batchID,
	}, nil
}

// payloadSourceID recovers the provider's stable id from well-known
// payload fields. Empty means the provider gave none; such events are
// never deduplicated.
func payloadSourceID(provider model.Provider, payload map[string]any) string {
	keys := []string{"id"}
	if provider == model.ProviderGmail {
		keys = []string{"message_id", "id"}
	}
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func payloadTimestamp(provider model.Provider, payload map[string]any) time.Time {
	keys := []string{"occurred_at", "date", "start", "modified_time", "created_time"}
	for _, k := range keys {
		v, ok := payload[k].(string)
		if !ok {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
