// Package embed derives vector-index entries and interaction summaries
// from resolved contact data. Both products are best-effort: they can be
// rebuilt from source data at any time, and a failure here never blocks
// the resolution pipeline.
package embed

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/guardrail"
	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/store"
	"github.com/harborwell/intake-cli/pkg/assistant"
	"github.com/harborwell/intake-cli/pkg/embedder"
)

// Indexer runs the embed and summarize job handlers. External calls go
// through the guardrail first; a denied quota is a permanent failure
// because retrying without a new grant cannot succeed.
type Indexer struct {
	store     store.Store
	embedder  embedder.Client
	assistant assistant.Client
	guard     *guardrail.Enforcer
}

func NewIndexer(st store.Store, emb embedder.Client, asst assistant.Client, guard *guardrail.Enforcer) *Indexer {
	return &Indexer{store: st, embedder: emb, assistant: asst, guard: guard}
}

// HandleEmbed computes and stores the vector for one contact or
// interaction. Replays overwrite the previous vector.
func (ix *Indexer) HandleEmbed(ctx context.Context, job *model.Job) error {
	var payload model.EmbedPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return eris.Wrap(err, "embed: decode payload")
	}

	text, meta, err := ix.ownerText(ctx, payload.OwnerType, payload.OwnerID)
	if err != nil {
		return err
	}
	if text == "" {
		// Nothing worth indexing; the owner may have been undone.
		zap.L().Debug("embed: no text for owner",
			zap.String("owner_type", payload.OwnerType),
			zap.String("owner_id", payload.OwnerID),
		)
		return nil
	}

	if err := ix.guard.CheckAndConsume(ctx, job.UserID, guardrail.ServiceEmbedding, "embed", guardrail.UnitsEmbed); err != nil {
		return err
	}

	resp, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return eris.Wrap(err, "embed: compute vector")
	}

	if err := ix.store.UpsertEmbedding(ctx, &model.EmbeddingRecord{
		OwnerType: payload.OwnerType,
		OwnerID:   payload.OwnerID,
		Vector:    resp.Data[0].Vector,
		Metadata:  meta,
	}); err != nil {
		return err
	}

	if err := ix.guard.RecordTokens(ctx, job.UserID, guardrail.ServiceEmbedding, "embed",
		resp.Model, int64(resp.Usage.TotalTokens), 0); err != nil {
		zap.L().Warn("embed: record token usage", zap.Error(err))
	}

	zap.L().Info("embedding indexed",
		zap.String("owner_type", payload.OwnerType),
		zap.String("owner_id", payload.OwnerID),
		zap.Int("dimensions", len(resp.Data[0].Vector)),
	)
	return nil
}

// HandleSummarize asks the assistant for a short summary of one
// interaction and stores it on the interaction's metadata.
func (ix *Indexer) HandleSummarize(ctx context.Context, job *model.Job) error {
	var payload model.SummarizePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return eris.Wrap(err, "embed: decode payload")
	}

	in, err := ix.store.GetInteraction(ctx, payload.InteractionID)
	if eris.Is(err, store.ErrNotFound) {
		// The interaction was undone between enqueue and execution.
		zap.L().Debug("summarize: interaction gone", zap.String("interaction_id", payload.InteractionID))
		return nil
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(in.Subject+in.Body) == "" {
		return nil
	}

	if err := ix.guard.CheckAndConsume(ctx, job.UserID, guardrail.ServiceAnthropic, "summarize", guardrail.UnitsSummarize); err != nil {
		return err
	}

	summary, err := ix.assistant.Summarize(ctx, assistant.SummarizeRequest{
		Subject: in.Subject,
		Body:    in.Body,
	})
	if err != nil {
		return eris.Wrap(err, "embed: summarize interaction")
	}

	if err := ix.store.SetInteractionSummary(ctx, in.ID, summary.Text); err != nil {
		return err
	}

	if err := ix.guard.RecordTokens(ctx, job.UserID, guardrail.ServiceAnthropic, "summarize",
		summary.Model, summary.Usage.InputTokens, summary.Usage.OutputTokens); err != nil {
		zap.L().Warn("summarize: record token usage", zap.Error(err))
	}

	zap.L().Info("interaction summarized",
		zap.String("interaction_id", in.ID),
		zap.String("model", summary.Model),
	)
	return nil
}

// ownerText assembles the text to embed for an owner, plus metadata
// stored alongside the vector for later retrieval display.
func (ix *Indexer) ownerText(ctx context.Context, ownerType, ownerID string) (string, map[string]any, error) {
	switch ownerType {
	case model.OwnerContact:
		c, err := ix.store.GetContact(ctx, ownerID)
		if eris.Is(err, store.ErrNotFound) {
			return "", nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		if c.DeletedAt != nil {
			return "", nil, nil
		}
		parts := []string{c.DisplayName, c.PrimaryEmail, c.PrimaryPhone}
		meta := map[string]any{"display_name": c.DisplayName}
		return joinNonEmpty(parts), meta, nil
	case model.OwnerInteraction:
		in, err := ix.store.GetInteraction(ctx, ownerID)
		if eris.Is(err, store.ErrNotFound) {
			return "", nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		meta := map[string]any{
			"contact_id": in.ContactID,
			"source":     string(in.Source),
		}
		return joinNonEmpty([]string{in.Subject, in.Body}), meta, nil
	default:
		return "", nil, eris.Errorf("embed: unknown owner type %q", ownerType)
	}
}

func joinNonEmpty(parts []string) string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
