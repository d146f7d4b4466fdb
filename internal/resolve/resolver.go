// Package resolve advances raw events through the identity pipeline:
// extracting identifiers, matching them against known contact
// identities, and prompting for human approval when a value is unknown.
// All coordination happens through conditional writes in the store, so
// any number of resolver workers can run concurrently.
package resolve

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/normalize"
	"github.com/harborwell/intake-cli/internal/store"
)

// Resolver owns the extraction-status transitions for raw events and
// the approve/reject surface for identity suggestions.
type Resolver struct {
	store store.Store

	// MaxAttempts, when positive, overrides the store's default attempt
	// budget on enqueued jobs.
	MaxAttempts int
}

func New(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// HandleNormalize is the normalize job handler: it derives identifiers
// from a stored event and either parks it (no identifiers) or fans out
// one resolve job per identifier.
func (r *Resolver) HandleNormalize(ctx context.Context, job *model.Job) error {
	var p model.NormalizePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return eris.Wrap(err, "resolve: normalize payload")
	}

	ev, err := r.store.GetRawEvent(ctx, p.EventID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			// Event removed by undo; nothing to do.
			zap.L().Info("resolve: event gone, skipping", zap.String("event_id", p.EventID))
			return nil
		}
		return err
	}
	if ev.Status != model.StatusUnprocessed {
		// Replayed job; the event already moved on.
		return nil
	}

	_, ids, err := normalize.Normalize(ev)
	if err != nil {
		// Malformed payloads are permanent; fail the job rather than
		// spin on it.
		return err
	}

	if len(ids) == 0 {
		_, err := r.store.UpdateEventStatus(ctx, ev.ID,
			[]model.ExtractionStatus{model.StatusUnprocessed}, model.StatusNoIdentifiers)
		return err
	}

	if err := r.store.InsertEventIdentifiers(ctx, ev.ID, ids); err != nil {
		return err
	}
	moved, err := r.store.UpdateEventStatus(ctx, ev.ID,
		[]model.ExtractionStatus{model.StatusUnprocessed}, model.StatusIdentifiersFound)
	if err != nil {
		return err
	}
	if !moved {
		// Another worker already advanced this event.
		return nil
	}

	for _, id := range ids {
		payload, err := model.MarshalPayload(model.ResolvePayload{
			EventID: ev.ID, Kind: id.Kind, Value: id.Value,
		})
		if err != nil {
			return eris.Wrap(err, "resolve: marshal resolve payload")
		}
		if err := r.store.EnqueueJob(ctx, &model.Job{
			Kind:        model.JobResolve,
			Payload:     payload,
			UserID:      ev.UserID,
			BatchID:     ev.BatchID,
			MaxAttempts: r.MaxAttempts,
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleResolve is the resolve job handler for one (event, identifier)
// pair. Known identities link immediately; ignored values terminally
// reject their events; anything else becomes (or joins) a pending
// suggestion.
func (r *Resolver) HandleResolve(ctx context.Context, job *model.Job) error {
	var p model.ResolvePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return eris.Wrap(err, "resolve: resolve payload")
	}
	log := zap.L().With(
		zap.String("user_id", job.UserID),
		zap.String("kind", string(p.Kind)),
	)

	ignored, err := r.store.IsIgnored(ctx, job.UserID, p.Kind, p.Value)
	if err != nil {
		return err
	}
	if ignored {
		n, err := r.store.MarkEventsRejected(ctx, job.UserID, p.Kind, p.Value)
		if err != nil {
			return err
		}
		log.Info("resolve: identifier ignored", zap.Int("events_rejected", n))
		return nil
	}

	ci, err := r.store.LookupIdentity(ctx, job.UserID, p.Kind, p.Value)
	if err != nil {
		return err
	}
	if ci != nil {
		return r.linkKnown(ctx, job.UserID, ci, p)
	}

	// Unknown identifier: raise (or join) the approval prompt, then
	// park the event.
	ev, err := r.store.GetRawEvent(ctx, p.EventID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	draft, _, err := normalize.Normalize(ev)
	if err != nil {
		return err
	}

	created, err := r.store.CreateSuggestion(ctx, &model.IdentitySuggestion{
		UserID:   job.UserID,
		Kind:     p.Kind,
		Value:    p.Value,
		Provider: ev.Provider,
		Excerpt:  normalize.Excerpt(draft.Subject+" "+draft.Body, p.Value, 60),
	})
	if err != nil {
		return err
	}
	if created {
		log.Info("resolve: suggestion created")
	} else {
		// The existing prompt may have been decided between the identity
		// lookup above and the insert. Re-dispatch on its status, or the
		// event parks behind a prompt nobody will see again.
		existing, err := r.store.FindSuggestion(ctx, job.UserID, p.Kind, p.Value)
		if err != nil {
			return err
		}
		if existing != nil {
			switch existing.Status {
			case model.SuggestionApproved:
				ci, err := r.store.LookupIdentity(ctx, job.UserID, p.Kind, p.Value)
				if err != nil {
					return err
				}
				if ci != nil {
					return r.linkKnown(ctx, job.UserID, ci, p)
				}
			case model.SuggestionRejected:
				_, err := r.store.MarkEventsRejected(ctx, job.UserID, p.Kind, p.Value)
				return err
			}
		}
	}

	_, err = r.store.UpdateEventStatus(ctx, p.EventID,
		[]model.ExtractionStatus{model.StatusIdentifiersFound}, model.StatusPending)
	return err
}

// linkKnown attaches every event awaiting the identifier to its already
// resolved contact.
func (r *Resolver) linkKnown(ctx context.Context, userID string, ci *model.ContactIdentity, p model.ResolvePayload) error {
	drafts, err := r.awaitingDrafts(ctx, userID, p.Kind, p.Value)
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		return nil
	}
	linked, err := r.store.LinkEvents(ctx, ci.ContactID, drafts)
	if err != nil {
		return err
	}
	zap.L().Info("resolve: linked to known contact",
		zap.String("contact_id", ci.ContactID),
		zap.Int("linked", linked),
	)
	return r.enqueueDerived(ctx, userID, ci.ContactID, drafts)
}

// Approve resolves a pending suggestion into a contact and links every
// awaiting event that carries the identifier. Concurrent approvals of
// the same value converge on a single contact.
func (r *Resolver) Approve(ctx context.Context, suggestionID, displayName, batchID string) (*store.ApproveResult, error) {
	sg, err := r.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}

	drafts, err := r.awaitingDrafts(ctx, sg.UserID, sg.Kind, sg.Value)
	if err != nil {
		return nil, err
	}

	res, err := r.store.ApproveIdentity(ctx, store.ApproveRequest{
		SuggestionID: suggestionID,
		DisplayName:  displayName,
		Drafts:       drafts,
		BatchID:      batchID,
	})
	if err != nil {
		return nil, err
	}

	if err := r.store.AppendLedger(ctx, &model.LedgerEntry{
		UserID:  sg.UserID,
		Action:  model.LedgerApprove,
		BatchID: batchID,
		Payload: map[string]any{
			"suggestion_id": suggestionID,
			"contact_id":    res.Contact.ID,
			"created":       res.Created,
			"linked":        res.Linked,
		},
	}); err != nil {
		return nil, err
	}

	if err := r.enqueueDerived(ctx, sg.UserID, res.Contact.ID, drafts); err != nil {
		return nil, err
	}
	return res, nil
}

// Reject marks the suggestion's identifier as ignored and terminally
// rejects the events that were waiting on it.
func (r *Resolver) Reject(ctx context.Context, suggestionID string) (int, error) {
	rejected, err := r.store.RejectIdentity(ctx, suggestionID)
	if err != nil {
		return 0, err
	}
	zap.L().Info("resolve: suggestion rejected",
		zap.String("suggestion_id", suggestionID),
		zap.Int("events_rejected", rejected),
	)
	return rejected, nil
}

// awaitingDrafts recomputes interaction drafts for every non-terminal
// event carrying the identifier. Events whose payloads fail to
// normalize are skipped with a log line; they stay pending rather than
// blocking the whole approval.
func (r *Resolver) awaitingDrafts(ctx context.Context, userID string, kind model.IdentifierKind, value string) ([]model.InteractionDraft, error) {
	events, err := r.store.ListEventsAwaiting(ctx, userID, kind, value)
	if err != nil {
		return nil, err
	}
	drafts := make([]model.InteractionDraft, 0, len(events))
	for i := range events {
		draft, _, err := normalize.Normalize(&events[i])
		if err != nil {
			zap.L().Warn("resolve: draft skipped", zap.String("event_id", events[i].ID), zap.Error(err))
			continue
		}
		drafts = append(drafts, *draft)
	}
	return drafts, nil
}

// enqueueDerived schedules the best-effort derived work after linking:
// one embed job for the contact and one summarize job per linked
// interaction's source event.
func (r *Resolver) enqueueDerived(ctx context.Context, userID, contactID string, drafts []model.InteractionDraft) error {
	payload, err := model.MarshalPayload(model.EmbedPayload{
		OwnerType: model.OwnerContact, OwnerID: contactID,
	})
	if err != nil {
		return eris.Wrap(err, "resolve: marshal embed payload")
	}
	if err := r.store.EnqueueJob(ctx, &model.Job{
		Kind:        model.JobEmbed,
		Payload:     payload,
		UserID:      userID,
		MaxAttempts: r.MaxAttempts,
	}); err != nil {
		return err
	}

	for _, d := range drafts {
		in, err := r.interactionForDraft(ctx, userID, d)
		if err != nil || in == nil {
			continue
		}
		p, err := model.MarshalPayload(model.SummarizePayload{InteractionID: in.ID})
		if err != nil {
			return eris.Wrap(err, "resolve: marshal summarize payload")
		}
		if err := r.store.EnqueueJob(ctx, &model.Job{
			Kind:        model.JobSummarize,
			Payload:     p,
			UserID:      userID,
			BatchID:     d.BatchID,
			MaxAttempts: r.MaxAttempts,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) interactionForDraft(ctx context.Context, userID string, d model.InteractionDraft) (*model.Interaction, error) {
	return r.store.FindInteraction(ctx, userID, d.Source, d.SourceID)
}
