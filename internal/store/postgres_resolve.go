package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/resilience"
)

// ApproveIdentity mirrors the SQLite implementation: one transaction
// for contact + identity + suggestion + drafts, with the unique
// identity constraint deciding concurrent approvals.
func (s *PostgresStore) ApproveIdentity(ctx context.Context, req ApproveRequest) (*ApproveResult, error) {
	sg, err := s.GetSuggestion(ctx, req.SuggestionID)
	if err != nil {
		return nil, err
	}
	if sg.Status == model.SuggestionRejected {
		return nil, eris.Errorf("store: suggestion %s already rejected", sg.ID)
	}

	contact := &model.Contact{
		ID:          uuid.New().String(),
		UserID:      sg.UserID,
		DisplayName: req.DisplayName,
		BatchID:     req.BatchID,
		CreatedAt:   time.Now().UTC(),
	}
	if contact.DisplayName == "" {
		contact.DisplayName = sg.Value
	}
	switch sg.Kind {
	case model.KindEmail:
		contact.PrimaryEmail = sg.Value
	case model.KindPhone:
		contact.PrimaryPhone = sg.Value
	}

	linked, err := s.approveTx(ctx, sg, contact, req.Drafts)
	if err == nil {
		return &ApproveResult{Contact: contact, Created: true, Linked: linked}, nil
	}
	if !resilience.IsUniqueViolation(err) {
		return nil, err
	}

	ci, lookErr := s.LookupIdentity(ctx, sg.UserID, sg.Kind, sg.Value)
	if lookErr != nil {
		return nil, lookErr
	}
	if ci == nil {
		return nil, eris.Wrap(err, "store: approve conflict")
	}

	linked, linkErr := s.LinkEvents(ctx, ci.ContactID, req.Drafts)
	if linkErr != nil {
		return nil, linkErr
	}
	if _, err := s.markSuggestionDecided(ctx, sg.ID, model.SuggestionApproved); err != nil {
		return nil, err
	}
	existing, err := s.GetContact(ctx, ci.ContactID)
	if err != nil {
		return nil, err
	}
	return &ApproveResult{Contact: existing, Created: false, Linked: linked}, nil
}

func (s *PostgresStore) approveTx(ctx context.Context, sg *model.IdentitySuggestion, contact *model.Contact, drafts []model.InteractionDraft) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: approve begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO contacts (id, user_id, display_name, primary_email, primary_phone, batch_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		contact.ID, contact.UserID, contact.DisplayName, contact.PrimaryEmail,
		contact.PrimaryPhone, contact.BatchID, contact.CreatedAt,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: approve insert contact")
	}

	// The linearization point: unique (user_id, kind, value).
	if _, err := tx.Exec(ctx,
		`INSERT INTO contact_identities (id, user_id, kind, value, contact_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), sg.UserID, string(sg.Kind), sg.Value, contact.ID, time.Now().UTC(),
	); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE identity_suggestions SET status = $1, decided_at = $2 WHERE id = $3 AND status = $4`,
		string(model.SuggestionApproved), time.Now().UTC(), sg.ID, string(model.SuggestionPending),
	); err != nil {
		return 0, eris.Wrap(err, "postgres: approve update suggestion")
	}

	linked, err := linkDraftsPG(ctx, tx, contact.ID, drafts)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: approve commit")
	}
	return linked, nil
}

func (s *PostgresStore) RejectIdentity(ctx context.Context, suggestionID string) (int, error) {
	sg, err := s.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return 0, err
	}
	if sg.Status == model.SuggestionApproved {
		return 0, eris.Errorf("store: suggestion %s already approved", sg.ID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reject begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO ignored_identifiers (id, user_id, kind, value, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, kind, value) DO NOTHING`,
		uuid.New().String(), sg.UserID, string(sg.Kind), sg.Value, time.Now().UTC(),
	); err != nil {
		return 0, eris.Wrap(err, "postgres: reject insert ignored")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE identity_suggestions SET status = $1, decided_at = $2 WHERE id = $3 AND status = $4`,
		string(model.SuggestionRejected), time.Now().UTC(), sg.ID, string(model.SuggestionPending),
	); err != nil {
		return 0, eris.Wrap(err, "postgres: reject update suggestion")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE raw_events SET extraction_status = $1
		 WHERE user_id = $2 AND extraction_status = ANY($3)
		   AND id IN (SELECT raw_event_id FROM raw_event_identifiers WHERE kind = $4 AND value = $5)`,
		string(model.StatusRejected), sg.UserID, awaitingStatuses(), string(sg.Kind), sg.Value,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reject events")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: reject commit")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) LinkEvents(ctx context.Context, contactID string, drafts []model.InteractionDraft) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: link begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	linked, err := linkDraftsPG(ctx, tx, contactID, drafts)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: link commit")
	}
	return linked, nil
}

func (s *PostgresStore) MarkEventsRejected(ctx context.Context, userID string, kind model.IdentifierKind, value string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_events SET extraction_status = $1
		 WHERE user_id = $2 AND extraction_status = ANY($3)
		   AND id IN (SELECT raw_event_id FROM raw_event_identifiers WHERE kind = $4 AND value = $5)`,
		string(model.StatusRejected), userID, awaitingStatuses(), string(kind), value,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark events rejected")
	}
	return int(tag.RowsAffected()), nil
}

func linkDraftsPG(ctx context.Context, tx pgx.Tx, contactID string, drafts []model.InteractionDraft) (int, error) {
	linked := 0
	for _, d := range drafts {
		var metaJSON any
		if d.Metadata != nil {
			b, err := json.Marshal(d.Metadata)
			if err != nil {
				return 0, eris.Wrap(err, "postgres: marshal draft metadata")
			}
			metaJSON = string(b)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO interactions (id, user_id, contact_id, subject, body, occurred_at, source, source_id, batch_id, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (user_id, source, source_id) DO NOTHING`,
			uuid.New().String(), d.UserID, contactID, d.Subject, d.Body, d.OccurredAt.UTC(),
			string(d.Source), d.SourceID, d.BatchID, metaJSON, time.Now().UTC(),
		)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: insert interaction")
		}
		if tag.RowsAffected() > 0 {
			linked++
		}

		if _, err := tx.Exec(ctx,
			`UPDATE raw_events SET extraction_status = $1 WHERE id = $2 AND extraction_status = ANY($3)`,
			string(model.StatusYes), d.EventID, awaitingStatuses(),
		); err != nil {
			return 0, eris.Wrap(err, "postgres: link event status")
		}
	}
	return linked, nil
}

func (s *PostgresStore) markSuggestionDecided(ctx context.Context, id string, status model.SuggestionStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identity_suggestions SET status = $1, decided_at = $2 WHERE id = $3 AND status = $4`,
		string(status), time.Now().UTC(), id, string(model.SuggestionPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark suggestion %s", id)
	}
	return tag.RowsAffected() > 0, nil
}
