package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/resilience"
)

// ApproveIdentity creates a Contact plus ContactIdentity for the
// suggestion's identifier and links every supplied draft in one
// transaction. If a concurrent approval already claimed the identity,
// the uniqueness constraint fires, the transaction is rolled back, and
// the drafts are linked to the winner's contact instead.
func (s *SQLiteStore) ApproveIdentity(ctx context.Context, req ApproveRequest) (*ApproveResult, error) {
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

	// Lost the race: another approval created the identity first. Fall
	// back to linking against the existing contact.
	ci, lookErr := s.LookupIdentity(ctx, sg.UserID, sg.Kind, sg.Value)
	if lookErr != nil {
		return nil, lookErr
	}
	if ci == nil {
		// Conflict without a visible winner; surface for retry.
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

func (s *SQLiteStore) approveTx(ctx context.Context, sg *model.IdentitySuggestion, contact *model.Contact, drafts []model.InteractionDraft) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: approve begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contacts (id, user_id, display_name, primary_email, primary_phone, batch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contact.ID, contact.UserID, contact.DisplayName, contact.PrimaryEmail,
		contact.PrimaryPhone, contact.BatchID, contact.CreatedAt,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: approve insert contact")
	}

	// The linearization point: unique (user_id, kind, value).
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contact_identities (id, user_id, kind, value, contact_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), sg.UserID, string(sg.Kind), sg.Value, contact.ID, time.Now().UTC(),
	); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE identity_suggestions SET status = ?, decided_at = ? WHERE id = ? AND status = ?`,
		string(model.SuggestionApproved), time.Now().UTC(), sg.ID, string(model.SuggestionPending),
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: approve update suggestion")
	}

	linked, err := linkDraftsSQLite(ctx, tx, contact.ID, drafts)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: approve commit")
	}
	return linked, nil
}

// RejectIdentity inserts the identifier into the ignore list, marks the
// suggestion rejected, and terminally rejects every awaiting event
// carrying the value, all in one transaction.
func (s *SQLiteStore) RejectIdentity(ctx context.Context, suggestionID string) (int, error) {
	sg, err := s.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return 0, err
	}
	if sg.Status == model.SuggestionApproved {
		return 0, eris.Errorf("store: suggestion %s already approved", sg.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reject begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ignored_identifiers (id, user_id, kind, value, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, kind, value) DO NOTHING`,
		uuid.New().String(), sg.UserID, string(sg.Kind), sg.Value, time.Now().UTC(),
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: reject insert ignored")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE identity_suggestions SET status = ?, decided_at = ? WHERE id = ? AND status = ?`,
		string(model.SuggestionRejected), time.Now().UTC(), sg.ID, string(model.SuggestionPending),
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: reject update suggestion")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE raw_events SET extraction_status = ?
		 WHERE user_id = ? AND extraction_status IN (?, ?)
		   AND id IN (SELECT raw_event_id FROM raw_event_identifiers WHERE kind = ? AND value = ?)`,
		string(model.StatusRejected), sg.UserID,
		string(model.StatusIdentifiersFound), string(model.StatusPending),
		string(sg.Kind), sg.Value,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reject events")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reject events rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: reject commit")
	}
	return int(n), nil
}

func (s *SQLiteStore) LinkEvents(ctx context.Context, contactID string, drafts []model.InteractionDraft) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: link begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	linked, err := linkDraftsSQLite(ctx, tx, contactID, drafts)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: link commit")
	}
	return linked, nil
}

func (s *SQLiteStore) MarkEventsRejected(ctx context.Context, userID string, kind model.IdentifierKind, value string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_events SET extraction_status = ?
		 WHERE user_id = ? AND extraction_status IN (?, ?)
		   AND id IN (SELECT raw_event_id FROM raw_event_identifiers WHERE kind = ? AND value = ?)`,
		string(model.StatusRejected), userID,
		string(model.StatusIdentifiersFound), string(model.StatusPending),
		string(kind), value,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark events rejected")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: mark events rejected rows affected")
}

// linkDraftsSQLite inserts an interaction per draft (duplicates ignored
// via the (user, source, source_id) constraint) and transitions the
// originating events to yes.
func linkDraftsSQLite(ctx context.Context, tx *sql.Tx, contactID string, drafts []model.InteractionDraft) (int, error) {
	linked := 0
	for _, d := range drafts {
		var metaJSON any
		if d.Metadata != nil {
			b, err := json.Marshal(d.Metadata)
			if err != nil {
				return 0, eris.Wrap(err, "sqlite: marshal draft metadata")
			}
			metaJSON = string(b)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO interactions (id, user_id, contact_id, subject, body, occurred_at, source, source_id, batch_id, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, source, source_id) DO NOTHING`,
			uuid.New().String(), d.UserID, contactID, d.Subject, d.Body, d.OccurredAt.UTC(),
			string(d.Source), d.SourceID, d.BatchID, metaJSON, time.Now().UTC(),
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert interaction")
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			linked++
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE raw_events SET extraction_status = ? WHERE id = ? AND extraction_status IN (?, ?)`,
			string(model.StatusYes), d.EventID,
			string(model.StatusIdentifiersFound), string(model.StatusPending),
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: link event status")
		}
	}
	return linked, nil
}

func (s *SQLiteStore) markSuggestionDecided(ctx context.Context, id string, status model.SuggestionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identity_suggestions SET status = ?, decided_at = ? WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC(), id, string(model.SuggestionPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark suggestion %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: mark suggestion rows affected")
	}
	return n > 0, nil
}
