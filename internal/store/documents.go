package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"signgate/internal/models"
)

const documentColumns = `id,tenant_id,title,creator_email,status,requires_identity_verification,signing_deadline,envelope_id,created_at,updated_at,completed_at,cancelled_at`

// CreateDocument inserts the document and its signers in one transaction.
// Signer order of the slice becomes the tie-break between equal signing orders.
func (s *Store) CreateDocument(ctx context.Context, d models.Document, signers []models.Signer, ev models.AuditEvent) error {
	return s.withTx(ctx, func(q querier) error {
		if _, err := s.exec(ctx, q,
			`INSERT INTO documents(`+documentColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			d.ID, d.TenantID, d.Title, d.CreatorEmail, string(d.Status), d.RequiresIdentityVerification,
			nullTime(d.SigningDeadline), nullString(d.EnvelopeID), d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
			nullTime(d.CompletedAt), nullTime(d.CancelledAt),
		); err != nil {
			return err
		}
		for i, sg := range signers {
			sg.Seq = i
			if err := s.insertSigner(ctx, q, sg); err != nil {
				return err
			}
		}
		return s.insertAudit(ctx, q, ev)
	})
}

func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	return s.getDocument(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id)
}

func (s *Store) GetDocumentByEnvelopeID(ctx context.Context, envelopeID string) (models.Document, error) {
	return s.getDocument(ctx, `SELECT `+documentColumns+` FROM documents WHERE envelope_id=?`, envelopeID)
}

func (s *Store) getDocument(ctx context.Context, query string, arg string) (models.Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	return d, err
}

// SetDocumentStatus moves the document to `to` only from one of `from`.
func (s *Store) SetDocumentStatus(ctx context.Context, id string, from []models.DocumentStatus, to models.DocumentStatus, at time.Time, ev *models.AuditEvent) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(q querier) error {
		ok, err := s.setDocumentStatus(ctx, q, id, from, to, at)
		if err != nil || !ok {
			return err
		}
		changed = true
		if ev != nil {
			return s.insertAudit(ctx, q, *ev)
		}
		return nil
	})
	return changed, err
}

func (s *Store) setDocumentStatus(ctx context.Context, q querier, id string, from []models.DocumentStatus, to models.DocumentStatus, at time.Time) (bool, error) {
	query := `UPDATE documents SET status=?, updated_at=?`
	args := []any{string(to), at.UTC()}
	switch to {
	case models.DocumentCompleted:
		query += `, completed_at=?`
		args = append(args, at.UTC())
	case models.DocumentCancelled:
		query += `, cancelled_at=?`
		args = append(args, at.UTC())
	}
	query += ` WHERE id=? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	args = append(args, statusArgs(from)...)
	n, err := s.exec(ctx, q, query, args...)
	return n == 1, err
}

// cascadeDocument completes the document once no unsigned signer remains,
// otherwise moves it out of PENDING.
func (s *Store) cascadeDocument(ctx context.Context, q querier, documentID string, at time.Time) (bool, error) {
	var unsigned int
	if err := q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(1) FROM signers WHERE document_id=? AND status<>?`),
		documentID, string(models.SignerSigned),
	).Scan(&unsigned); err != nil {
		return false, err
	}
	if unsigned > 0 {
		_, err := s.setDocumentStatus(ctx, q, documentID, []models.DocumentStatus{models.DocumentPending}, models.DocumentInProgress, at)
		return false, err
	}
	completed, err := s.setDocumentStatus(ctx, q, documentID,
		[]models.DocumentStatus{models.DocumentPending, models.DocumentInProgress}, models.DocumentCompleted, at)
	if err != nil || !completed {
		return false, err
	}
	err = s.insertAudit(ctx, q, models.AuditEvent{
		DocumentID:  &documentID,
		EventType:   models.EventDocumentCompleted,
		Description: "all signers have signed",
		ActorType:   models.ActorSystem,
		CreatedAt:   at,
	})
	return err == nil, err
}

func scanDocument(row rowScanner) (models.Document, error) {
	var d models.Document
	var status string
	var deadline, completedAt, cancelledAt sql.NullTime
	var envelope sql.NullString
	err := row.Scan(&d.ID, &d.TenantID, &d.Title, &d.CreatorEmail, &status, &d.RequiresIdentityVerification,
		&deadline, &envelope, &d.CreatedAt, &d.UpdatedAt, &completedAt, &cancelledAt)
	if err != nil {
		return models.Document{}, err
	}
	d.Status = models.DocumentStatus(status)
	d.SigningDeadline = timePtr(deadline)
	d.EnvelopeID = stringPtr(envelope)
	d.CompletedAt = timePtr(completedAt)
	d.CancelledAt = timePtr(cancelledAt)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}
