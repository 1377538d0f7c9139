package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"signgate/internal/models"
)

const signerColumns = `id,document_id,name,email,signing_order,seq,requires_verification,status,signing_token_hash,recipient_id,signing_url,verified_at,device_session_token,signed_at,created_at,updated_at`

// SignerUpdate describes a conditional signer write. Zero values leave columns untouched.
type SignerUpdate struct {
	Status          models.SignerStatus
	VerifiedAt      *time.Time
	ClearVerifiedAt bool
	ClearDevice     bool
	At              time.Time
}

func (s *Store) insertSigner(ctx context.Context, q querier, sg models.Signer) error {
	_, err := s.exec(ctx, q,
		`INSERT INTO signers(`+signerColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sg.ID, sg.DocumentID, sg.Name, sg.Email, sg.SigningOrder, sg.Seq, nullBool(sg.RequiresVerification),
		string(sg.Status), sg.SigningTokenHash, nullString(sg.RecipientID), nullString(sg.SigningURL),
		nullTime(sg.VerifiedAt), nullString(sg.DeviceSessionToken), nullTime(sg.SignedAt),
		sg.CreatedAt.UTC(), sg.UpdatedAt.UTC(),
	)
	return err
}

func (s *Store) GetSigner(ctx context.Context, id string) (models.Signer, error) {
	return s.getSigner(ctx, s.db, `SELECT `+signerColumns+` FROM signers WHERE id=?`, id)
}

func (s *Store) GetSignerByRecipientID(ctx context.Context, documentID, recipientID string) (models.Signer, error) {
	return s.getSigner(ctx, s.db, `SELECT `+signerColumns+` FROM signers WHERE document_id=? AND recipient_id=?`, documentID, recipientID)
}

func (s *Store) GetSignerByEmail(ctx context.Context, documentID, email string) (models.Signer, error) {
	return s.getSigner(ctx, s.db, `SELECT `+signerColumns+` FROM signers WHERE document_id=? AND LOWER(email)=LOWER(?) ORDER BY signing_order ASC, seq ASC LIMIT 1`, documentID, email)
}

func (s *Store) getSigner(ctx context.Context, q querier, query string, args ...any) (models.Signer, error) {
	sg, err := scanSigner(q.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Signer{}, ErrNotFound
	}
	return sg, err
}

// ListSigners returns the document's signers by signing order, then insertion order.
func (s *Store) ListSigners(ctx context.Context, documentID string) ([]models.Signer, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+signerColumns+` FROM signers WHERE document_id=? ORDER BY signing_order ASC, seq ASC`),
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Signer, 0, 4)
	for rows.Next() {
		sg, err := scanSigner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// UpdateSigner applies u only while the signer's status is one of from.
func (s *Store) UpdateSigner(ctx context.Context, id string, from []models.SignerStatus, u SignerUpdate) (bool, error) {
	return s.updateSigner(ctx, s.db, id, from, u)
}

func (s *Store) updateSigner(ctx context.Context, q querier, id string, from []models.SignerStatus, u SignerUpdate) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	query := `UPDATE signers SET status=?, updated_at=?`
	args := []any{string(u.Status), u.At.UTC()}
	switch {
	case u.VerifiedAt != nil:
		query += `, verified_at=?`
		args = append(args, u.VerifiedAt.UTC())
	case u.ClearVerifiedAt:
		query += `, verified_at=NULL`
	}
	if u.ClearDevice {
		query += `, device_session_token=NULL`
	}
	query += ` WHERE id=? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	args = append(args, statusArgs(from)...)
	n, err := s.exec(ctx, q, query, args...)
	return n == 1, err
}

// BindDeviceToken sets the device token only when none is bound.
// Resupplying the bound token succeeds; a different token yields ErrConflict.
func (s *Store) BindDeviceToken(ctx context.Context, id, token string, at time.Time) (models.Signer, error) {
	var out models.Signer
	err := s.withTx(ctx, func(q querier) error {
		n, err := s.exec(ctx, q,
			`UPDATE signers SET device_session_token=?, updated_at=? WHERE id=? AND device_session_token IS NULL`,
			token, at.UTC(), id,
		)
		if err != nil {
			return err
		}
		sg, err := s.getSigner(ctx, q, `SELECT `+signerColumns+` FROM signers WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n == 0 && (sg.DeviceSessionToken == nil || *sg.DeviceSessionToken != token) {
			return ErrConflict
		}
		out = sg
		return nil
	})
	return out, err
}

// ResetVerification returns the signer to PENDING, clears verification and device
// state, and expires every non-terminal attempt. It reports false when the signer
// is already SIGNED.
func (s *Store) ResetVerification(ctx context.Context, signerID string, at time.Time, ev models.AuditEvent) (bool, int64, error) {
	var reset bool
	var expired int64
	err := s.withTx(ctx, func(q querier) error {
		ok, err := s.updateSigner(ctx, q, signerID,
			[]models.SignerStatus{models.SignerPending, models.SignerVerifying, models.SignerVerified, models.SignerVerificationFailed, models.SignerReviewApproved},
			SignerUpdate{Status: models.SignerPending, ClearVerifiedAt: true, ClearDevice: true, At: at},
		)
		if err != nil || !ok {
			return err
		}
		reset = true
		args := []any{string(models.AttemptExpired), at.UTC(), at.UTC(), signerID}
		args = append(args, statusArgs(models.NonTerminalAttemptStatuses)...)
		expired, err = s.exec(ctx, q,
			`UPDATE verification_attempts SET status=?, updated_at=?, completed_at=? WHERE signer_id=? AND status IN (`+placeholders(len(models.NonTerminalAttemptStatuses))+`)`,
			args...,
		)
		if err != nil {
			return err
		}
		return s.insertAudit(ctx, q, ev)
	})
	return reset, expired, err
}

type SignResult struct {
	Signed            bool
	DocumentCompleted bool
}

// MarkSigned records the signature once and cascades the document status.
func (s *Store) MarkSigned(ctx context.Context, sg models.Signer, from []models.SignerStatus, at time.Time, ev models.AuditEvent) (SignResult, error) {
	var res SignResult
	err := s.withTx(ctx, func(q querier) error {
		args := []any{string(models.SignerSigned), at.UTC(), at.UTC(), sg.ID}
		args = append(args, statusArgs(from)...)
		n, err := s.exec(ctx, q,
			`UPDATE signers SET status=?, signed_at=?, updated_at=? WHERE id=? AND signed_at IS NULL AND status IN (`+placeholders(len(from))+`)`,
			args...,
		)
		if err != nil || n == 0 {
			return err
		}
		res.Signed = true
		if err := s.insertAudit(ctx, q, ev); err != nil {
			return err
		}
		res.DocumentCompleted, err = s.cascadeDocument(ctx, q, sg.DocumentID, at)
		return err
	})
	return res, err
}

func scanSigner(row rowScanner) (models.Signer, error) {
	var sg models.Signer
	var status string
	var requires sql.NullBool
	var recipient, signingURL, device sql.NullString
	var verifiedAt, signedAt sql.NullTime
	err := row.Scan(&sg.ID, &sg.DocumentID, &sg.Name, &sg.Email, &sg.SigningOrder, &sg.Seq, &requires, &status,
		&sg.SigningTokenHash, &recipient, &signingURL, &verifiedAt, &device, &signedAt, &sg.CreatedAt, &sg.UpdatedAt)
	if err != nil {
		return models.Signer{}, err
	}
	sg.Status = models.SignerStatus(status)
	sg.RequiresVerification = boolPtr(requires)
	sg.RecipientID = stringPtr(recipient)
	sg.SigningURL = stringPtr(signingURL)
	sg.VerifiedAt = timePtr(verifiedAt)
	sg.DeviceSessionToken = stringPtr(device)
	sg.SignedAt = timePtr(signedAt)
	sg.CreatedAt = sg.CreatedAt.UTC()
	sg.UpdatedAt = sg.UpdatedAt.UTC()
	return sg, nil
}
