package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"signgate/internal/models"
)

const attemptColumns = `id,signer_id,document_id,provider_session_id,verification_url,status,was_in_review,continuity_token,continuity_token_expires_at,continuity_token_used_at,provider_payload,failure_reason,created_at,updated_at,completed_at`

// AttemptUpdate describes a conditional attempt write. Nil fields are left untouched.
type AttemptUpdate struct {
	Status                   models.AttemptStatus
	MarkInReview             bool
	ContinuityToken          *string
	ContinuityTokenExpiresAt *time.Time
	ProviderPayload          *string
	FailureReason            *string
	Completed                bool
	At                       time.Time
}

// Transition is one atomic state-machine step: the attempt moves first and the
// signer projection is applied only if the attempt move succeeded.
type Transition struct {
	AttemptID   string
	AttemptFrom []models.AttemptStatus
	Attempt     AttemptUpdate

	SignerID   string
	SignerFrom []models.SignerStatus
	Signer     *SignerUpdate

	Audit *models.AuditEvent
}

type TransitionResult struct {
	AttemptMoved bool
	SignerMoved  bool
}

func (s *Store) CreateAttempt(ctx context.Context, a models.VerificationAttempt) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO verification_attempts(`+attemptColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.SignerID, a.DocumentID, a.ProviderSessionID, nullString(a.VerificationURL), string(a.Status), a.WasInReview,
		nullString(a.ContinuityToken), nullTime(a.ContinuityTokenExpiresAt), nullTime(a.ContinuityTokenUsedAt),
		nullString(a.ProviderPayload), nullString(a.FailureReason), a.CreatedAt.UTC(), a.UpdatedAt.UTC(), nullTime(a.CompletedAt),
	)
	return err
}

func (s *Store) GetAttempt(ctx context.Context, id string) (models.VerificationAttempt, error) {
	return s.getAttempt(ctx, `SELECT `+attemptColumns+` FROM verification_attempts WHERE id=?`, id)
}

func (s *Store) GetAttemptBySessionID(ctx context.Context, sessionID string) (models.VerificationAttempt, error) {
	return s.getAttempt(ctx, `SELECT `+attemptColumns+` FROM verification_attempts WHERE provider_session_id=?`, sessionID)
}

func (s *Store) GetAttemptByContinuityToken(ctx context.Context, token string) (models.VerificationAttempt, error) {
	return s.getAttempt(ctx, `SELECT `+attemptColumns+` FROM verification_attempts WHERE continuity_token=?`, token)
}

// LatestAttempt returns the signer's most recently created attempt.
func (s *Store) LatestAttempt(ctx context.Context, signerID string) (models.VerificationAttempt, error) {
	return s.getAttempt(ctx, `SELECT `+attemptColumns+` FROM verification_attempts WHERE signer_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, signerID)
}

func (s *Store) getAttempt(ctx context.Context, query string, args ...any) (models.VerificationAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.VerificationAttempt{}, ErrNotFound
	}
	return a, err
}

func (s *Store) ApplyTransition(ctx context.Context, t Transition) (TransitionResult, error) {
	var res TransitionResult
	err := s.withTx(ctx, func(q querier) error {
		moved, err := s.updateAttempt(ctx, q, t.AttemptID, t.AttemptFrom, t.Attempt)
		if err != nil || !moved {
			return err
		}
		res.AttemptMoved = true
		if t.Signer != nil {
			res.SignerMoved, err = s.updateSigner(ctx, q, t.SignerID, t.SignerFrom, *t.Signer)
			if err != nil {
				return err
			}
		}
		if t.Audit != nil {
			return s.insertAudit(ctx, q, *t.Audit)
		}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

func (s *Store) updateAttempt(ctx context.Context, q querier, id string, from []models.AttemptStatus, u AttemptUpdate) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	query := `UPDATE verification_attempts SET status=?, updated_at=?`
	args := []any{string(u.Status), u.At.UTC()}
	if u.MarkInReview {
		query += `, was_in_review=?`
		args = append(args, true)
	}
	if u.ContinuityToken != nil {
		query += `, continuity_token=?, continuity_token_expires_at=?`
		args = append(args, *u.ContinuityToken, nullTime(u.ContinuityTokenExpiresAt))
	}
	if u.ProviderPayload != nil {
		query += `, provider_payload=?`
		args = append(args, *u.ProviderPayload)
	}
	if u.FailureReason != nil {
		query += `, failure_reason=?`
		args = append(args, *u.FailureReason)
	}
	if u.Completed {
		query += `, completed_at=?`
		args = append(args, u.At.UTC())
	}
	query += ` WHERE id=? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	args = append(args, statusArgs(from)...)
	n, err := s.exec(ctx, q, query, args...)
	return n == 1, err
}

// RedeemContinuityToken marks the token used, completes the attempt and verifies
// the signer in one transaction. It reports false if another redemption won.
func (s *Store) RedeemContinuityToken(ctx context.Context, attemptID, signerID string, at time.Time, ev models.AuditEvent) (bool, error) {
	var redeemed bool
	err := s.withTx(ctx, func(q querier) error {
		n, err := s.exec(ctx, q,
			`UPDATE verification_attempts SET status=?, continuity_token_used_at=?, completed_at=?, updated_at=? WHERE id=? AND signer_id=? AND status=? AND continuity_token_used_at IS NULL`,
			string(models.AttemptSuccess), at.UTC(), at.UTC(), at.UTC(), attemptID, signerID, string(models.AttemptReviewApproved),
		)
		if err != nil || n == 0 {
			return err
		}
		ok, err := s.updateSigner(ctx, q, signerID,
			[]models.SignerStatus{models.SignerReviewApproved, models.SignerVerifying, models.SignerPending, models.SignerVerificationFailed},
			SignerUpdate{Status: models.SignerVerified, VerifiedAt: &at, At: at},
		)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		redeemed = true
		return s.insertAudit(ctx, q, ev)
	})
	return redeemed, err
}

func scanAttempt(row rowScanner) (models.VerificationAttempt, error) {
	var a models.VerificationAttempt
	var status string
	var verificationURL, token, payload, failure sql.NullString
	var expiresAt, usedAt, completedAt sql.NullTime
	err := row.Scan(&a.ID, &a.SignerID, &a.DocumentID, &a.ProviderSessionID, &verificationURL, &status, &a.WasInReview,
		&token, &expiresAt, &usedAt, &payload, &failure, &a.CreatedAt, &a.UpdatedAt, &completedAt)
	if err != nil {
		return models.VerificationAttempt{}, err
	}
	a.Status = models.AttemptStatus(status)
	a.VerificationURL = stringPtr(verificationURL)
	a.ContinuityToken = stringPtr(token)
	a.ContinuityTokenExpiresAt = timePtr(expiresAt)
	a.ContinuityTokenUsedAt = timePtr(usedAt)
	a.ProviderPayload = stringPtr(payload)
	a.FailureReason = stringPtr(failure)
	a.CompletedAt = timePtr(completedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}
