// Package continuity issues and redeems the single-use tokens that let a signer
// resume after manual review.
package continuity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"signgate/internal/auth"
	"signgate/internal/errs"
	"signgate/internal/logging"
	"signgate/internal/models"
	"signgate/internal/store"
)

// TokenTTL is independent of the signing window.
const TokenTTL = 48 * time.Hour

type Token struct {
	Value     string
	ExpiresAt time.Time
}

type Store interface {
	GetAttemptByContinuityToken(ctx context.Context, token string) (models.VerificationAttempt, error)
	GetSigner(ctx context.Context, id string) (models.Signer, error)
	RedeemContinuityToken(ctx context.Context, attemptID, signerID string, at time.Time, ev models.AuditEvent) (bool, error)
}

type Manager struct {
	st  Store
	log *zap.Logger
	now func() time.Time
}

func NewManager(st Store, log *zap.Logger) *Manager {
	return &Manager{st: st, log: logging.OrNop(log).Named("continuity"), now: time.Now}
}

func (m *Manager) Issue(now time.Time) (Token, error) {
	raw, _, err := auth.NewOpaqueToken()
	if err != nil {
		return Token{}, fmt.Errorf("generate continuity token: %w", err)
	}
	return Token{Value: raw, ExpiresAt: now.UTC().Add(TokenTTL)}, nil
}

// Reusable reports whether the attempt already carries an unused, unexpired token.
func Reusable(a models.VerificationAttempt, now time.Time) bool {
	return a.ContinuityToken != nil && *a.ContinuityToken != "" &&
		a.ContinuityTokenUsedAt == nil &&
		a.ContinuityTokenExpiresAt != nil && now.Before(*a.ContinuityTokenExpiresAt)
}

type Redemption struct {
	Signer  models.Signer
	Attempt models.VerificationAttempt
}

// Redeem verifies the signer after an approved review. Every failure is a
// state error carrying one of the token reasons.
func (m *Manager) Redeem(ctx context.Context, token, signerID string) (Redemption, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Redemption{}, errs.Validation(errs.ReasonMissingField, "token is required")
	}
	a, err := m.st.GetAttemptByContinuityToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return Redemption{}, errs.State(errs.ReasonInvalidToken, "continuity token is not valid")
	}
	if err != nil {
		return Redemption{}, fmt.Errorf("lookup continuity token: %w", err)
	}
	if a.SignerID != signerID {
		m.log.Warn("continuity token presented for another signer", zap.String("attempt_id", a.ID), zap.String("signer_id", signerID))
		return Redemption{}, errs.State(errs.ReasonInvalidToken, "continuity token is not valid")
	}
	if err := checkRedeemable(a, m.now()); err != nil {
		return Redemption{Attempt: a}, err
	}

	now := m.now().UTC()
	ev := models.AuditEvent{
		DocumentID:  &a.DocumentID,
		SignerID:    &a.SignerID,
		AttemptID:   &a.ID,
		EventType:   models.EventContinuityRedeemed,
		Description: "continuity token redeemed after review approval",
		ActorType:   models.ActorSigner,
		CreatedAt:   now,
	}
	ok, err := m.st.RedeemContinuityToken(ctx, a.ID, signerID, now, ev)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Redemption{}, errs.State(errs.ReasonNotApproved, "signer can no longer be verified")
		}
		return Redemption{}, fmt.Errorf("redeem continuity token: %w", err)
	}
	if !ok {
		// Lost a race with another redemption or a reset.
		cur, err := m.st.GetAttemptByContinuityToken(ctx, token)
		if err != nil {
			return Redemption{}, fmt.Errorf("reload attempt: %w", err)
		}
		if err := checkRedeemable(cur, now); err != nil {
			return Redemption{Attempt: cur}, err
		}
		return Redemption{Attempt: cur}, errs.State(errs.ReasonNotApproved, "verification is not approved")
	}

	sg, err := m.st.GetSigner(ctx, signerID)
	if err != nil {
		return Redemption{}, fmt.Errorf("reload signer: %w", err)
	}
	a.Status = models.AttemptSuccess
	a.ContinuityTokenUsedAt = &now
	a.CompletedAt = &now
	m.log.Info("continuity token redeemed", zap.String("attempt_id", a.ID), zap.String("signer_id", signerID))
	return Redemption{Signer: sg, Attempt: a}, nil
}

func checkRedeemable(a models.VerificationAttempt, now time.Time) error {
	if a.ContinuityTokenUsedAt != nil {
		return errs.State(errs.ReasonTokenAlreadyUsed, "continuity token was already used")
	}
	if a.ContinuityTokenExpiresAt == nil || !now.Before(*a.ContinuityTokenExpiresAt) {
		return errs.State(errs.ReasonTokenExpired, "continuity token has expired")
	}
	if a.Status != models.AttemptReviewApproved {
		return errs.State(errs.ReasonNotApproved, "verification is not approved")
	}
	return nil
}
