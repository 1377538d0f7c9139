// Package device binds a verified signer to the browser session that will
// perform the signing and decides whether that session may still sign.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signgate/internal/errs"
	"signgate/internal/logging"
	"signgate/internal/models"
	"signgate/internal/store"
)

// SigningTTL is how long after verification a bound session may sign.
const SigningTTL = 10 * time.Minute

type Store interface {
	BindDeviceToken(ctx context.Context, id, token string, at time.Time) (models.Signer, error)
	ResetVerification(ctx context.Context, signerID string, at time.Time, ev models.AuditEvent) (bool, int64, error)
	InsertAudit(ctx context.Context, ev models.AuditEvent) error
}

type Binder struct {
	st  Store
	log *zap.Logger
	now func() time.Time
}

func NewBinder(st Store, log *zap.Logger) *Binder {
	return &Binder{st: st, log: logging.OrNop(log).Named("device"), now: time.Now}
}

// Bind attaches token to the signer. Rebinding the same token succeeds; a
// different token is rejected until the verification is reset.
func (b *Binder) Bind(ctx context.Context, sg models.Signer, token string) (models.Signer, error) {
	if token == "" {
		return models.Signer{}, errs.Validation(errs.ReasonMissingField, "deviceSessionToken is required")
	}
	already := sg.DeviceSessionToken != nil && *sg.DeviceSessionToken == token
	now := b.now().UTC()
	bound, err := b.st.BindDeviceToken(ctx, sg.ID, token, now)
	if errors.Is(err, store.ErrConflict) {
		b.log.Warn("device session already bound", zap.String("signer_id", sg.ID))
		return models.Signer{}, errs.Conflict(errs.ReasonDeviceAlreadyBound, "a different device session is already bound")
	}
	if err != nil {
		return models.Signer{}, fmt.Errorf("bind device token: %w", err)
	}
	if !already {
		if err := b.st.InsertAudit(ctx, models.AuditEvent{
			DocumentID:  &sg.DocumentID,
			SignerID:    &sg.ID,
			EventType:   models.EventDeviceBound,
			Description: "device session bound",
			ActorType:   models.ActorSigner,
			CreatedAt:   now,
		}); err != nil {
			return bound, fmt.Errorf("audit device bind: %w", err)
		}
	}
	return bound, nil
}

type Validity struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// IsSessionValid reports whether localToken may sign for the signer right now.
// Checks run in a fixed order and the first failure is reported.
func IsSessionValid(doc models.Document, sg models.Signer, localToken string, now time.Time) Validity {
	if !sg.VerificationRequired(doc) {
		return Validity{Valid: true}
	}
	if sg.Status != models.SignerVerified {
		return Validity{Reason: errs.ReasonNotVerified}
	}
	if localToken == "" || sg.DeviceSessionToken == nil || *sg.DeviceSessionToken == "" {
		return Validity{Reason: errs.ReasonTokenMissing}
	}
	if *sg.DeviceSessionToken != localToken {
		return Validity{Reason: errs.ReasonDeviceMismatch}
	}
	if sg.VerifiedAt == nil || now.Sub(*sg.VerifiedAt) >= SigningTTL {
		return Validity{Reason: errs.ReasonTTLExpired}
	}
	return Validity{Valid: true}
}

// Reset clears verification so the signer can start over. Signed signers are
// never reset.
func (b *Binder) Reset(ctx context.Context, sg models.Signer) (int64, error) {
	now := b.now().UTC()
	ok, expired, err := b.st.ResetVerification(ctx, sg.ID, now, models.AuditEvent{
		DocumentID:  &sg.DocumentID,
		SignerID:    &sg.ID,
		EventType:   models.EventVerificationReset,
		Description: "verification reset",
		ActorType:   models.ActorSigner,
		CreatedAt:   now,
	})
	if err != nil {
		return 0, fmt.Errorf("reset verification: %w", err)
	}
	if !ok {
		return 0, errs.State(errs.ReasonAlreadySigned, "signer has already signed")
	}
	b.log.Info("verification reset", zap.String("signer_id", sg.ID), zap.Int64("expired_attempts", expired))
	return expired, nil
}
