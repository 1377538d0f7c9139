// Package service implements the signer-facing session actions and the admin
// operations on top of the store and the verification components.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"signgate/internal/auth"
	"signgate/internal/config"
	"signgate/internal/continuity"
	"signgate/internal/device"
	"signgate/internal/errs"
	"signgate/internal/logging"
	"signgate/internal/models"
	"signgate/internal/store"
	"signgate/internal/verification"
)

type Service struct {
	cfg     config.Config
	st      *store.Store
	machine *verification.Machine
	tokens  *continuity.Manager
	devices *device.Binder
	log     *zap.Logger
	now     func() time.Time
}

func New(cfg config.Config, st *store.Store, machine *verification.Machine, tokens *continuity.Manager, devices *device.Binder, log *zap.Logger) *Service {
	return &Service{
		cfg:     cfg,
		st:      st,
		machine: machine,
		tokens:  tokens,
		devices: devices,
		log:     logging.OrNop(log).Named("service"),
		now:     time.Now,
	}
}

func (s *Service) Ready(ctx context.Context) error {
	return s.st.Ping(ctx)
}

// authorize resolves the signer for a session action. Unknown signers and bad
// tokens are indistinguishable to the caller.
func (s *Service) authorize(ctx context.Context, signerID, signingToken, documentID string) (models.Document, models.Signer, error) {
	signerID = strings.TrimSpace(signerID)
	if signerID == "" {
		return models.Document{}, models.Signer{}, errs.Validation(errs.ReasonMissingField, "signerId is required")
	}
	if strings.TrimSpace(signingToken) == "" {
		return models.Document{}, models.Signer{}, errs.Unauthorized(errs.ReasonInvalidSigningToken, "signing token is required")
	}
	sg, err := s.st.GetSigner(ctx, signerID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Document{}, models.Signer{}, errs.Unauthorized(errs.ReasonInvalidSigningToken, "invalid signing token")
	}
	if err != nil {
		return models.Document{}, models.Signer{}, fmt.Errorf("load signer: %w", err)
	}
	if !auth.TokenMatches(signingToken, sg.SigningTokenHash) {
		s.log.Warn("signing token mismatch", zap.String("signer_id", signerID))
		return models.Document{}, models.Signer{}, errs.Unauthorized(errs.ReasonInvalidSigningToken, "invalid signing token")
	}
	if documentID != "" && documentID != sg.DocumentID {
		return models.Document{}, models.Signer{}, errs.Forbidden(errs.ReasonTenantMismatch, "signer does not belong to this document")
	}
	doc, err := s.st.GetDocument(ctx, sg.DocumentID)
	if err != nil {
		return models.Document{}, models.Signer{}, fmt.Errorf("load document: %w", err)
	}
	return doc, sg, nil
}

func (s *Service) latestAttempt(ctx context.Context, signerID string) (*models.VerificationAttempt, error) {
	a, err := s.st.LatestAttempt(ctx, signerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest attempt: %w", err)
	}
	return &a, nil
}
