package service

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signgate/internal/auth"
	"signgate/internal/errs"
	"signgate/internal/models"
	"signgate/internal/store"
)

type SignerInput struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	SigningOrder         int    `json:"signingOrder"`
	RequiresVerification *bool  `json:"requiresVerification,omitempty"`
	RecipientID          string `json:"recipientId,omitempty"`
	SigningURL           string `json:"signingUrl,omitempty"`
}

type CreateDocumentRequest struct {
	TenantID                     string        `json:"tenantId"`
	Title                        string        `json:"title"`
	CreatorEmail                 string        `json:"creatorEmail"`
	RequiresIdentityVerification bool          `json:"requiresIdentityVerification"`
	SigningDeadline              *time.Time    `json:"signingDeadline,omitempty"`
	EnvelopeID                   string        `json:"envelopeId,omitempty"`
	Signers                      []SignerInput `json:"signers"`
}

// CreatedSigner carries the only copy of the signer's signing token.
type CreatedSigner struct {
	models.Signer
	SigningToken string `json:"signingToken"`
}

type CreatedDocument struct {
	Document models.Document `json:"document"`
	Signers  []CreatedSigner `json:"signers"`
}

type DocumentDetail struct {
	Document models.Document `json:"document"`
	Signers  []models.Signer `json:"signers"`
}

func normalizeEmail(v string) (string, bool) {
	v = strings.TrimSpace(v)
	addr, err := netmail.ParseAddress(v)
	if err != nil || addr.Address != v {
		return "", false
	}
	return strings.ToLower(addr.Address), true
}

func (s *Service) CreateDocument(ctx context.Context, req CreateDocumentRequest) (CreatedDocument, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return CreatedDocument{}, errs.Validation(errs.ReasonMissingField, "title is required")
	}
	creator, ok := normalizeEmail(req.CreatorEmail)
	if !ok {
		return CreatedDocument{}, errs.Validation(errs.ReasonInvalidField, "creatorEmail is invalid")
	}
	if len(req.Signers) == 0 {
		return CreatedDocument{}, errs.Validation(errs.ReasonMissingField, "at least one signer is required")
	}
	tenant := strings.TrimSpace(req.TenantID)
	if tenant == "" {
		tenant = "default"
	}

	now := s.now().UTC()
	doc := models.Document{
		ID:                           uuid.NewString(),
		TenantID:                     tenant,
		Title:                        title,
		CreatorEmail:                 creator,
		Status:                       models.DocumentPending,
		RequiresIdentityVerification: req.RequiresIdentityVerification,
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
	if req.SigningDeadline != nil {
		if !req.SigningDeadline.After(now) {
			return CreatedDocument{}, errs.Validation(errs.ReasonInvalidField, "signingDeadline must be in the future")
		}
		d := req.SigningDeadline.UTC()
		doc.SigningDeadline = &d
	}
	if env := strings.TrimSpace(req.EnvelopeID); env != "" {
		doc.EnvelopeID = &env
	}

	out := CreatedDocument{Signers: make([]CreatedSigner, 0, len(req.Signers))}
	signers := make([]models.Signer, 0, len(req.Signers))
	for i, in := range req.Signers {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return CreatedDocument{}, errs.Validation(errs.ReasonMissingField, fmt.Sprintf("signers[%d].name is required", i))
		}
		email, ok := normalizeEmail(in.Email)
		if !ok {
			return CreatedDocument{}, errs.Validation(errs.ReasonInvalidField, fmt.Sprintf("signers[%d].email is invalid", i))
		}
		order := in.SigningOrder
		if order == 0 {
			order = 1
		}
		if order < 0 {
			return CreatedDocument{}, errs.Validation(errs.ReasonInvalidField, fmt.Sprintf("signers[%d].signingOrder must be positive", i))
		}
		raw, hash, err := auth.NewOpaqueToken()
		if err != nil {
			return CreatedDocument{}, fmt.Errorf("generate signing token: %w", err)
		}
		sg := models.Signer{
			ID:                   uuid.NewString(),
			DocumentID:           doc.ID,
			Name:                 name,
			Email:                email,
			SigningOrder:         order,
			Seq:                  i,
			RequiresVerification: in.RequiresVerification,
			Status:               models.SignerPending,
			SigningTokenHash:     hash,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if v := strings.TrimSpace(in.RecipientID); v != "" {
			sg.RecipientID = &v
		}
		if v := strings.TrimSpace(in.SigningURL); v != "" {
			sg.SigningURL = &v
		}
		signers = append(signers, sg)
		out.Signers = append(out.Signers, CreatedSigner{Signer: sg, SigningToken: raw})
	}

	err := s.st.CreateDocument(ctx, doc, signers, models.AuditEvent{
		DocumentID:  &doc.ID,
		EventType:   models.EventDocumentCreated,
		Description: fmt.Sprintf("document created with %d signers", len(signers)),
		ActorType:   models.ActorAdmin,
		CreatedAt:   now,
	})
	if err != nil {
		return CreatedDocument{}, fmt.Errorf("create document: %w", err)
	}
	s.log.Info("document created", zap.String("document_id", doc.ID), zap.Int("signers", len(signers)))
	out.Document = doc
	return out, nil
}

func (s *Service) GetDocument(ctx context.Context, id string) (DocumentDetail, error) {
	doc, err := s.st.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return DocumentDetail{}, errs.NotFound("document not found")
	}
	if err != nil {
		return DocumentDetail{}, fmt.Errorf("load document: %w", err)
	}
	signers, err := s.st.ListSigners(ctx, id)
	if err != nil {
		return DocumentDetail{}, fmt.Errorf("list signers: %w", err)
	}
	return DocumentDetail{Document: doc, Signers: signers}, nil
}

func (s *Service) CancelDocument(ctx context.Context, id string) (models.Document, error) {
	if _, err := s.GetDocument(ctx, id); err != nil {
		return models.Document{}, err
	}
	now := s.now().UTC()
	moved, err := s.st.SetDocumentStatus(ctx, id,
		[]models.DocumentStatus{models.DocumentPending, models.DocumentInProgress}, models.DocumentCancelled, now,
		&models.AuditEvent{DocumentID: &id, EventType: models.EventDocumentCancelled, Description: "document cancelled by admin", ActorType: models.ActorAdmin, CreatedAt: now},
	)
	if err != nil {
		return models.Document{}, fmt.Errorf("cancel document: %w", err)
	}
	if !moved {
		return models.Document{}, errs.State(errs.ReasonDocumentClosed, "document is already closed")
	}
	return s.st.GetDocument(ctx, id)
}

func (s *Service) AuditTrail(ctx context.Context, documentID string, limit int) ([]models.AuditEvent, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	events, err := s.st.ListAuditEvents(ctx, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}
