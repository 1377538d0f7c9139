package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"signgate/internal/logging"
	"signgate/internal/middleware"
	"signgate/internal/models"
	"signgate/internal/signature"
	"signgate/internal/store"
	"signgate/internal/util"
)

// HeaderSigningSecret carries the signing provider's shared secret.
const HeaderSigningSecret = "X-Documenso-Secret"

type SigningStore interface {
	GetDocumentByEnvelopeID(ctx context.Context, envelopeID string) (models.Document, error)
	GetSignerByRecipientID(ctx context.Context, documentID, recipientID string) (models.Signer, error)
	GetSignerByEmail(ctx context.Context, documentID, email string) (models.Signer, error)
	MarkSigned(ctx context.Context, sg models.Signer, from []models.SignerStatus, at time.Time, ev models.AuditEvent) (store.SignResult, error)
	SetDocumentStatus(ctx context.Context, id string, from []models.DocumentStatus, to models.DocumentStatus, at time.Time, ev *models.AuditEvent) (bool, error)
	InsertAudit(ctx context.Context, ev models.AuditEvent) error
}

// Signing handles signing-provider callbacks.
type Signing struct {
	st           SigningStore
	secret       string
	hmac         *signature.Verifier
	require      bool
	ackOnFailure bool
	log          *zap.Logger
	now          func() time.Time
}

func NewSigning(st SigningStore, secret string, requireSecret, ackOnFailure bool, log *zap.Logger) *Signing {
	secret = strings.TrimSpace(secret)
	return &Signing{
		st:           st,
		secret:       secret,
		hmac:         signature.NewVerifier(secret, requireSecret),
		require:      requireSecret,
		ackOnFailure: ackOnFailure,
		log:          logging.OrNop(log).Named("webhook.signing"),
		now:          time.Now,
	}
}

var unsignedStatuses = []models.SignerStatus{
	models.SignerPending,
	models.SignerVerifying,
	models.SignerVerified,
	models.SignerVerificationFailed,
	models.SignerReviewApproved,
}

const (
	eventDocumentCompleted = "DOCUMENT_COMPLETED"
	eventDocumentCancelled = "DOCUMENT_CANCELLED"
	eventDocumentRejected  = "DOCUMENT_REJECTED"
)

type recipient struct {
	ID       string
	Email    string
	Signed   bool
	SignedAt time.Time
}

func parseRecipients(payload map[string]any) []recipient {
	raw, _ := payload["recipients"].([]any)
	out := make([]recipient, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rc := recipient{
			ID:    str(m, "id", "recipientId"),
			Email: strings.ToLower(str(m, "email")),
		}
		signed, _ := m["signed"].(bool)
		rc.Signed = signed || strings.EqualFold(str(m, "signingStatus"), "SIGNED")
		if ts := str(m, "signedAt"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				rc.SignedAt = t.UTC()
			}
		}
		out = append(out, rc)
	}
	return out
}

// authenticate accepts the shared-secret header or a raw-body HMAC.
func (h *Signing) authenticate(r *http.Request, body []byte) (bool, string) {
	if h.secret == "" {
		if h.require {
			return false, signature.ReasonSecretNotConfigured
		}
		return true, ""
	}
	if provided := r.Header.Get(HeaderSigningSecret); provided != "" {
		if signature.MatchSecret(provided, h.secret) {
			return true, ""
		}
		return false, signature.ReasonInvalidSignature
	}
	res := h.hmac.Verify(r.Header, body, h.now())
	return res.Valid, res.Reason
}

func (h *Signing) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rid := middleware.RequestID(r.Context())
	body, m, ok := readJSON(w, r)
	if !ok {
		return
	}
	if valid, reason := h.authenticate(r, body); !valid {
		h.log.Warn("signing webhook rejected", zap.String("reason", reason), zap.String("request_id", rid))
		util.WriteError(w, http.StatusUnauthorized, reason, "webhook authentication failed", rid)
		return
	}

	event := strings.ToUpper(strings.ReplaceAll(str(m, "event", "type"), ".", "_"))
	payload := object(m, "payload")
	if payload == nil {
		payload = m
	}
	envelopeID := str(payload, "envelopeId", "envelope_id", "documentId", "id")
	fields := []zap.Field{
		zap.String("event", event),
		zap.String("envelope_id", envelopeID),
		zap.String("request_id", rid),
		zap.Bool("secret_configured", h.secret != ""),
	}
	h.log.Info("signing webhook received", fields...)
	if envelopeID == "" {
		util.WriteError(w, http.StatusBadRequest, "missing_field", "envelope id is required", rid)
		return
	}

	ctx := r.Context()
	doc, err := h.st.GetDocumentByEnvelopeID(ctx, envelopeID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warn("signing webhook for unknown envelope", fields...)
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "document_not_found"})
		return
	}
	if err != nil {
		failure(w, h.log, h.ackOnFailure, rid, fmt.Errorf("load document: %w", err), fields)
		return
	}

	signed, status, err := h.process(ctx, doc, event, parseRecipients(payload))
	if err != nil {
		failure(w, h.log, h.ackOnFailure, rid, err, fields)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"signed":          signed,
		"document_status": status,
	})
}

func (h *Signing) process(ctx context.Context, doc models.Document, event string, recipients []recipient) (int, models.DocumentStatus, error) {
	now := h.now().UTC()
	if err := h.st.InsertAudit(ctx, models.AuditEvent{
		DocumentID:  &doc.ID,
		EventType:   models.EventSigningWebhookReceived,
		Description: "signing provider event " + event,
		ActorType:   models.ActorProvider,
		CreatedAt:   now,
	}); err != nil {
		return 0, doc.Status, fmt.Errorf("audit signing webhook: %w", err)
	}

	status := doc.Status
	signed := 0
	for _, rc := range recipients {
		if !rc.Signed {
			continue
		}
		sg, err := h.matchSigner(ctx, doc.ID, rc)
		if errors.Is(err, store.ErrNotFound) {
			h.log.Warn("signed recipient has no signer", zap.String("document_id", doc.ID), zap.String("recipient_id", rc.ID))
			continue
		}
		if err != nil {
			return signed, status, fmt.Errorf("match recipient: %w", err)
		}
		at := rc.SignedAt
		if at.IsZero() {
			at = now
		}
		res, err := h.st.MarkSigned(ctx, sg, unsignedStatuses, at, models.AuditEvent{
			DocumentID:  &doc.ID,
			SignerID:    &sg.ID,
			EventType:   models.EventSignerSigned,
			Description: "signing provider reported signature",
			ActorType:   models.ActorProvider,
			CreatedAt:   now,
		})
		if err != nil {
			return signed, status, fmt.Errorf("mark signed: %w", err)
		}
		if res.Signed {
			signed++
			if status == models.DocumentPending {
				status = models.DocumentInProgress
			}
		}
		if res.DocumentCompleted {
			status = models.DocumentCompleted
		}
	}

	var to models.DocumentStatus
	var evType, desc string
	switch event {
	case eventDocumentCompleted:
		to, evType, desc = models.DocumentCompleted, models.EventDocumentCompleted, "signing provider completed the document"
	case eventDocumentCancelled, eventDocumentRejected:
		to, evType, desc = models.DocumentCancelled, models.EventDocumentCancelled, "signing provider closed the document: "+event
	default:
		return signed, status, nil
	}
	moved, err := h.st.SetDocumentStatus(ctx, doc.ID,
		[]models.DocumentStatus{models.DocumentPending, models.DocumentInProgress}, to, now,
		&models.AuditEvent{DocumentID: &doc.ID, EventType: evType, Description: desc, ActorType: models.ActorProvider, CreatedAt: now},
	)
	if err != nil {
		return signed, status, fmt.Errorf("set document status: %w", err)
	}
	if moved {
		status = to
	}
	return signed, status, nil
}

func (h *Signing) matchSigner(ctx context.Context, documentID string, rc recipient) (models.Signer, error) {
	if rc.ID != "" {
		sg, err := h.st.GetSignerByRecipientID(ctx, documentID, rc.ID)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return sg, err
		}
	}
	if rc.Email == "" {
		return models.Signer{}, store.ErrNotFound
	}
	return h.st.GetSignerByEmail(ctx, documentID, rc.Email)
}
