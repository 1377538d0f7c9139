package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"signgate/internal/logging"
	"signgate/internal/middleware"
	"signgate/internal/models"
	"signgate/internal/signature"
	"signgate/internal/store"
	"signgate/internal/util"
	"signgate/internal/verification"
)

type IdentityStore interface {
	GetAttemptBySessionID(ctx context.Context, sessionID string) (models.VerificationAttempt, error)
	InsertAudit(ctx context.Context, ev models.AuditEvent) error
}

type Applier interface {
	Apply(ctx context.Context, a models.VerificationAttempt, ev verification.Event) (verification.Result, error)
}

// Identity handles identity-provider callbacks.
type Identity struct {
	st           IdentityStore
	machine      Applier
	verifier     *signature.Verifier
	ackOnFailure bool
	log          *zap.Logger
	now          func() time.Time
}

func NewIdentity(st IdentityStore, machine Applier, verifier *signature.Verifier, ackOnFailure bool, log *zap.Logger) *Identity {
	return &Identity{
		st:           st,
		machine:      machine,
		verifier:     verifier,
		ackOnFailure: ackOnFailure,
		log:          logging.OrNop(log).Named("webhook.identity"),
		now:          time.Now,
	}
}

type identityPayload struct {
	EventType      string
	SessionID      string
	Status         string
	DecisionStatus string
	Reason         string
}

func parseIdentity(m map[string]any) identityPayload {
	data := object(m, "data")
	decision := object(m, "decision")
	if decision == nil {
		decision = object(data, "decision")
	}
	return identityPayload{
		EventType:      str(m, "webhook_type", "event", "type"),
		SessionID:      firstNonEmpty(str(data, "session_id"), str(m, "session_id")),
		Status:         firstNonEmpty(str(data, "status"), str(m, "status")),
		DecisionStatus: str(decision, "status"),
		Reason:         firstNonEmpty(str(decision, "reason", "decline_reason"), str(data, "reason", "decline_reason")),
	}
}

func (h *Identity) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rid := middleware.RequestID(r.Context())
	body, m, ok := readJSON(w, r)
	if !ok {
		return
	}
	res := h.verifier.Verify(r.Header, body, h.now())
	if !res.Valid {
		h.log.Warn("webhook signature rejected", zap.String("reason", res.Reason), zap.String("request_id", rid))
		util.WriteError(w, http.StatusUnauthorized, res.Reason, "webhook signature rejected", rid)
		return
	}

	p := parseIdentity(m)
	fields := []zap.Field{
		zap.String("session_id", p.SessionID),
		zap.String("event_type", p.EventType),
		zap.String("status", firstNonEmpty(p.DecisionStatus, p.Status)),
		zap.String("request_id", rid),
	}
	if res.Verified {
		h.log.Info("webhook received", append(fields, zap.String("signature", "verified"), zap.String("scheme", res.Scheme))...)
	} else {
		h.log.Warn("webhook received", append(fields, zap.String("signature", "unverified"))...)
	}
	if p.SessionID == "" {
		util.WriteError(w, http.StatusBadRequest, "missing_field", "session_id is required", rid)
		return
	}

	ctx := r.Context()
	a, err := h.st.GetAttemptBySessionID(ctx, p.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warn("webhook for unknown session", fields...)
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "session_not_found"})
		return
	}
	if err != nil {
		failure(w, h.log, h.ackOnFailure, rid, fmt.Errorf("load attempt: %w", err), fields)
		return
	}
	if !res.Verified {
		if err := h.st.InsertAudit(ctx, models.AuditEvent{
			DocumentID:  &a.DocumentID,
			SignerID:    &a.SignerID,
			AttemptID:   &a.ID,
			EventType:   models.EventWebhookUnverified,
			Description: "identity webhook accepted without signature verification",
			ActorType:   models.ActorProvider,
		}); err != nil {
			h.log.Error("audit unverified webhook", append(fields, zap.Error(err))...)
		}
	}

	out, err := h.machine.Apply(ctx, a, verification.Event{
		Type:           p.EventType,
		Status:         p.Status,
		DecisionStatus: p.DecisionStatus,
		Reason:         p.Reason,
		Payload:        body,
		Source:         verification.SourceWebhook,
	})
	if err != nil {
		failure(w, h.log, h.ackOnFailure, rid, err, fields)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"applied":        out.Applied,
		"outcome":        out.Outcome,
		"attempt_status": out.AttemptStatus,
	})
}
