package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"signgate/internal/logging"
	"signgate/internal/models"
)

type Kind string

const (
	KindReviewPending        Kind = "review_pending"
	KindReviewPendingCreator Kind = "review_pending_creator"
	KindReviewApproved       Kind = "review_approved"
	KindVerificationFailed   Kind = "verification_failed"
)

// SentEventType is the audit event that suppresses a repeat of kind.
func SentEventType(k Kind) string { return "email_" + string(k) + "_sent" }

func failedEventType(k Kind) string { return "email_" + string(k) + "_failed" }

type Notification struct {
	Kind            Kind
	Document        models.Document
	Signer          models.Signer
	// AttemptID scopes the resend guard to one verification attempt.
	AttemptID       string
	ContinuityToken string
	Reason          string
}

type Ledger interface {
	HasAuditEvent(ctx context.Context, documentID, signerID, attemptID, eventType string) (bool, error)
	InsertAudit(ctx context.Context, ev models.AuditEvent) error
}

type Notifier struct {
	ledger  Ledger
	sender  Sender
	baseURL string
	log     *zap.Logger
}

func NewNotifier(ledger Ledger, sender Sender, baseURL string, log *zap.Logger) *Notifier {
	return &Notifier{ledger: ledger, sender: sender, baseURL: strings.TrimRight(baseURL, "/"), log: logging.OrNop(log).Named("notify")}
}

// Notify sends n at most once per (document, signer, kind), and per attempt
// when AttemptID is set. It reports whether a message was sent by this call.
func (n *Notifier) Notify(ctx context.Context, nt Notification) (bool, error) {
	docID, signerID := nt.Document.ID, nt.Signer.ID
	done, err := n.ledger.HasAuditEvent(ctx, docID, signerID, nt.AttemptID, SentEventType(nt.Kind))
	if err != nil {
		return false, fmt.Errorf("check notification ledger: %w", err)
	}
	if done {
		n.log.Debug("notification already sent", zap.String("kind", string(nt.Kind)), zap.String("signer_id", signerID))
		return false, nil
	}
	msg, err := n.render(nt)
	if err != nil {
		return false, err
	}
	if msg.To == "" {
		n.log.Warn("notification has no recipient", zap.String("kind", string(nt.Kind)), zap.String("signer_id", signerID))
		return false, nil
	}

	res, sendErr := n.sender.Send(ctx, msg)
	ev := models.AuditEvent{
		DocumentID: &docID,
		SignerID:   &signerID,
		ActorType:  models.ActorSystem,
	}
	if nt.AttemptID != "" {
		attemptID := nt.AttemptID
		ev.AttemptID = &attemptID
	}
	if sendErr != nil {
		ev.EventType = failedEventType(nt.Kind)
		ev.Description = "notification email failed"
		ev.Payload = mustJSON(map[string]string{"to": msg.To, "error": sendErr.Error()})
		n.log.Error("notification email failed", zap.String("kind", string(nt.Kind)), zap.String("signer_id", signerID), zap.Error(sendErr))
	} else {
		ev.EventType = SentEventType(nt.Kind)
		ev.Description = "notification email sent"
		ev.Payload = mustJSON(map[string]string{"to": msg.To, "id": res.ID})
	}
	if err := n.ledger.InsertAudit(ctx, ev); err != nil {
		return sendErr == nil, fmt.Errorf("record notification: %w", err)
	}
	if sendErr != nil {
		return false, sendErr
	}
	return true, nil
}

// ContinuityURL is where a signer resumes after review approval.
func (n *Notifier) ContinuityURL(signerID, token string) string {
	return fmt.Sprintf("%s/sign/%s?continuity=%s", n.baseURL, url.PathEscape(signerID), url.QueryEscape(token))
}

type templateData struct {
	SignerName    string
	DocumentTitle string
	Link          string
	Reason        string
}

var templates = map[Kind]struct {
	subject string
	body    *template.Template
}{
	KindReviewPending: {
		subject: "Your identity verification is under review",
		body: template.Must(template.New("review_pending").Parse(
			`<p>Hello {{.SignerName}},</p><p>Your identity verification for <strong>{{.DocumentTitle}}</strong> needs a manual review. We will email you again once it is approved.</p>`)),
	},
	KindReviewPendingCreator: {
		subject: "A signer's verification is under manual review",
		body: template.Must(template.New("review_pending_creator").Parse(
			`<p>The identity verification of {{.SignerName}} for <strong>{{.DocumentTitle}}</strong> was sent to manual review.</p>`)),
	},
	KindReviewApproved: {
		subject: "You can now sign your document",
		body: template.Must(template.New("review_approved").Parse(
			`<p>Hello {{.SignerName}},</p><p>Your identity verification for <strong>{{.DocumentTitle}}</strong> was approved.</p><p><a href="{{.Link}}">Continue to signing</a>. This link works once and expires in 48 hours.</p>`)),
	},
	KindVerificationFailed: {
		subject: "A signer failed identity verification",
		body: template.Must(template.New("verification_failed").Parse(
			`<p>{{.SignerName}} could not complete identity verification for <strong>{{.DocumentTitle}}</strong>.</p>{{if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}`)),
	},
}

func (n *Notifier) render(nt Notification) (Message, error) {
	tpl, ok := templates[nt.Kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown notification kind %q", nt.Kind)
	}
	data := templateData{
		SignerName:    nt.Signer.Name,
		DocumentTitle: nt.Document.Title,
		Reason:        nt.Reason,
	}
	if nt.ContinuityToken != "" {
		data.Link = n.ContinuityURL(nt.Signer.ID, nt.ContinuityToken)
	}
	var buf bytes.Buffer
	if err := tpl.body.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", nt.Kind, err)
	}
	to := nt.Signer.Email
	if nt.Kind == KindReviewPendingCreator || nt.Kind == KindVerificationFailed {
		to = nt.Document.CreatorEmail
	}
	return Message{To: to, Subject: tpl.subject, HTML: buf.String()}, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
