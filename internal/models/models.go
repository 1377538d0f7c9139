package models

import "time"

type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentInProgress DocumentStatus = "IN_PROGRESS"
	DocumentCompleted  DocumentStatus = "COMPLETED"
	DocumentCancelled  DocumentStatus = "CANCELLED"
)

// Closed reports whether the document accepts no further signatures.
func (s DocumentStatus) Closed() bool {
	return s == DocumentCompleted || s == DocumentCancelled
}

type SignerStatus string

const (
	SignerPending            SignerStatus = "PENDING"
	SignerVerifying          SignerStatus = "VERIFYING"
	SignerVerified           SignerStatus = "VERIFIED"
	SignerVerificationFailed SignerStatus = "VERIFICATION_FAILED"
	SignerReviewApproved     SignerStatus = "REVIEW_APPROVED"
	SignerSigned             SignerStatus = "SIGNED"
)

func ParseSignerStatus(v string) (SignerStatus, bool) {
	switch s := SignerStatus(v); s {
	case SignerPending, SignerVerifying, SignerVerified, SignerVerificationFailed, SignerReviewApproved, SignerSigned:
		return s, true
	}
	return "", false
}

type AttemptStatus string

const (
	AttemptPending        AttemptStatus = "PENDING"
	AttemptInProgress     AttemptStatus = "IN_PROGRESS"
	AttemptInReview       AttemptStatus = "IN_REVIEW"
	AttemptReviewApproved AttemptStatus = "REVIEW_APPROVED"
	AttemptSuccess        AttemptStatus = "SUCCESS"
	AttemptFailed         AttemptStatus = "FAILED"
	AttemptExpired        AttemptStatus = "EXPIRED"
)

func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptFailed || s == AttemptExpired
}

// NonTerminalAttemptStatuses lists every status a reset must expire.
var NonTerminalAttemptStatuses = []AttemptStatus{
	AttemptPending, AttemptInProgress, AttemptInReview, AttemptReviewApproved,
}

type ActorType string

const (
	ActorSigner   ActorType = "signer"
	ActorSystem   ActorType = "system"
	ActorProvider ActorType = "provider"
	ActorAdmin    ActorType = "admin"
)

type Document struct {
	ID                           string         `json:"id"`
	TenantID                     string         `json:"tenant_id"`
	Title                        string         `json:"title"`
	CreatorEmail                 string         `json:"-"`
	Status                       DocumentStatus `json:"status"`
	RequiresIdentityVerification bool           `json:"requires_identity_verification"`
	SigningDeadline              *time.Time     `json:"signing_deadline,omitempty"`
	EnvelopeID                   *string        `json:"documenso_envelope_id,omitempty"`
	CreatedAt                    time.Time      `json:"created_at"`
	UpdatedAt                    time.Time      `json:"updated_at"`
	CompletedAt                  *time.Time     `json:"completed_at,omitempty"`
	CancelledAt                  *time.Time     `json:"cancelled_at,omitempty"`
}

type Signer struct {
	ID                   string       `json:"id"`
	DocumentID           string       `json:"document_id"`
	Name                 string       `json:"name"`
	Email                string       `json:"email"`
	SigningOrder         int          `json:"signing_order"`
	Seq                  int          `json:"-"`
	RequiresVerification *bool        `json:"requires_verification,omitempty"`
	Status               SignerStatus `json:"status"`
	SigningTokenHash     string       `json:"-"`
	RecipientID          *string      `json:"recipient_id,omitempty"`
	SigningURL           *string      `json:"signing_url,omitempty"`
	VerifiedAt           *time.Time   `json:"verified_at,omitempty"`
	DeviceSessionToken   *string      `json:"-"`
	SignedAt             *time.Time   `json:"signed_at,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// VerificationRequired applies the per-signer override over the document flag.
func (s Signer) VerificationRequired(d Document) bool {
	if s.RequiresVerification != nil {
		return *s.RequiresVerification
	}
	return d.RequiresIdentityVerification
}

type VerificationAttempt struct {
	ID                       string        `json:"id"`
	SignerID                 string        `json:"signer_id"`
	DocumentID               string        `json:"document_id"`
	ProviderSessionID        string        `json:"provider_session_id"`
	VerificationURL          *string       `json:"verification_url,omitempty"`
	Status                   AttemptStatus `json:"status"`
	WasInReview              bool          `json:"was_in_review"`
	ContinuityToken          *string       `json:"-"`
	ContinuityTokenExpiresAt *time.Time    `json:"continuity_token_expires_at,omitempty"`
	ContinuityTokenUsedAt    *time.Time    `json:"continuity_token_used_at,omitempty"`
	ProviderPayload          *string       `json:"-"`
	FailureReason            *string       `json:"failure_reason,omitempty"`
	CreatedAt                time.Time     `json:"created_at"`
	UpdatedAt                time.Time     `json:"updated_at"`
	CompletedAt              *time.Time    `json:"completed_at,omitempty"`
}

type AuditEvent struct {
	ID          string    `json:"id"`
	DocumentID  *string   `json:"document_id,omitempty"`
	SignerID    *string   `json:"signer_id,omitempty"`
	AttemptID   *string   `json:"attempt_id,omitempty"`
	EventType   string    `json:"event_type"`
	Description string    `json:"description"`
	ActorType   ActorType `json:"actor_type"`
	Payload     string    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Audit event types.
const (
	EventDocumentCreated        = "document_created"
	EventDocumentCompleted      = "document_completed"
	EventDocumentCancelled      = "document_cancelled"
	EventSessionCreated         = "verification_session_created"
	EventVerificationStarted    = "verification_started"
	EventVerificationInReview   = "verification_in_review"
	EventReviewApproved         = "verification_review_approved"
	EventVerificationApproved   = "verification_approved"
	EventVerificationDeclined   = "verification_declined"
	EventVerificationExpired    = "verification_expired"
	EventContinuityRedeemed     = "continuity_token_redeemed"
	EventDeviceBound            = "device_session_bound"
	EventVerificationReset      = "verification_reset"
	EventSignerSigned           = "signer_signed"
	EventWebhookUnverified      = "webhook_signature_skipped"
	EventSigningWebhookReceived = "signing_webhook_received"
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
