package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"signgate/internal/device"
	"signgate/internal/errs"
	"signgate/internal/models"
	"signgate/internal/signing"
	"signgate/internal/verification"
)

const (
	ActionGetSigner             = "get-signer"
	ActionGetLatestAttempt      = "get-latest-attempt"
	ActionCreateSession         = "create-verification-session"
	ActionBindDeviceSession     = "bind-device-session"
	ActionResetVerification     = "reset-verification"
	ActionSetSignerStatus       = "set-signer-status"
	ActionMarkSigned            = "mark-signed"
	ActionRedeemContinuityToken = "redeem-continuity-token"
)

// SessionRequest is the body every session action shares.
type SessionRequest struct {
	Action             string `json:"action"`
	SignerID           string `json:"signerId"`
	SigningToken       string `json:"signingToken"`
	DocumentID         string `json:"documentId,omitempty"`
	DeviceSessionToken string `json:"deviceSessionToken,omitempty"`
	Status             string `json:"status,omitempty"`
	Token              string `json:"token,omitempty"`
	Refresh            bool   `json:"refresh,omitempty"`
}

// Verification states shown to the signing UI.
const (
	StateNotRequired       = "NOT_REQUIRED"
	StateNeedsVerification = "NEEDS_VERIFICATION"
	StateInProgress        = "IN_PROGRESS"
	StateInReview          = "IN_REVIEW"
	StateReviewApproved    = "REVIEW_APPROVED"
	StateFailed            = "FAILED"
	StateVerified          = "VERIFIED"
	StateSigned            = "SIGNED"
)

func verificationState(doc models.Document, sg models.Signer, latest *models.VerificationAttempt) string {
	if sg.Status == models.SignerSigned {
		return StateSigned
	}
	if !sg.VerificationRequired(doc) {
		return StateNotRequired
	}
	switch sg.Status {
	case models.SignerVerified:
		return StateVerified
	case models.SignerReviewApproved:
		return StateReviewApproved
	case models.SignerVerificationFailed:
		return StateFailed
	}
	if latest == nil {
		return StateNeedsVerification
	}
	switch latest.Status {
	case models.AttemptInReview:
		return StateInReview
	case models.AttemptReviewApproved:
		return StateReviewApproved
	case models.AttemptPending, models.AttemptInProgress:
		return StateInProgress
	}
	return StateNeedsVerification
}

type DocumentView struct {
	ID              string                `json:"id"`
	Title           string                `json:"title"`
	Status          models.DocumentStatus `json:"status"`
	SigningDeadline *time.Time            `json:"signingDeadline,omitempty"`
}

func documentView(d models.Document) DocumentView {
	return DocumentView{ID: d.ID, Title: d.Title, Status: d.Status, SigningDeadline: d.SigningDeadline}
}

type Blocker struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	SigningOrder int                 `json:"signingOrder"`
	Status       models.SignerStatus `json:"status"`
}

type SignerState struct {
	Signer               models.Signer               `json:"signer"`
	Document             DocumentView                `json:"document"`
	VerificationRequired bool                        `json:"verificationRequired"`
	VerificationState    string                      `json:"verificationState"`
	LatestAttempt        *models.VerificationAttempt `json:"latestAttempt,omitempty"`
	Blocked              bool                        `json:"blocked"`
	BlockedBy            []Blocker                   `json:"blockedBy,omitempty"`
	DeviceBound          bool                        `json:"deviceBound"`
	Session              *device.Validity            `json:"session,omitempty"`
	SigningExpiresAt     *time.Time                  `json:"signingExpiresAt,omitempty"`
}

// Handle dispatches a session action by name.
func (s *Service) Handle(ctx context.Context, req SessionRequest) (any, error) {
	switch strings.TrimSpace(req.Action) {
	case ActionGetSigner:
		return s.GetSigner(ctx, req)
	case ActionGetLatestAttempt:
		return s.GetLatestAttempt(ctx, req)
	case ActionCreateSession:
		return s.CreateVerificationSession(ctx, req)
	case ActionBindDeviceSession:
		return s.BindDeviceSession(ctx, req)
	case ActionResetVerification:
		return s.ResetVerification(ctx, req)
	case ActionSetSignerStatus:
		return s.SetSignerStatus(ctx, req)
	case ActionMarkSigned:
		return s.MarkSigned(ctx, req)
	case ActionRedeemContinuityToken:
		return s.RedeemContinuityToken(ctx, req)
	case "":
		return nil, errs.Validation(errs.ReasonMissingField, "action is required")
	}
	return nil, errs.Validation(errs.ReasonInvalidField, fmt.Sprintf("unknown action %q", req.Action))
}

func (s *Service) GetSigner(ctx context.Context, req SessionRequest) (SignerState, error) {
	doc, sg, err := s.authorize(ctx, req.SignerID, req.SigningToken, req.DocumentID)
	if err != nil {
		return SignerState{}, err
	}
	return s.signerState(ctx, doc, sg, req.DeviceSessionToken)
}

func (s *Service) signerState(ctx context.Context, doc models.Document, sg models.Signer, localToken string) (SignerState, error) {
	latest, err := s.latestAttempt(ctx, sg.ID)
	if err != nil {
		return SignerState{}, err
	}
	signers, err := s.st.ListSigners(ctx, doc.ID)
	if err != nil {
		return SignerState{}, fmt.Errorf("list signers: %w", err)
	}
	blockers, blocked := signing.Blockers(signers, sg)
	out := SignerState{
		Signer:               sg,
		Document:             documentView(doc),
		VerificationRequired: sg.VerificationRequired(doc),
		VerificationState:    verificationState(doc, sg, latest),
		LatestAttempt:        latest,
		Blocked:              blocked,
		DeviceBound:          sg.DeviceSessionToken != nil,
	}
	for _, b := range blockers {
		out.BlockedBy = append(out.BlockedBy, Blocker{ID: b.ID, Name: b.Name, SigningOrder: b.SigningOrder, Status: b.Status})
	}
	if localToken != "" {
		v := device.IsSessionValid(doc, sg, localToken, s.now())
		out.Session = &v
	}
	if out.VerificationRequired && sg.Status == models.SignerVerified && sg.VerifiedAt != nil {
		exp := sg.VerifiedAt.Add(device.SigningTTL)
		out.SigningExpiresAt = &exp
	}
	return out, nil
}

type AttemptState struct {
	Attempt      *models.VerificationAttempt `json:"attempt"`
	SignerStatus models.SignerStatus         `json:"signerStatus"`
	Outcome      verification.Outcome        `json:"outcome,omitempty"`
}

// GetLatestAttempt returns the signer's most recent attempt. With Refresh set
// it first pulls the provider decision for that attempt.
func (s *Service) GetLatestAttempt(ctx context.Context, req SessionRequest) (AttemptState, error) {
	_, sg, err := s.authorize(ctx, req.SignerID, req.SigningToken, req.DocumentID)
	if err != nil {
		return AttemptState{}, err
	}
	latest, err := s.latestAttempt(ctx, sg.ID)
	if err != nil || latest == nil {
		return AttemptState{Attempt: latest, SignerStatus: sg.Status}, err
	}
	out := AttemptState{Attempt: latest, SignerStatus: sg.Status}
	if !req.Refresh {
		return out, nil
	}
	res, err := s.machine.Resolve(ctx, *latest)
	if err != nil {
		return out, err
	}
	out.Outcome = res.Outcome
	if !res.Applied {
		return out, nil
	}
	if out.Attempt, err = s.latestAttempt(ctx, sg.ID); err != nil {
		return out, err
	}
	cur, err := s.st.GetSigner(ctx, sg.ID)
	if err != nil {
		return out, fmt.Errorf("reload signer: %w", err)
	}
	out.SignerStatus = cur.Status
	return out, nil
}

type SessionStarted struct {
	Attempt         models.VerificationAttempt `json:"attempt"`
	VerificationURL string                     `json:"verificationUrl"`
	Created         bool                       `json:"created"`
}

func (s *Service) CreateVerificationSession(ctx context.Context, req SessionRequest) (SessionStarted, error) {
	doc, sg, err := s.authorize(ctx, req.SignerID, req.SigningToken, req.DocumentID)
	if err != nil {
		return SessionStarted{}, err
	}
	if doc.Status.Closed() {
		return SessionStarted{}, errs.State(errs.ReasonDocumentClosed, "document is no longer open for signing")
	}
	a, created, err := s.machine.StartSession(ctx, doc, sg)
	if err != nil {
		return SessionStarted{}, err
	}
	out := SessionStarted{Attempt: a, Created: created}
	if a.VerificationURL != nil {
		out.VerificationURL = *a.VerificationURL
	}
	return out, nil
}

type DeviceBound struct {
	Bound  bool          `json:"bound"`
	Signer models.Signer `json:"signer"`
}

func (s *Service) BindDeviceSession(ctx context.Context, req SessionRequest) (DeviceBound, error) {
	_, sg, err := s.authorize(ctx, req.SignerID, req.SigningToken, req.DocumentID)
	if err != nil {
		return DeviceBound{}, err
	}
	if sg.Status == models.SignerSigned {
		return DeviceBound{}, errs.State(errs.ReasonAlreadySigned, "signer has already signed")
	}
	bound, err := s.devices.Bind(ctx, sg, strings.TrimSpace(req.DeviceSessionToken))
	if err != nil {
		return DeviceBound{}, err
	}
	return DeviceBound{Bound: true, Signer: bound}, nil
}

type VerificationReset struct {
	Signer          models.Signer `json:"signer"`
	ExpiredAttempts int64         `json:"expiredAttempts"`
}

func (s *Service) ResetVerification(ctx context.Context, req SessionRequest) (VerificationReset, error) {
	_, sg, err := s.authorize(ctx, req.SignerID, req.SigningToken, req.DocumentID)
	if err != nil {
		return VerificationReset{}, err
	}
	expired, err := s.devices.Reset(ctx, sg)
	if err != nil {
		return VerificationReset{}, err
	}
	cur, err := s.st.GetSigner(ctx, sg.ID)
	if err != nil {
		return VerificationReset{}, fmt.Errorf("reload signer: %w", err)
	}
	return VerificationReset{Signer: cur, ExpiredAttempts: expired}, nil
}

// SetSignerStatus accepts only the client's "verification started" event.
// Other statuses are owned by the verification flow.
func (s *Service) SetSignerStatus(ctx context.Context, req SessionRequest) (models.Signer, error) {
	_, sg, err := s.authorize(ctx, req.SignerID, req.SigningToken, req.DocumentID)
	if err != nil {
		return models.Signer{}, err
	}
	status, ok := models.ParseSignerStatus(req.Status)
	if !ok {
		return models.Signer{}, errs.Validation(errs.ReasonInvalidField, "status is not a signer status")
	}
	if status != models.SignerVerifying {
		return models.Signer{}, errs.Validation(errs.ReasonInvalidField, fmt.Sprintf("status %s cannot be set by the client", status))
	}
	return s.machine.MarkStarted(ctx, sg)
}

type SignOutcome struct {
	Signer            models.Signer         `json:"signer"`
	AlreadySigned     bool                  `json:"alreadySigned,omitempty"`
	DocumentStatus    models.DocumentStatus `json:"documentStatus"`
	DocumentCompleted bool                  `json:"documentCompleted"`
}

var signableWithoutVerification = []models.SignerStatus{
	models.SignerPending,
	models.SignerVerifying,
	models.SignerVerified,
	models.SignerVerificationFailed,
	models.SignerReviewApproved,
}

// MarkSigned records the signer's signature after every gate passes.
func (s *Service) MarkSigned(ctx context.Context, req SessionRequest) (SignOutcome, error) {
	doc, sg, err := s.authorize(ctx, req.SignerID, req.SigningToken, req.DocumentID)
	if err != nil {
		return SignOutcome{}, err
	}
	if sg.Status == models.SignerSigned {
		return SignOutcome{Signer: sg, AlreadySigned: true, DocumentStatus: doc.Status}, nil
	}
	now := s.now().UTC()
	if doc.Status.Closed() {
		return SignOutcome{}, errs.State(errs.ReasonDocumentClosed, "document is no longer open for signing")
	}
	if doc.SigningDeadline != nil && !now.Before(*doc.SigningDeadline) {
		return SignOutcome{}, errs.State(errs.ReasonDeadlinePassed, "the signing deadline has passed")
	}

	from := signableWithoutVerification
	if sg.VerificationRequired(doc) {
		if v := device.IsSessionValid(doc, sg, strings.TrimSpace(req.DeviceSessionToken), now); !v.Valid {
			return SignOutcome{}, errs.State(v.Reason, sessionMessage(v.Reason))
		}
		from = []models.SignerStatus{models.SignerVerified}
	}

	signers, err := s.st.ListSigners(ctx, doc.ID)
	if err != nil {
		return SignOutcome{}, fmt.Errorf("list signers: %w", err)
	}
	if blockers, blocked := signing.Blockers(signers, sg); blocked {
		names := make([]string, 0, len(blockers))
		for _, b := range blockers {
			names = append(names, b.Name)
		}
		return SignOutcome{}, errs.Conflict(errs.ReasonSigningOrderBlocked, "waiting for prior signers: "+strings.Join(names, ", "))
	}

	res, err := s.st.MarkSigned(ctx, sg, from, now, models.AuditEvent{
		DocumentID:  &doc.ID,
		SignerID:    &sg.ID,
		EventType:   models.EventSignerSigned,
		Description: "signer completed signing",
		ActorType:   models.ActorSigner,
		CreatedAt:   now,
	})
	if err != nil {
		return SignOutcome{}, fmt.Errorf("mark signed: %w", err)
	}
	cur, err := s.st.GetSigner(ctx, sg.ID)
	if err != nil {
		return SignOutcome{}, fmt.Errorf("reload signer: %w", err)
	}
	curDoc, err := s.st.GetDocument(ctx, doc.ID)
	if err != nil {
		return SignOutcome{}, fmt.Errorf("reload document: %w", err)
	}
	if !res.Signed {
		if cur.Status == models.SignerSigned {
			return SignOutcome{Signer: cur, AlreadySigned: true, DocumentStatus: curDoc.Status}, nil
		}
		return SignOutcome{}, errs.Conflict(errs.ReasonStatusTransition, fmt.Sprintf("signer cannot sign from %s", cur.Status))
	}
	s.log.Info("signer signed",
		zap.String("signer_id", sg.ID),
		zap.String("document_id", doc.ID),
		zap.Bool("document_completed", res.DocumentCompleted),
	)
	return SignOutcome{Signer: cur, DocumentStatus: curDoc.Status, DocumentCompleted: res.DocumentCompleted}, nil
}

func sessionMessage(reason string) string {
	switch reason {
	case errs.ReasonNotVerified:
		return "identity verification is not complete"
	case errs.ReasonTokenMissing:
		return "this browser has no verified session; restart verification"
	case errs.ReasonDeviceMismatch:
		return "verification was completed on another device; restart verification"
	case errs.ReasonTTLExpired:
		return "the signing window has expired; restart verification"
	}
	return "signing session is not valid"
}

type Redeemed struct {
	Signer          models.Signer `json:"signer"`
	AlreadyRedeemed bool          `json:"alreadyRedeemed,omitempty"`
}

// RedeemContinuityToken verifies the signer with the token from the approval
// email. A repeat of a redemption that already verified this signer is
// reported as success.
func (s *Service) RedeemContinuityToken(ctx context.Context, req SessionRequest) (Redeemed, error) {
	_, sg, err := s.authorize(ctx, req.SignerID, req.SigningToken, req.DocumentID)
	if err != nil {
		return Redeemed{}, err
	}
	r, err := s.tokens.Redeem(ctx, req.Token, sg.ID)
	if err == nil {
		return Redeemed{Signer: r.Signer}, nil
	}
	if !errs.HasReason(err, errs.ReasonTokenAlreadyUsed) {
		return Redeemed{}, err
	}
	cur, gerr := s.st.GetSigner(ctx, sg.ID)
	if gerr != nil {
		return Redeemed{}, fmt.Errorf("reload signer: %w", gerr)
	}
	if cur.Status != models.SignerVerified && cur.Status != models.SignerSigned {
		return Redeemed{}, err
	}
	return Redeemed{Signer: cur, AlreadyRedeemed: true}, nil
}
