// Package verification owns the signer verification status and the lifecycle
// of verification attempts. Callers submit events; the machine decides which
// conditional writes follow.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"signgate/internal/continuity"
	"signgate/internal/errs"
	"signgate/internal/idv"
	"signgate/internal/logging"
	"signgate/internal/models"
	"signgate/internal/notify"
	"signgate/internal/store"
)

const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// providerCallTimeout bounds a provider call shared by several callers.
const providerCallTimeout = 30 * time.Second

type Store interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	GetSigner(ctx context.Context, id string) (models.Signer, error)
	GetAttempt(ctx context.Context, id string) (models.VerificationAttempt, error)
	LatestAttempt(ctx context.Context, signerID string) (models.VerificationAttempt, error)
	CreateAttempt(ctx context.Context, a models.VerificationAttempt) error
	UpdateSigner(ctx context.Context, id string, from []models.SignerStatus, u store.SignerUpdate) (bool, error)
	ApplyTransition(ctx context.Context, t store.Transition) (store.TransitionResult, error)
	InsertAudit(ctx context.Context, ev models.AuditEvent) error
}

type Provider interface {
	CreateSession(ctx context.Context, req idv.SessionRequest) (idv.Session, error)
	GetDecision(ctx context.Context, sessionID string) (idv.Decision, error)
}

type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) (bool, error)
}

type TokenIssuer interface {
	Issue(now time.Time) (continuity.Token, error)
}

// Event is a provider occurrence for one attempt.
type Event struct {
	Type           string
	Status         string
	DecisionStatus string
	Reason         string
	Payload        []byte
	Source         string
}

func (e Event) outcome() Outcome {
	status := e.DecisionStatus
	if strings.TrimSpace(status) == "" {
		status = e.Status
	}
	return Classify(e.Type, status)
}

type Result struct {
	AttemptID     string               `json:"attempt_id"`
	Outcome       Outcome              `json:"outcome"`
	Applied       bool                 `json:"applied"`
	AttemptStatus models.AttemptStatus `json:"attempt_status"`
	SignerStatus  models.SignerStatus  `json:"signer_status,omitempty"`
	// Stale is set when the attempt is no longer the signer's latest.
	Stale bool `json:"stale,omitempty"`
	// ContinuityToken is set when this call issued a token.
	ContinuityToken string `json:"-"`
}

type Machine struct {
	st       Store
	provider Provider
	tokens   TokenIssuer
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
	flights  singleflight.Group
}

func NewMachine(st Store, provider Provider, tokens TokenIssuer, notifier Notifier, log *zap.Logger) *Machine {
	return &Machine{
		st:       st,
		provider: provider,
		tokens:   tokens,
		notifier: notifier,
		log:      logging.OrNop(log).Named("verification"),
		now:      time.Now,
	}
}

var (
	openAttempt      = []models.AttemptStatus{models.AttemptPending, models.AttemptInProgress}
	reviewableSigner = []models.SignerStatus{models.SignerPending, models.SignerVerifying, models.SignerVerificationFailed}
	activeSigner     = []models.SignerStatus{models.SignerPending, models.SignerVerifying}
)

// plan is the set of writes and side effects for one transition.
type plan struct {
	attemptFrom []models.AttemptStatus
	attempt     store.AttemptUpdate
	signerFrom  []models.SignerStatus
	signer      *store.SignerUpdate
	eventType   string
	description string
	notify      []notify.Kind
	token       string
}

// Apply runs the transition selected by ev against attempt a. Replays and
// out-of-order events that the attempt has already moved past are no-ops.
func (m *Machine) Apply(ctx context.Context, a models.VerificationAttempt, ev Event) (Result, error) {
	outcome := ev.outcome()
	res := Result{AttemptID: a.ID, Outcome: outcome, AttemptStatus: a.Status}
	if a.Status.Terminal() {
		return res, nil
	}
	now := m.now().UTC()

	p, ok, err := m.plan(a, outcome, ev, now)
	if err != nil || !ok {
		return res, err
	}

	latest, err := m.st.LatestAttempt(ctx, a.SignerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("load latest attempt: %w", err)
	}
	res.Stale = err == nil && latest.ID != a.ID

	t := store.Transition{
		AttemptID:   a.ID,
		AttemptFrom: p.attemptFrom,
		Attempt:     p.attempt,
		SignerID:    a.SignerID,
		Audit: &models.AuditEvent{
			DocumentID:  &a.DocumentID,
			SignerID:    &a.SignerID,
			AttemptID:   &a.ID,
			EventType:   p.eventType,
			Description: p.description,
			ActorType:   models.ActorSystem,
			Payload:     auditPayload(ev, outcome),
			CreatedAt:   now,
		},
	}
	if !res.Stale {
		t.SignerFrom = p.signerFrom
		t.Signer = p.signer
	}
	tr, err := m.st.ApplyTransition(ctx, t)
	if err != nil {
		return res, fmt.Errorf("apply %s transition: %w", outcome, err)
	}
	if !tr.AttemptMoved {
		m.log.Debug("transition already applied",
			zap.String("attempt_id", a.ID), zap.String("outcome", string(outcome)), zap.String("source", ev.Source))
		return res, nil
	}
	res.Applied = true
	res.AttemptStatus = p.attempt.Status
	res.ContinuityToken = p.token
	if tr.SignerMoved {
		res.SignerStatus = p.signer.Status
	}
	m.log.Info("verification transition",
		zap.String("attempt_id", a.ID),
		zap.String("signer_id", a.SignerID),
		zap.String("from", string(a.Status)),
		zap.String("to", string(p.attempt.Status)),
		zap.String("signer_status", string(res.SignerStatus)),
		zap.String("source", ev.Source),
		zap.Bool("stale", res.Stale),
	)
	if !res.Stale {
		m.sendNotifications(ctx, a, p, ev)
	}
	return res, nil
}

func (m *Machine) plan(a models.VerificationAttempt, outcome Outcome, ev Event, now time.Time) (plan, bool, error) {
	payload := payloadPtr(ev.Payload)
	switch outcome {
	case OutcomeInProgress:
		if a.Status != models.AttemptPending {
			return plan{}, false, nil
		}
		return plan{
			attemptFrom: []models.AttemptStatus{models.AttemptPending},
			attempt:     store.AttemptUpdate{Status: models.AttemptInProgress, ProviderPayload: payload, At: now},
			signerFrom:  []models.SignerStatus{models.SignerPending},
			signer:      &store.SignerUpdate{Status: models.SignerVerifying, At: now},
			eventType:   models.EventVerificationStarted,
			description: "identity verification in progress",
		}, true, nil

	case OutcomeInReview:
		if a.Status != models.AttemptPending && a.Status != models.AttemptInProgress {
			return plan{}, false, nil
		}
		tok, err := m.tokens.Issue(now)
		if err != nil {
			return plan{}, false, err
		}
		return plan{
			attemptFrom: openAttempt,
			attempt: store.AttemptUpdate{
				Status:                   models.AttemptInReview,
				MarkInReview:             true,
				ContinuityToken:          &tok.Value,
				ContinuityTokenExpiresAt: &tok.ExpiresAt,
				ProviderPayload:          payload,
				At:                       now,
			},
			signerFrom:  reviewableSigner,
			signer:      &store.SignerUpdate{Status: models.SignerVerifying, At: now},
			eventType:   models.EventVerificationInReview,
			description: "identity verification sent to manual review",
			notify:      []notify.Kind{notify.KindReviewPending, notify.KindReviewPendingCreator},
			token:       tok.Value,
		}, true, nil

	case OutcomeApproved:
		if a.Status == models.AttemptInReview {
			tok := continuity.Token{}
			if continuity.Reusable(a, now) {
				tok = continuity.Token{Value: *a.ContinuityToken, ExpiresAt: *a.ContinuityTokenExpiresAt}
			} else {
				var err error
				if tok, err = m.tokens.Issue(now); err != nil {
					return plan{}, false, err
				}
			}
			return plan{
				attemptFrom: []models.AttemptStatus{models.AttemptInReview},
				attempt: store.AttemptUpdate{
					Status:                   models.AttemptReviewApproved,
					ContinuityToken:          &tok.Value,
					ContinuityTokenExpiresAt: &tok.ExpiresAt,
					ProviderPayload:          payload,
					At:                       now,
				},
				signerFrom:  reviewableSigner,
				signer:      &store.SignerUpdate{Status: models.SignerReviewApproved, ClearVerifiedAt: true, At: now},
				eventType:   models.EventReviewApproved,
				description: "manual review approved",
				notify:      []notify.Kind{notify.KindReviewApproved},
				token:       tok.Value,
			}, true, nil
		}
		if a.Status != models.AttemptPending && a.Status != models.AttemptInProgress {
			return plan{}, false, nil
		}
		return plan{
			attemptFrom: openAttempt,
			attempt:     store.AttemptUpdate{Status: models.AttemptSuccess, ProviderPayload: payload, Completed: true, At: now},
			signerFrom:  reviewableSigner,
			signer:      &store.SignerUpdate{Status: models.SignerVerified, VerifiedAt: &now, At: now},
			eventType:   models.EventVerificationApproved,
			description: "identity verification approved",
		}, true, nil

	case OutcomeDeclined:
		if a.Status != models.AttemptPending && a.Status != models.AttemptInProgress && a.Status != models.AttemptInReview {
			return plan{}, false, nil
		}
		reason := strings.TrimSpace(ev.Reason)
		if reason == "" {
			reason = "declined"
		}
		return plan{
			attemptFrom: []models.AttemptStatus{models.AttemptPending, models.AttemptInProgress, models.AttemptInReview},
			attempt:     store.AttemptUpdate{Status: models.AttemptFailed, FailureReason: &reason, ProviderPayload: payload, Completed: true, At: now},
			signerFrom:  activeSigner,
			signer:      &store.SignerUpdate{Status: models.SignerVerificationFailed, At: now},
			eventType:   models.EventVerificationDeclined,
			description: "identity verification declined",
			notify:      []notify.Kind{notify.KindVerificationFailed},
		}, true, nil

	case OutcomeAbandoned:
		if a.Status != models.AttemptPending && a.Status != models.AttemptInProgress {
			return plan{}, false, nil
		}
		reason := "abandoned"
		return plan{
			attemptFrom: openAttempt,
			attempt:     store.AttemptUpdate{Status: models.AttemptExpired, FailureReason: &reason, ProviderPayload: payload, Completed: true, At: now},
			signerFrom:  activeSigner,
			signer:      &store.SignerUpdate{Status: models.SignerVerificationFailed, At: now},
			eventType:   models.EventVerificationExpired,
			description: "identity verification abandoned or expired",
		}, true, nil
	}
	return plan{}, false, fmt.Errorf("unknown outcome %q", outcome)
}

// sendNotifications never fails the transition; outcomes land in the audit ledger.
func (m *Machine) sendNotifications(ctx context.Context, a models.VerificationAttempt, p plan, ev Event) {
	if len(p.notify) == 0 || m.notifier == nil {
		return
	}
	doc, err := m.st.GetDocument(ctx, a.DocumentID)
	if err != nil {
		m.log.Error("load document for notification", zap.String("document_id", a.DocumentID), zap.Error(err))
		return
	}
	sg, err := m.st.GetSigner(ctx, a.SignerID)
	if err != nil {
		m.log.Error("load signer for notification", zap.String("signer_id", a.SignerID), zap.Error(err))
		return
	}
	for _, kind := range p.notify {
		n := notify.Notification{Kind: kind, Document: doc, Signer: sg, AttemptID: a.ID, Reason: ev.Reason}
		if kind == notify.KindReviewApproved {
			n.ContinuityToken = p.token
		}
		if _, err := m.notifier.Notify(ctx, n); err != nil {
			m.log.Error("notification failed", zap.String("kind", string(kind)), zap.String("signer_id", sg.ID), zap.Error(err))
		}
	}
}

// Resolve pulls the provider decision for a and applies it. Unresolved
// decisions cause no writes, so callers may poll freely.
func (m *Machine) Resolve(ctx context.Context, a models.VerificationAttempt) (Result, error) {
	res := Result{AttemptID: a.ID, AttemptStatus: a.Status, Outcome: OutcomeInProgress}
	if a.Status.Terminal() || a.Status == models.AttemptReviewApproved {
		return res, nil
	}
	v, err := m.shared(ctx, "poll:"+a.ProviderSessionID, func(ctx context.Context) (any, error) {
		return m.provider.GetDecision(ctx, a.ProviderSessionID)
	})
	if err != nil {
		return res, err
	}
	d := v.(idv.Decision)
	outcome := ClassifyStatus(d.Status)
	res.Outcome = outcome
	if !outcome.Resolved() {
		return res, nil
	}
	cur, err := m.st.GetAttempt(ctx, a.ID)
	if err != nil {
		return res, fmt.Errorf("reload attempt: %w", err)
	}
	return m.Apply(ctx, cur, Event{Status: d.Status, Reason: d.Reason, Payload: d.Raw, Source: SourcePoll})
}

// shared runs fn once per key across concurrent callers. fn gets a context
// that outlives any single caller, so one caller leaving does not fail the
// others or abandon writes half done.
func (m *Machine) shared(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := m.flights.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), providerCallTimeout)
		defer cancel()
		return fn(callCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

type started struct {
	attempt models.VerificationAttempt
	created bool
}

// StartSession creates a provider session for the signer, or returns the open
// one. The bool reports whether a new attempt was created. Concurrent calls for
// one signer share a single provider session.
func (m *Machine) StartSession(ctx context.Context, doc models.Document, sg models.Signer) (models.VerificationAttempt, bool, error) {
	if sg.Status == models.SignerSigned {
		return models.VerificationAttempt{}, false, errs.State(errs.ReasonAlreadySigned, "signer has already signed")
	}
	if !sg.VerificationRequired(doc) {
		return models.VerificationAttempt{}, false, errs.State(errs.ReasonNotRequired, "identity verification is not required")
	}
	v, err := m.shared(ctx, "start:"+sg.ID, func(ctx context.Context) (any, error) {
		a, created, err := m.startSession(ctx, sg)
		return started{attempt: a, created: created}, err
	})
	if err != nil {
		return models.VerificationAttempt{}, false, err
	}
	r := v.(started)
	return r.attempt, r.created, nil
}

func (m *Machine) startSession(ctx context.Context, sg models.Signer) (models.VerificationAttempt, bool, error) {
	cur, err := m.st.GetSigner(ctx, sg.ID)
	if err != nil {
		return models.VerificationAttempt{}, false, fmt.Errorf("reload signer: %w", err)
	}
	sg = cur
	if sg.Status == models.SignerSigned {
		return models.VerificationAttempt{}, false, errs.State(errs.ReasonAlreadySigned, "signer has already signed")
	}
	latest, err := m.st.LatestAttempt(ctx, sg.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return models.VerificationAttempt{}, false, fmt.Errorf("load latest attempt: %w", err)
	default:
		switch latest.Status {
		case models.AttemptPending, models.AttemptInProgress:
			if latest.VerificationURL != nil && sg.Status != models.SignerVerified {
				return latest, false, nil
			}
		case models.AttemptInReview, models.AttemptReviewApproved:
			return models.VerificationAttempt{}, false, errs.Conflict(errs.ReasonVerificationActive, "verification is under review")
		}
	}
	if sg.Status == models.SignerVerified || sg.Status == models.SignerReviewApproved {
		return models.VerificationAttempt{}, false, errs.Conflict(errs.ReasonStatusTransition, "reset verification before starting again")
	}

	sess, err := m.provider.CreateSession(ctx, idv.SessionRequest{VendorData: sg.ID, Email: sg.Email, ExpectedName: sg.Name})
	if err != nil {
		return models.VerificationAttempt{}, false, err
	}
	now := m.now().UTC()
	a := models.VerificationAttempt{
		ID:                uuid.NewString(),
		SignerID:          sg.ID,
		DocumentID:        sg.DocumentID,
		ProviderSessionID: sess.SessionID,
		VerificationURL:   &sess.URL,
		Status:            models.AttemptPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.st.CreateAttempt(ctx, a); err != nil {
		return models.VerificationAttempt{}, false, fmt.Errorf("create attempt: %w", err)
	}
	if _, err := m.st.UpdateSigner(ctx, sg.ID, reviewableSigner, store.SignerUpdate{Status: models.SignerVerifying, At: now}); err != nil {
		return models.VerificationAttempt{}, false, fmt.Errorf("mark signer verifying: %w", err)
	}
	if err := m.st.InsertAudit(ctx, models.AuditEvent{
		DocumentID:  &sg.DocumentID,
		SignerID:    &sg.ID,
		AttemptID:   &a.ID,
		EventType:   models.EventSessionCreated,
		Description: "identity verification session created",
		ActorType:   models.ActorSigner,
		CreatedAt:   now,
	}); err != nil {
		return models.VerificationAttempt{}, false, fmt.Errorf("audit session created: %w", err)
	}
	m.log.Info("verification session created", zap.String("signer_id", sg.ID), zap.String("attempt_id", a.ID))
	return a, true, nil
}

// MarkStarted records that the client opened the verification flow.
func (m *Machine) MarkStarted(ctx context.Context, sg models.Signer) (models.Signer, error) {
	if sg.Status == models.SignerVerifying {
		return sg, nil
	}
	now := m.now().UTC()
	ok, err := m.st.UpdateSigner(ctx, sg.ID,
		[]models.SignerStatus{models.SignerPending, models.SignerVerificationFailed},
		store.SignerUpdate{Status: models.SignerVerifying, At: now},
	)
	if err != nil {
		return models.Signer{}, fmt.Errorf("mark signer verifying: %w", err)
	}
	cur, err := m.st.GetSigner(ctx, sg.ID)
	if err != nil {
		return models.Signer{}, fmt.Errorf("reload signer: %w", err)
	}
	if !ok && cur.Status != models.SignerVerifying {
		return cur, errs.Conflict(errs.ReasonStatusTransition, fmt.Sprintf("cannot start verification from %s", cur.Status))
	}
	if ok {
		if err := m.st.InsertAudit(ctx, models.AuditEvent{
			DocumentID:  &sg.DocumentID,
			SignerID:    &sg.ID,
			EventType:   models.EventVerificationStarted,
			Description: "signer started identity verification",
			ActorType:   models.ActorSigner,
			CreatedAt:   now,
		}); err != nil {
			return cur, fmt.Errorf("audit verification started: %w", err)
		}
	}
	return cur, nil
}

func payloadPtr(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func auditPayload(ev Event, o Outcome) string {
	b, err := json.Marshal(map[string]string{
		"source":     ev.Source,
		"event_type": ev.Type,
		"status":     firstNonEmpty(ev.DecisionStatus, ev.Status),
		"outcome":    string(o),
	})
	if err != nil {
		return ""
	}
	return string(b)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
