package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signgate/internal/continuity"
	"signgate/internal/models"
	"signgate/internal/notify"
	"signgate/internal/signature"
	"signgate/internal/store"
	"signgate/internal/store/storetest"
	"signgate/internal/verification"
)

const secret = "whsec_identity"

type identityFixture struct {
	st      *store.Store
	handler *Identity
	signer  models.Signer
	attempt models.VerificationAttempt
}

func newIdentityFixture(t *testing.T, secret string, attemptStatus models.AttemptStatus) identityFixture {
	t.Helper()
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{Name: "Ada", Email: "ada@example.com", Status: models.SignerVerifying})
	a := storetest.SeedAttempt(t, st, signers[0], attemptStatus, time.Now().Add(-time.Minute))
	notifier := notify.NewNotifier(st, notify.LogSender{}, "https://sign.example", nil)
	m := verification.NewMachine(st, nil, continuity.NewManager(st, nil), notifier, nil)
	return identityFixture{
		st:      st,
		handler: NewIdentity(st, m, signature.NewVerifier(secret, false), true, nil),
		signer:  signers[0],
		attempt: a,
	}
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	canonical, err := signature.CanonicalJSON([]byte(body))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/identity", strings.NewReader(body))
	req.Header.Set(signature.HeaderV2, signature.Sign(secret, canonical))
	req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	return req
}

func serve(h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func identityBody(sessionID, event, status string) string {
	b, _ := json.Marshal(map[string]any{
		"webhook_type": event,
		"data":         map[string]any{"session_id": sessionID, "status": status},
	})
	return string(b)
}

func TestIdentityRejectsMalformedJSON(t *testing.T) {
	f := newIdentityFixture(t, secret, models.AttemptInProgress)
	rr, out := serve(f.handler, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json")))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_json", out["code"])
}

func TestIdentityRejectsBadSignature(t *testing.T) {
	f := newIdentityFixture(t, secret, models.AttemptInProgress)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(identityBody(f.attempt.ProviderSessionID, "status.updated", "Approved")))
	req.Header.Set(signature.HeaderLegacy, "deadbeef")

	rr, out := serve(f.handler, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, signature.ReasonInvalidSignature, out["code"])

	got, err := f.st.GetAttempt(context.Background(), f.attempt.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptInProgress, got.Status)
}

func TestIdentityOrphanedSessionAcknowledged(t *testing.T) {
	f := newIdentityFixture(t, secret, models.AttemptInProgress)
	rr, out := serve(f.handler, signedRequest(t, identityBody("unknown-session", "status.updated", "Approved")))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ignored", out["status"])
	require.Equal(t, "session_not_found", out["reason"])
}

func TestIdentityUnknownEventFallsBackToStatus(t *testing.T) {
	f := newIdentityFixture(t, secret, models.AttemptInProgress)
	rr, out := serve(f.handler, signedRequest(t, identityBody(f.attempt.ProviderSessionID, "something.new", "Approved")))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, out["applied"])

	sg, err := f.st.GetSigner(context.Background(), f.signer.ID)
	require.NoError(t, err)
	require.Equal(t, models.SignerVerified, sg.Status)
}

func TestIdentityDecisionStatusTakesPrecedence(t *testing.T) {
	f := newIdentityFixture(t, secret, models.AttemptInProgress)
	body := `{"webhook_type":"status.updated","data":{"session_id":"` + f.attempt.ProviderSessionID + `","status":"Approved"},"decision":{"status":"Declined","reason":"doc_expired"}}`
	rr, _ := serve(f.handler, signedRequest(t, body))
	require.Equal(t, http.StatusOK, rr.Code)

	got, err := f.st.GetAttempt(context.Background(), f.attempt.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptFailed, got.Status)
	require.Equal(t, "doc_expired", *got.FailureReason)
}

func TestIdentityApprovedAfterReviewIsIdempotent(t *testing.T) {
	f := newIdentityFixture(t, secret, models.AttemptInProgress)
	ctx := context.Background()

	rr, _ := serve(f.handler, signedRequest(t, identityBody(f.attempt.ProviderSessionID, "status.updated", "In Review")))
	require.Equal(t, http.StatusOK, rr.Code)
	inReview, err := f.st.GetAttempt(ctx, f.attempt.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptInReview, inReview.Status)
	require.NotNil(t, inReview.ContinuityToken)
	require.WithinDuration(t, time.Now().Add(continuity.TokenTTL), *inReview.ContinuityTokenExpiresAt, time.Minute)

	approved := identityBody(f.attempt.ProviderSessionID, "status.updated", "Approved")
	for i := 0; i < 2; i++ {
		rr, _ = serve(f.handler, signedRequest(t, approved))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	got, err := f.st.GetAttempt(ctx, f.attempt.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptReviewApproved, got.Status)
	require.Equal(t, *inReview.ContinuityToken, *got.ContinuityToken)

	n, err := f.st.CountAuditEvents(ctx, f.signer.ID, notify.SentEventType(notify.KindReviewApproved))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = f.st.CountAuditEvents(ctx, f.signer.ID, models.EventReviewApproved)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIdentityUnverifiedModeRecordsAudit(t *testing.T) {
	f := newIdentityFixture(t, "", models.AttemptPending)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(identityBody(f.attempt.ProviderSessionID, "status.updated", "In Progress")))
	rr, _ := serve(f.handler, req)
	require.Equal(t, http.StatusOK, rr.Code)

	n, err := f.st.CountAuditEvents(context.Background(), f.signer.ID, models.EventWebhookUnverified)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type failingApplier struct{}

func (failingApplier) Apply(ctx context.Context, a models.VerificationAttempt, ev verification.Event) (verification.Result, error) {
	return verification.Result{}, errors.New("database is locked")
}

func TestIdentityPersistenceFailure(t *testing.T) {
	f := newIdentityFixture(t, secret, models.AttemptInProgress)
	body := identityBody(f.attempt.ProviderSessionID, "status.updated", "Approved")

	acking := NewIdentity(f.st, failingApplier{}, signature.NewVerifier(secret, false), true, nil)
	rr, out := serve(acking, signedRequest(t, body))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "error", out["status"])

	strict := NewIdentity(f.st, failingApplier{}, signature.NewVerifier(secret, false), false, nil)
	rr, _ = serve(strict, signedRequest(t, body))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

const signingSecret = "documenso-secret"

func seedEnvelope(t *testing.T, st *store.Store, specs ...storetest.SignerSpec) (models.Document, []models.Signer) {
	t.Helper()
	doc := storetest.Document(false)
	env := "env-42"
	doc.EnvelopeID = &env
	return storetest.SeedDocument(t, st, doc, specs...)
}

func signingRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/signing", strings.NewReader(body))
	req.Header.Set(HeaderSigningSecret, signingSecret)
	return req
}

func TestSigningWebhookMarksRecipientsAndCompletes(t *testing.T) {
	st := storetest.New(t)
	doc, signers := seedEnvelope(t, st,
		storetest.SignerSpec{Email: "a@example.com", RecipientID: "11"},
		storetest.SignerSpec{Email: "b@example.com", Order: 2},
	)
	h := NewSigning(st, signingSecret, false, true, nil)
	ctx := context.Background()

	rr, out := serve(h, signingRequest(`{"event":"DOCUMENT_SIGNED","payload":{"id":"env-42","recipients":[{"id":11,"email":"a@example.com","signingStatus":"SIGNED"},{"id":12,"email":"b@example.com","signingStatus":"NOT_SIGNED"}]}}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 1, out["signed"])

	first, err := st.GetSigner(ctx, signers[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.SignerSigned, first.Status)
	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentInProgress, got.Status)

	rr, out = serve(h, signingRequest(`{"event":"DOCUMENT_COMPLETED","payload":{"id":"env-42","recipients":[{"id":11,"signed":true},{"email":"B@example.com","signingStatus":"SIGNED"}]}}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 1, out["signed"])
	require.Equal(t, string(models.DocumentCompleted), out["document_status"])

	got, err = st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestSigningWebhookCancels(t *testing.T) {
	st := storetest.New(t)
	doc, _ := seedEnvelope(t, st, storetest.SignerSpec{})
	h := NewSigning(st, signingSecret, false, true, nil)

	rr, _ := serve(h, signingRequest(`{"event":"DOCUMENT_REJECTED","payload":{"id":"env-42"}}`))
	require.Equal(t, http.StatusOK, rr.Code)
	got, err := st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentCancelled, got.Status)
}

func TestSigningWebhookAuthentication(t *testing.T) {
	st := storetest.New(t)
	seedEnvelope(t, st, storetest.SignerSpec{})
	h := NewSigning(st, signingSecret, false, true, nil)
	body := `{"event":"DOCUMENT_OPENED","payload":{"id":"env-42"}}`

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(HeaderSigningSecret, "wrong")
	rr, _ := serve(h, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(signature.HeaderLegacy, "sha256="+signature.Sign(signingSecret, []byte(body)))
	rr, _ = serve(h, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, out := serve(h, signingRequest(`{"event":"DOCUMENT_SIGNED","payload":{"id":"env-missing"}}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "document_not_found", out["reason"])
}
