package continuity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"signgate/internal/errs"
	"signgate/internal/models"
	"signgate/internal/store"
	"signgate/internal/store/storetest"
)

type fixture struct {
	st     *store.Store
	m      *Manager
	signer models.Signer
	now    time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{Status: models.SignerReviewApproved})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(st, nil)
	m.now = func() time.Time { return now }
	return fixture{st: st, m: m, signer: signers[0], now: now}
}

func (f fixture) attempt(t *testing.T, status models.AttemptStatus, token string, expires time.Time) models.VerificationAttempt {
	t.Helper()
	a := models.VerificationAttempt{
		ID:                       uuid.NewString(),
		SignerID:                 f.signer.ID,
		DocumentID:               f.signer.DocumentID,
		ProviderSessionID:        "sess-" + uuid.NewString(),
		Status:                   status,
		WasInReview:              true,
		ContinuityToken:          &token,
		ContinuityTokenExpiresAt: &expires,
		CreatedAt:                f.now.Add(-time.Hour),
		UpdatedAt:                f.now.Add(-time.Hour),
	}
	require.NoError(t, f.st.CreateAttempt(context.Background(), a))
	return a
}

func TestIssueSetsFortyEightHourExpiry(t *testing.T) {
	f := newFixture(t)
	tok, err := f.m.Issue(f.now)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Value)
	require.Equal(t, f.now.Add(48*time.Hour), tok.ExpiresAt)
}

func TestRedeemVerifiesSignerExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.attempt(t, models.AttemptReviewApproved, "tok-1", f.now.Add(time.Hour))

	r, err := f.m.Redeem(ctx, "tok-1", f.signer.ID)
	require.NoError(t, err)
	require.Equal(t, models.SignerVerified, r.Signer.Status)
	require.NotNil(t, r.Signer.VerifiedAt)
	require.True(t, f.now.Equal(*r.Signer.VerifiedAt))
	require.Equal(t, models.AttemptSuccess, r.Attempt.Status)

	f.m.now = func() time.Time { return f.now.Add(time.Minute) }
	_, err = f.m.Redeem(ctx, "tok-1", f.signer.ID)
	require.True(t, errs.HasReason(err, errs.ReasonTokenAlreadyUsed), "got %v", err)

	sg, err := f.st.GetSigner(ctx, f.signer.ID)
	require.NoError(t, err)
	require.True(t, f.now.Equal(*sg.VerifiedAt))

	stored, err := f.st.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ContinuityTokenUsedAt)
	n, err := f.st.CountAuditEvents(ctx, f.signer.ID, models.EventContinuityRedeemed)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRedeemFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.attempt(t, models.AttemptReviewApproved, "expired", f.now.Add(-time.Second))
	f.attempt(t, models.AttemptInReview, "in-review", f.now.Add(time.Hour))
	f.attempt(t, models.AttemptReviewApproved, "boundary", f.now)

	cases := []struct {
		token, signer, reason string
	}{
		{"nope", f.signer.ID, errs.ReasonInvalidToken},
		{"in-review", "someone-else", errs.ReasonInvalidToken},
		{"expired", f.signer.ID, errs.ReasonTokenExpired},
		{"boundary", f.signer.ID, errs.ReasonTokenExpired},
		{"in-review", f.signer.ID, errs.ReasonNotApproved},
	}
	for _, tc := range cases {
		_, err := f.m.Redeem(ctx, tc.token, tc.signer)
		require.True(t, errs.HasReason(err, tc.reason), "token %s: got %v", tc.token, err)
	}

	_, err := f.m.Redeem(ctx, "  ", f.signer.ID)
	require.True(t, errs.HasReason(err, errs.ReasonMissingField))
}

func TestReusable(t *testing.T) {
	now := time.Now()
	tok := "t"
	later := now.Add(time.Hour)
	a := models.VerificationAttempt{ContinuityToken: &tok, ContinuityTokenExpiresAt: &later}
	require.True(t, Reusable(a, now))
	a.ContinuityTokenUsedAt = &now
	require.False(t, Reusable(a, now))
	require.False(t, Reusable(models.VerificationAttempt{}, now))
}
