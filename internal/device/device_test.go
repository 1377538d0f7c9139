package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signgate/internal/errs"
	"signgate/internal/models"
	"signgate/internal/store/storetest"
)

func TestIsSessionValidPrecedence(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	doc := models.Document{RequiresIdentityVerification: true}
	verifiedAt := now.Add(-time.Minute)
	bound := "device-a"

	base := models.Signer{Status: models.SignerVerified, VerifiedAt: &verifiedAt, DeviceSessionToken: &bound}
	expired := now.Add(-time.Hour)

	cases := []struct {
		name   string
		mutate func(s *models.Signer)
		local  string
		reason string
	}{
		{"valid", func(s *models.Signer) {}, "device-a", ""},
		{"not verified wins over mismatch", func(s *models.Signer) { s.Status = models.SignerVerifying }, "device-b", errs.ReasonNotVerified},
		{"review approved is not verified", func(s *models.Signer) { s.Status = models.SignerReviewApproved }, "device-a", errs.ReasonNotVerified},
		{"missing local token", func(s *models.Signer) {}, "", errs.ReasonTokenMissing},
		{"missing bound token", func(s *models.Signer) { s.DeviceSessionToken = nil }, "device-a", errs.ReasonTokenMissing},
		{"mismatch wins over ttl", func(s *models.Signer) { s.VerifiedAt = &expired }, "device-b", errs.ReasonDeviceMismatch},
		{"ttl expired", func(s *models.Signer) { s.VerifiedAt = &expired }, "device-a", errs.ReasonTTLExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sg := base
			tc.mutate(&sg)
			v := IsSessionValid(doc, sg, tc.local, now)
			require.Equal(t, tc.reason == "", v.Valid)
			require.Equal(t, tc.reason, v.Reason)
		})
	}
}

func TestIsSessionValidTTLBoundary(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tok := "device-a"
	doc := models.Document{RequiresIdentityVerification: true}
	sg := models.Signer{Status: models.SignerVerified, VerifiedAt: &t0, DeviceSessionToken: &tok}

	require.True(t, IsSessionValid(doc, sg, tok, t0.Add(SigningTTL-time.Millisecond)).Valid)
	require.Equal(t, errs.ReasonTTLExpired, IsSessionValid(doc, sg, tok, t0.Add(SigningTTL)).Reason)
	require.Equal(t, errs.ReasonTTLExpired, IsSessionValid(doc, sg, tok, t0.Add(SigningTTL+time.Millisecond)).Reason)
}

func TestIsSessionValidWhenVerificationNotRequired(t *testing.T) {
	long := time.Now().Add(-24 * time.Hour)
	other := "device-z"
	off := false
	signers := []models.Signer{
		{Status: models.SignerPending},
		{Status: models.SignerVerificationFailed, VerifiedAt: &long, DeviceSessionToken: &other},
	}
	for _, sg := range signers {
		require.True(t, IsSessionValid(models.Document{}, sg, "mine", time.Now()).Valid)

		sg.RequiresVerification = &off
		require.True(t, IsSessionValid(models.Document{RequiresIdentityVerification: true}, sg, "", time.Now()).Valid)
	}
}

func TestBindIsIdempotentAndRejectsOtherTokens(t *testing.T) {
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{Status: models.SignerVerified})
	b := NewBinder(st, nil)
	ctx := context.Background()

	sg, err := b.Bind(ctx, signers[0], "device-a")
	require.NoError(t, err)
	require.Equal(t, "device-a", *sg.DeviceSessionToken)

	_, err = b.Bind(ctx, sg, "device-a")
	require.NoError(t, err)

	_, err = b.Bind(ctx, sg, "device-b")
	require.True(t, errs.HasReason(err, errs.ReasonDeviceAlreadyBound), "got %v", err)
	require.Equal(t, 409, errs.HTTPStatus(err))

	n, err := st.CountAuditEvents(ctx, sg.ID, models.EventDeviceBound)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestConcurrentBindHasSingleWinner(t *testing.T) {
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{Status: models.SignerVerified})
	b := NewBinder(st, nil)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, tok := range []string{"device-a", "device-b"} {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			_, results[i] = b.Bind(context.Background(), signers[0], tok)
		}(i, tok)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errs.HasReason(err, errs.ReasonDeviceAlreadyBound):
			conflict++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflict)
}

func TestResetClearsBindingAndExpiresAttempts(t *testing.T) {
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{Status: models.SignerVerified})
	b := NewBinder(st, nil)
	ctx := context.Background()

	sg, err := b.Bind(ctx, signers[0], "device-a")
	require.NoError(t, err)
	a := storetest.SeedAttempt(t, st, sg, models.AttemptInReview, time.Now())

	expired, err := b.Reset(ctx, sg)
	require.NoError(t, err)
	require.EqualValues(t, 1, expired)

	got, err := st.GetSigner(ctx, sg.ID)
	require.NoError(t, err)
	require.Equal(t, models.SignerPending, got.Status)
	require.Nil(t, got.DeviceSessionToken)
	require.Nil(t, got.VerifiedAt)

	att, err := st.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptExpired, att.Status)

	_, err = b.Bind(ctx, got, "device-b")
	require.NoError(t, err)
}

func TestResetRefusesSignedSigner(t *testing.T) {
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{Status: models.SignerSigned})

	_, err := NewBinder(st, nil).Reset(context.Background(), signers[0])
	require.True(t, errs.HasReason(err, errs.ReasonAlreadySigned))
}
