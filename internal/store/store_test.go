package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signgate/internal/models"
	"signgate/internal/store"
	"signgate/internal/store/storetest"
)

func TestRebindUsesDollarPlaceholdersForPgx(t *testing.T) {
	st := store.New(nil, "pgx")
	require.Equal(t, "SELECT 1 WHERE a=$1 AND b IN ($2,$3)", store.RebindForTest(st, "SELECT 1 WHERE a=? AND b IN (?,?)"))
	lite := store.New(nil, "sqlite")
	require.Equal(t, "a=?", store.RebindForTest(lite, "a=?"))
}

func TestListSignersOrdersByOrderThenInsertion(t *testing.T) {
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true,
		storetest.SignerSpec{Name: "c", Order: 2},
		storetest.SignerSpec{Name: "a", Order: 1},
		storetest.SignerSpec{Name: "b", Order: 1},
	)
	got, err := st.ListSigners(context.Background(), signers[0].DocumentID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{got[0].Name, got[1].Name, got[2].Name})
}

func TestUpdateSignerIsConditional(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{})
	now := time.Now().UTC()

	ok, err := st.UpdateSigner(ctx, signers[0].ID, []models.SignerStatus{models.SignerVerified},
		store.SignerUpdate{Status: models.SignerSigned, At: now})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = st.UpdateSigner(ctx, signers[0].ID, []models.SignerStatus{models.SignerPending},
		store.SignerUpdate{Status: models.SignerVerified, VerifiedAt: &now, At: now})
	require.NoError(t, err)
	require.True(t, ok)

	sg, err := st.GetSigner(ctx, signers[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.SignerVerified, sg.Status)
	require.NotNil(t, sg.VerifiedAt)
	require.WithinDuration(t, now, *sg.VerifiedAt, time.Millisecond)
}

func TestBindDeviceTokenCompareAndSet(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{})
	id := signers[0].ID

	_, err := st.BindDeviceToken(ctx, id, "device-a", time.Now())
	require.NoError(t, err)
	_, err = st.BindDeviceToken(ctx, id, "device-a", time.Now())
	require.NoError(t, err)
	_, err = st.BindDeviceToken(ctx, id, "device-b", time.Now())
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = st.BindDeviceToken(ctx, "missing", "device-a", time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBindDeviceTokenConcurrentSingleWinner(t *testing.T) {
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, tok := range []string{"device-a", "device-b"} {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			_, errs[i] = st.BindDeviceToken(context.Background(), signers[0].ID, tok, time.Now())
		}(i, tok)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrConflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflict)
}

func TestLatestAttemptIsMostRecent(t *testing.T) {
	st := storetest.New(t)
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{})
	base := time.Now().UTC()
	storetest.SeedAttempt(t, st, signers[0], models.AttemptFailed, base.Add(-time.Hour))
	newest := storetest.SeedAttempt(t, st, signers[0], models.AttemptPending, base)

	got, err := st.LatestAttempt(context.Background(), signers[0].ID)
	require.NoError(t, err)
	require.Equal(t, newest.ID, got.ID)

	_, err = st.LatestAttempt(context.Background(), "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyTransitionSkipsSignerWhenAttemptDoesNotMove(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{})
	a := storetest.SeedAttempt(t, st, signers[0], models.AttemptFailed, time.Now())
	now := time.Now().UTC()

	res, err := st.ApplyTransition(ctx, store.Transition{
		AttemptID:   a.ID,
		AttemptFrom: []models.AttemptStatus{models.AttemptPending},
		Attempt:     store.AttemptUpdate{Status: models.AttemptSuccess, At: now},
		SignerID:    signers[0].ID,
		SignerFrom:  []models.SignerStatus{models.SignerPending},
		Signer:      &store.SignerUpdate{Status: models.SignerVerified, VerifiedAt: &now, At: now},
	})
	require.NoError(t, err)
	require.False(t, res.AttemptMoved)
	require.False(t, res.SignerMoved)

	sg, err := st.GetSigner(ctx, signers[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.SignerPending, sg.Status)
}

func TestResetVerificationExpiresOpenAttempts(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	_, signers := storetest.Seed(t, st, true, storetest.SignerSpec{Status: models.SignerVerified})
	sg := signers[0]
	_, err := st.BindDeviceToken(ctx, sg.ID, "device-a", time.Now())
	require.NoError(t, err)
	open := storetest.SeedAttempt(t, st, sg, models.AttemptInReview, time.Now().Add(-time.Minute))
	done := storetest.SeedAttempt(t, st, sg, models.AttemptSuccess, time.Now())

	reset, expired, err := st.ResetVerification(ctx, sg.ID, time.Now(), models.AuditEvent{SignerID: &sg.ID, DocumentID: &sg.DocumentID, EventType: models.EventVerificationReset})
	require.NoError(t, err)
	require.True(t, reset)
	require.EqualValues(t, 1, expired)

	got, err := st.GetSigner(ctx, sg.ID)
	require.NoError(t, err)
	require.Equal(t, models.SignerPending, got.Status)
	require.Nil(t, got.VerifiedAt)
	require.Nil(t, got.DeviceSessionToken)

	a, err := st.GetAttempt(ctx, open.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptExpired, a.Status)
	a, err = st.GetAttempt(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptSuccess, a.Status)
}

func TestMarkSignedCascadesDocument(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	doc, signers := storetest.Seed(t, st, false, storetest.SignerSpec{Order: 1}, storetest.SignerSpec{Order: 2})
	from := []models.SignerStatus{models.SignerPending}
	now := time.Now().UTC()

	res, err := st.MarkSigned(ctx, signers[0], from, now, models.AuditEvent{SignerID: &signers[0].ID, DocumentID: &doc.ID, EventType: models.EventSignerSigned})
	require.NoError(t, err)
	require.True(t, res.Signed)
	require.False(t, res.DocumentCompleted)
	d, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentInProgress, d.Status)

	res, err = st.MarkSigned(ctx, signers[0], from, now, models.AuditEvent{EventType: models.EventSignerSigned})
	require.NoError(t, err)
	require.False(t, res.Signed)

	res, err = st.MarkSigned(ctx, signers[1], from, now, models.AuditEvent{SignerID: &signers[1].ID, DocumentID: &doc.ID, EventType: models.EventSignerSigned})
	require.NoError(t, err)
	require.True(t, res.DocumentCompleted)
	d, err = st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentCompleted, d.Status)
	require.NotNil(t, d.CompletedAt)
}

func TestAuditLedgerLookup(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	doc, signers := storetest.Seed(t, st, true, storetest.SignerSpec{})
	sid := signers[0].ID

	found, err := st.HasAuditEvent(ctx, doc.ID, sid, "", "email_review_approved_sent")
	require.NoError(t, err)
	require.False(t, found)

	attemptID := "attempt-1"
	require.NoError(t, st.InsertAudit(ctx, models.AuditEvent{DocumentID: &doc.ID, SignerID: &sid, AttemptID: &attemptID, EventType: "email_review_approved_sent", Description: "sent", Payload: `{"id":"m1"}`}))
	found, err = st.HasAuditEvent(ctx, doc.ID, sid, "", "email_review_approved_sent")
	require.NoError(t, err)
	require.True(t, found)
	found, err = st.HasAuditEvent(ctx, doc.ID, sid, attemptID, "email_review_approved_sent")
	require.NoError(t, err)
	require.True(t, found)
	found, err = st.HasAuditEvent(ctx, doc.ID, sid, "attempt-2", "email_review_approved_sent")
	require.NoError(t, err)
	require.False(t, found)

	byAttempt, err := st.AttemptAuditEvents(ctx, attemptID, "email_review_approved_sent")
	require.NoError(t, err)
	require.Len(t, byAttempt, 1)
	require.Equal(t, attemptID, *byAttempt[0].AttemptID)

	list, err := st.ListAuditEvents(ctx, doc.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, models.EventDocumentCreated, list[0].EventType)
	require.Equal(t, models.ActorSystem, list[1].ActorType)
}
