// Package storetest opens a migrated sqlite store for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"signgate/internal/auth"
	"signgate/internal/db"
	"signgate/internal/models"
	"signgate/internal/store"
)

func New(t testing.TB) *store.Store {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.Migrate(context.Background(), sqdb, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(sqdb, db.DriverSQLite)
}

// SignerSpec describes a signer to seed.
type SignerSpec struct {
	Name                 string
	Email                string
	Order                int
	Status               models.SignerStatus
	RequiresVerification *bool
	SigningToken         string
	RecipientID          string
}

// Document returns an unsaved pending document.
func Document(requiresVerification bool) models.Document {
	now := time.Now().UTC()
	return models.Document{
		ID:                           uuid.NewString(),
		TenantID:                     "tenant-1",
		Title:                        "Lease agreement",
		CreatorEmail:                 "owner@example.com",
		Status:                       models.DocumentPending,
		RequiresIdentityVerification: requiresVerification,
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
}

// Seed inserts a document with the given signers and returns them in input order.
func Seed(t testing.TB, st *store.Store, requiresVerification bool, specs ...SignerSpec) (models.Document, []models.Signer) {
	t.Helper()
	return SeedDocument(t, st, Document(requiresVerification), specs...)
}

// SeedDocument inserts doc with the given signers.
func SeedDocument(t testing.TB, st *store.Store, doc models.Document, specs ...SignerSpec) (models.Document, []models.Signer) {
	t.Helper()
	now := doc.CreatedAt
	signers := make([]models.Signer, 0, len(specs))
	for i, sp := range specs {
		if sp.Order == 0 {
			sp.Order = 1
		}
		if sp.Status == "" {
			sp.Status = models.SignerPending
		}
		if sp.Email == "" {
			sp.Email = uuid.NewString()[:8] + "@example.com"
		}
		if sp.Name == "" {
			sp.Name = "Signer"
		}
		if sp.SigningToken == "" {
			sp.SigningToken = "signing-token-" + uuid.NewString()
		}
		sg := models.Signer{
			ID:                   uuid.NewString(),
			DocumentID:           doc.ID,
			Name:                 sp.Name,
			Email:                sp.Email,
			SigningOrder:         sp.Order,
			Seq:                  i,
			RequiresVerification: sp.RequiresVerification,
			Status:               sp.Status,
			SigningTokenHash:     auth.HashToken(sp.SigningToken),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if sp.RecipientID != "" {
			sg.RecipientID = &sp.RecipientID
		}
		if sp.Status == models.SignerSigned {
			sg.SignedAt = &now
		}
		signers = append(signers, sg)
	}
	ev := models.AuditEvent{DocumentID: &doc.ID, EventType: models.EventDocumentCreated, Description: "seeded"}
	if err := st.CreateDocument(context.Background(), doc, signers, ev); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return doc, signers
}

// SeedAttempt inserts an attempt for the signer.
func SeedAttempt(t testing.TB, st *store.Store, sg models.Signer, status models.AttemptStatus, created time.Time) models.VerificationAttempt {
	t.Helper()
	a := models.VerificationAttempt{
		ID:                uuid.NewString(),
		SignerID:          sg.ID,
		DocumentID:        sg.DocumentID,
		ProviderSessionID: "sess-" + uuid.NewString(),
		Status:            status,
		CreatedAt:         created.UTC(),
		UpdatedAt:         created.UTC(),
	}
	if err := st.CreateAttempt(context.Background(), a); err != nil {
		t.Fatalf("seed attempt: %v", err)
	}
	return a
}
