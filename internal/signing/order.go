// Package signing enforces the signing order of a document's signers.
package signing

import "signgate/internal/models"

// Blockers returns the signers with a strictly smaller signing order that have
// not signed yet. Signers sharing an order sign in parallel.
func Blockers(signers []models.Signer, target models.Signer) ([]models.Signer, bool) {
	var out []models.Signer
	for _, s := range signers {
		if s.ID == target.ID || s.SigningOrder >= target.SigningOrder {
			continue
		}
		if s.Status != models.SignerSigned {
			out = append(out, s)
		}
	}
	return out, len(out) > 0
}

// Next returns the lowest signing order that still has unsigned signers, or 0
// when everyone has signed.
func Next(signers []models.Signer) int {
	next := 0
	for _, s := range signers {
		if s.Status == models.SignerSigned {
			continue
		}
		if next == 0 || s.SigningOrder < next {
			next = s.SigningOrder
		}
	}
	return next
}
