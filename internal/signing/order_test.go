package signing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"signgate/internal/models"
)

func signer(id string, order int, status models.SignerStatus) models.Signer {
	return models.Signer{ID: id, SigningOrder: order, Status: status}
}

func TestBlockersRespectsOrderAndTies(t *testing.T) {
	signers := []models.Signer{
		signer("a", 1, models.SignerSigned),
		signer("b", 1, models.SignerSigned),
		signer("c", 2, models.SignerVerified),
		signer("d", 3, models.SignerPending),
	}

	blockers, blocked := Blockers(signers, signers[2])
	require.False(t, blocked)
	require.Empty(t, blockers)

	blockers, blocked = Blockers(signers, signers[3])
	require.True(t, blocked)
	require.Len(t, blockers, 1)
	require.Equal(t, "c", blockers[0].ID)
	require.Equal(t, 2, Next(signers))
}

func TestParallelSignersNeverBlockEachOther(t *testing.T) {
	signers := []models.Signer{
		signer("a", 1, models.SignerPending),
		signer("b", 1, models.SignerVerifying),
		signer("c", 2, models.SignerPending),
	}
	_, blocked := Blockers(signers, signers[0])
	require.False(t, blocked)
	_, blocked = Blockers(signers, signers[1])
	require.False(t, blocked)

	blockers, blocked := Blockers(signers, signers[2])
	require.True(t, blocked)
	require.Len(t, blockers, 2)
}

func TestNextWhenAllSigned(t *testing.T) {
	require.Zero(t, Next([]models.Signer{signer("a", 1, models.SignerSigned)}))
}
