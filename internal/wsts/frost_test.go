package wsts

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

// fixedRead fills b with a repeating byte sequence so generateNonceScalar
// (and anything layered on it) is deterministic under test.
func fixedRead(seed byte) func([]byte) (int, error) {
	return func(b []byte) (int, error) {
		for i := range b {
			b[i] = seed + byte(i)
		}
		return len(b), nil
	}
}

func withFixedRand(t *testing.T, seed byte) {
	t.Helper()
	prev := rndRead
	rndRead = fixedRead(seed)
	t.Cleanup(func() { rndRead = prev })
}

func TestGenerateNonceProducesWellFormedCommitment(t *testing.T) {
	withFixedRand(t, 1)
	sm := NewBitcoinSignStateMachine([32]byte{9})

	commitment, err := sm.GenerateNonce()
	require.NoError(t, err)

	_, err = secp256k1.ParsePubKey(commitment.D[:])
	require.NoError(t, err, "D must be a valid compressed point")
	_, err = secp256k1.ParsePubKey(commitment.E[:])
	require.NoError(t, err, "E must be a valid compressed point")
}

func TestGenerateNonceRefusesSecondCommitOnSameRound(t *testing.T) {
	withFixedRand(t, 2)
	sm := NewBitcoinSignStateMachine([32]byte{9})

	_, err := sm.GenerateNonce()
	require.NoError(t, err)

	// The round has already committed to a nonce pair, so the second
	// commit must be refused.
	_, err = sm.GenerateNonce()
	require.Error(t, err)
}

func TestGenerateNonceVariesAcrossRounds(t *testing.T) {
	sm1 := NewBitcoinSignStateMachine([32]byte{1})
	sm2 := NewBitcoinSignStateMachine([32]byte{2})

	withFixedRand(t, 3)
	c1, err := sm1.GenerateNonce()
	require.NoError(t, err)

	withFixedRand(t, 7)
	c2, err := sm2.GenerateNonce()
	require.NoError(t, err)

	require.NotEqual(t, c1, c2)
}

func TestSignatureShareRequiresCommittedNonce(t *testing.T) {
	sm := NewBitcoinSignStateMachine([32]byte{9})

	var secret secp256k1.ModNScalar
	secret.SetInt(1)
	var groupPubKey [33]byte
	var message [32]byte

	_, err := sm.SignatureShare(&secret, groupPubKey, message, nil, 0)
	require.Error(t, err)
}

func TestSignatureShareDeterministicGivenFixedInputs(t *testing.T) {
	withFixedRand(t, 11)
	sm := NewBitcoinSignStateMachine([32]byte{9})
	commitment, err := sm.GenerateNonce()
	require.NoError(t, err)

	var secret secp256k1.ModNScalar
	secret.SetInt(42)
	pub := commitScalar(&secret)

	var message [32]byte
	message[0] = 77
	commitments := []NonceCommitment{commitment}

	share1, err := sm.SignatureShare(&secret, pub, message, commitments, 0)
	require.NoError(t, err)
	share2, err := sm.SignatureShare(&secret, pub, message, commitments, 0)
	require.NoError(t, err)

	require.Equal(t, share1, share2, "signing over the same committed nonce twice must agree")
}

func TestSignatureShareRejectsIndexOutOfRange(t *testing.T) {
	withFixedRand(t, 13)
	sm := NewBitcoinSignStateMachine([32]byte{9})
	commitment, err := sm.GenerateNonce()
	require.NoError(t, err)

	var secret secp256k1.ModNScalar
	secret.SetInt(1)
	var groupPubKey [33]byte
	var message [32]byte

	_, err = sm.SignatureShare(&secret, groupPubKey, message, []NonceCommitment{commitment}, 5)
	require.Error(t, err)
}

func TestGroupNonceAggregatesAllCommitments(t *testing.T) {
	withFixedRand(t, 21)
	sm1 := NewBitcoinSignStateMachine([32]byte{1})
	c1, err := sm1.GenerateNonce()
	require.NoError(t, err)

	withFixedRand(t, 29)
	sm2 := NewBitcoinSignStateMachine([32]byte{2})
	c2, err := sm2.GenerateNonce()
	require.NoError(t, err)

	var message [32]byte
	message[0] = 1

	r1 := groupNonce(message, []NonceCommitment{c1, c2})
	r2 := groupNonce(message, []NonceCommitment{c1})
	require.NotEqual(t, r1.X, r2.X, "adding a second signer's commitment must change the group nonce")
}
