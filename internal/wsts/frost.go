package wsts

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/stacks-network/sbtc-signer/internal/signerr"
)

func cryptoRandRead(b []byte) (int, error) { return rand.Read(b) }

// NonceCommitment is the public half of one signer's per-round FROST
// nonce pair (d, e): the two curve points D = d*G, E = e*G that get
// broadcast before any signature share can be computed, compressed per
// SEC1.
type NonceCommitment struct {
	D [33]byte
	E [33]byte
}

// SignatureShare is one signer's contribution to a FROST signature:
// the scalar z_i that the coordinator sums (along with every other
// signer's share) into the final Schnorr signature.
type SignatureShare struct {
	Z [32]byte
}

// generateNonceScalar draws a uniformly random scalar mod the curve
// order, retrying on the (astronomically unlikely) zero or
// out-of-range draw, mirroring how secp256k1.GeneratePrivateKey itself
// samples a key.
func generateNonceScalar() (*secp256k1.ModNScalar, error) {
	for {
		var buf [32]byte
		if _, err := rndRead(buf[:]); err != nil {
			return nil, signerr.Wrap(signerr.KindInvalidPrivateKey, err)
		}
		var s secp256k1.ModNScalar
		overflow := s.SetBytes(&buf)
		if overflow == 0 && !s.IsZero() {
			return &s, nil
		}
	}
}

// commitScalar computes k*G and serializes the result as a compressed
// public key.
func commitScalar(k *secp256k1.ModNScalar) [33]byte {
	var point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &point)
	point.ToAffine()
	pub := secp256k1.NewPublicKey(&point.X, &point.Y)
	var out [33]byte
	copy(out[:], pub.SerializeCompressed())
	return out
}

// GenerateNonce draws this round's fresh nonce pair (d, e), reserves
// it against reuse via ReserveNonce, and returns the public commitment
// (D, E) this signer broadcasts in its NonceRequest/DkgBegin reply.
// Called at most once per round: a second call on the same state
// machine returns KindMissingStateMachine, since a round only ever
// commits to one nonce pair (spec §8's "nonce freshness" property).
func (sm *StateMachine) GenerateNonce() (NonceCommitment, error) {
	sm.mu.Lock()
	committed := sm.commitment != nil
	sm.mu.Unlock()
	if committed {
		return NonceCommitment{}, signerr.New(signerr.KindMissingStateMachine)
	}

	d, err := generateNonceScalar()
	if err != nil {
		return NonceCommitment{}, err
	}
	e, err := generateNonceScalar()
	if err != nil {
		return NonceCommitment{}, err
	}

	dBytes, eBytes := d.Bytes(), e.Bytes()
	reserveKey := sha256.Sum256(append(dBytes[:], eBytes[:]...))
	if !sm.ReserveNonce(reserveKey) {
		return NonceCommitment{}, signerr.New(signerr.KindMissingStateMachine)
	}

	commitment := NonceCommitment{D: commitScalar(d), E: commitScalar(e)}

	sm.mu.Lock()
	sm.nonceD = d
	sm.nonceE = e
	sm.commitment = &commitment
	sm.mu.Unlock()

	return commitment, nil
}

// bindingFactor derives this signer's FROST round-2 binding scalar
// rho_i = H(i || message || commitments), binding every signer's
// nonce commitment to the message so a nonce pair cannot be reused
// across an unrelated signature (FROST's "rogue nonce" defense).
func bindingFactor(index uint32, message [32]byte, commitments []NonceCommitment) *secp256k1.ModNScalar {
	h := sha256.New()
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], index)
	h.Write(idxBuf[:])
	h.Write(message[:])
	for _, c := range commitments {
		h.Write(c.D[:])
		h.Write(c.E[:])
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	var rho secp256k1.ModNScalar
	rho.SetBytes(&digest)
	return &rho
}

// groupNonce computes the round's aggregate public nonce
// R = sum_i (D_i + rho_i*E_i) over every commitment, including this
// signer's own.
func groupNonce(message [32]byte, commitments []NonceCommitment) *secp256k1.JacobianPoint {
	var sum secp256k1.JacobianPoint // zero value is the point at infinity

	for i, c := range commitments {
		var d, e secp256k1.JacobianPoint
		dPub, err := secp256k1.ParsePubKey(c.D[:])
		if err != nil {
			continue
		}
		ePub, err := secp256k1.ParsePubKey(c.E[:])
		if err != nil {
			continue
		}
		dPub.AsJacobian(&d)
		ePub.AsJacobian(&e)

		rho := bindingFactor(uint32(i), message, commitments)
		var boundE secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(rho, &e, &boundE)

		var term secp256k1.JacobianPoint
		secp256k1.AddNonConst(&d, &boundE, &term)

		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&sum, &term, &next)
		sum = next
	}

	sum.ToAffine()
	return &sum
}

// challenge computes the Schnorr challenge c = H(R || Y || m), the
// same BIP340-style binding every signer must agree on independently
// to produce compatible signature shares.
func challenge(groupPubKey [33]byte, r *secp256k1.JacobianPoint, message [32]byte) *secp256k1.ModNScalar {
	rPub := secp256k1.NewPublicKey(&r.X, &r.Y)

	h := sha256.New()
	h.Write(rPub.SerializeCompressed())
	h.Write(groupPubKey[:])
	h.Write(message[:])
	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	var c secp256k1.ModNScalar
	c.SetBytes(&digest)
	return &c
}

// SignatureShare computes this signer's FROST round-2 contribution
// z_i = d_i + rho_i*e_i + c*secret over message, given every signer's
// published nonce commitment (including this signer's own, at
// myIndex) and the group's aggregate public key. The state machine
// must already hold a committed nonce pair from a prior GenerateNonce
// call - signing with an uncommitted nonce is refused, since that
// would let a forged commitment set bind a nonce this signer never
// actually published.
func (sm *StateMachine) SignatureShare(secret *secp256k1.ModNScalar, groupPubKey [33]byte, message [32]byte, commitments []NonceCommitment, myIndex uint32) (SignatureShare, error) {
	sm.mu.Lock()
	d, e := sm.nonceD, sm.nonceE
	sm.mu.Unlock()
	if d == nil || e == nil {
		return SignatureShare{}, signerr.New(signerr.KindMissingStateMachine)
	}
	if int(myIndex) >= len(commitments) {
		return SignatureShare{}, signerr.Newf(signerr.KindMissingStateMachine, "signer index %d out of range", myIndex)
	}

	rho := bindingFactor(myIndex, message, commitments)
	r := groupNonce(message, commitments)
	c := challenge(groupPubKey, r, message)

	var rhoE secp256k1.ModNScalar
	rhoE.Set(rho).Mul(e)

	var cSecret secp256k1.ModNScalar
	cSecret.Set(c).Mul(secret)

	var z secp256k1.ModNScalar
	z.Set(d).Add(&rhoE).Add(&cSecret)

	zBytes := z.Bytes()
	return SignatureShare{Z: zBytes}, nil
}

// rndRead is a package-level indirection over crypto/rand.Read, kept
// as a seam so tests can force a deterministic nonce without touching
// package-level state.
var rndRead = cryptoRandRead
