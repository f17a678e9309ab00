// Package wsts implements the per-sighash and per-chain-tip WSTS/FROST
// threshold-signing state machines the TxSigner event loop drives, and
// the bounded caches that hold them.
package wsts

import (
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/stacks-network/sbtc-signer/internal/model"
)

// StateMachineKind distinguishes the two kinds of WSTS round a signer
// can participate in.
type StateMachineKind int

const (
	// KindBitcoinSign is a per-sighash Schnorr signing round.
	KindBitcoinSign StateMachineKind = iota
	// KindDkgRound is the once-per-chain-tip distributed key generation
	// round.
	KindDkgRound
)

// StateMachineId identifies one WSTS round: either a Bitcoin sighash
// signing round, or the DKG round for a given chain tip. At most one
// DkgRound state machine exists per chain tip.
type StateMachineId struct {
	Kind     StateMachineKind
	SigHash  [32]byte
	ChainTip model.BitcoinBlockHash
}

// BitcoinSign builds the identifier for a per-sighash signing round.
func BitcoinSign(sigHash [32]byte) StateMachineId {
	return StateMachineId{Kind: KindBitcoinSign, SigHash: sigHash}
}

// DkgRound builds the identifier for the DKG round at chainTip.
func DkgRound(chainTip model.BitcoinBlockHash) StateMachineId {
	return StateMachineId{Kind: KindDkgRound, ChainTip: chainTip}
}

// key renders a StateMachineId into an LRU cache key.
func (id StateMachineId) key() string {
	switch id.Kind {
	case KindBitcoinSign:
		return fmt.Sprintf("sign:%x", id.SigHash)
	case KindDkgRound:
		return fmt.Sprintf("dkg:%s", id.ChainTip)
	default:
		return "unknown"
	}
}

// StateMachine is one signer's local view of a WSTS round: nonce
// bookkeeping for a signing round, or the round identifier for a DKG
// round.
type StateMachine struct {
	ID StateMachineId

	// DkgID is set only for KindDkgRound; the coordinator-assigned
	// identifier for this DKG attempt, letting a later DkgBegin for the
	// same tip be detected as a genuinely new round.
	DkgID uint64

	mu         sync.Mutex
	usedNonces map[[32]byte]bool

	// nonceD, nonceE and commitment are set by GenerateNonce the first
	// (and only) time this round commits to a nonce pair; SignatureShare
	// refuses to run before that has happened.
	nonceD     *secp256k1.ModNScalar
	nonceE     *secp256k1.ModNScalar
	commitment *NonceCommitment
}

// NewBitcoinSignStateMachine creates a fresh state machine for a
// per-sighash signing round. "Fresh" matters here: the nonce-freshness
// invariant in spec §4.5.4 requires that two signing rounds for
// distinct sighashes never share a nonce, which a fresh usedNonces map
// per round enforces by construction.
func NewBitcoinSignStateMachine(sigHash [32]byte) *StateMachine {
	return &StateMachine{ID: BitcoinSign(sigHash), usedNonces: make(map[[32]byte]bool)}
}

// NewDkgStateMachine creates a fresh state machine for the DKG round
// dkgID at chainTip.
func NewDkgStateMachine(chainTip model.BitcoinBlockHash, dkgID uint64) *StateMachine {
	return &StateMachine{ID: DkgRound(chainTip), DkgID: dkgID, usedNonces: make(map[[32]byte]bool)}
}

// ReserveNonce records nonce as spent for this round and reports
// whether it was fresh (true) or already used (false, meaning the
// caller must refuse to sign with it).
func (sm *StateMachine) ReserveNonce(nonce [32]byte) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.usedNonces[nonce] {
		return false
	}
	sm.usedNonces[nonce] = true
	return true
}
