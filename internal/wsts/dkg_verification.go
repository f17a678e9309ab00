package wsts

import "github.com/stacks-network/sbtc-signer/internal/model"

// DkgVerification is the per-aggregate-key bookkeeping entry for a DKG
// verification attempt: the window it must complete within, so
// ValidateDkgVerification can reject a stale retry, and the aggregate
// key it applies to, so a later verification request for a different
// key is never confused with this one. The actual nonce-commit/
// signature-share WSTS round for the verification signature runs over
// a StateMachine of KindDkgRound (the same machinery the DKG round's
// own packets use) - this type does not duplicate that nonce
// bookkeeping itself.
type DkgVerification struct {
	AggregateKey [32]byte
	ChainTip     model.BitcoinBlockHash
	Window       uint64
}

// NewDkgVerification creates a fresh verification bookkeeping entry for
// aggregateKey at the given chain tip and verification window.
func NewDkgVerification(aggregateKey [32]byte, chainTip model.BitcoinBlockHash, window uint64) *DkgVerification {
	return &DkgVerification{
		AggregateKey: aggregateKey,
		ChainTip:     chainTip,
		Window:       window,
	}
}
