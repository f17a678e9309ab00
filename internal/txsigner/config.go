// Package txsigner implements the TxSigner event loop: validating
// Stacks contract-call sign requests and Bitcoin pre-sign requests from
// the coordinator, driving per-sighash WSTS signer state machines and
// the per-chain-tip DKG state machine, and enforcing at-most-one
// Stacks signature per tenure (spec §4.5).
package txsigner

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/stacks-network/sbtc-signer/internal/model"
)

// CoordinatorResolver answers who the coordinator is for a given
// Bitcoin chain tip. The election mechanism itself is out of scope
// (SPEC_FULL.md Non-goals); this is the boundary shape §4.5.1's
// chain-tip report consumes.
type CoordinatorResolver interface {
	CoordinatorFor(ctx context.Context, tip model.BitcoinBlockHash) ([33]byte, error)
}

// Config configures one Engine.
type Config struct {
	// SignerPubKey is this signer's own compressed public key.
	SignerPubKey [33]byte

	// SigningKey is this signer's private key, used to compute this
	// signer's FROST signature share for each WSTS round it
	// participates in. Nil disables WSTS packet handling entirely
	// (HandleWstsMessage refuses every message).
	SigningKey *btcec.PrivateKey

	// Deployer is the Stacks principal expected to have deployed the
	// sbtc contracts; contract-call validation rejects any call
	// claiming a different deployer.
	Deployer string

	// StacksFeesMaxUstx bounds the tx_fee a Stacks sign request may
	// declare (spec §4.5.2 item 2).
	StacksFeesMaxUstx uint64

	// DkgVerificationWindow (W in spec §4.5.5) is the number of Bitcoin
	// blocks after a DKG round started within which verification must
	// complete.
	DkgVerificationWindow uint64

	// SbtcSupplyCap and PerTenureWithdrawalCap are the supplemented
	// caps from original_source/ (SPEC_FULL.md SUPPLEMENTED FEATURES
	// item 2).
	SbtcSupplyCap          uint64
	PerTenureWithdrawalCap uint64

	// Network selects the Bitcoin params used for sighash computation.
	Network *chaincfg.Params
}
