// Package model holds the signer's shared entity types: the logical
// data model that internal/storage persists and internal/requestdecider,
// internal/txsigner and internal/wsts operate on.
package model

import (
	"encoding/hex"
	"fmt"
)

// BitcoinBlockHash is a Bitcoin block hash, internal byte order.
type BitcoinBlockHash [32]byte

func (h BitcoinBlockHash) String() string { return hex.EncodeToString(h[:]) }

// StacksBlockHash is a Stacks block hash.
type StacksBlockHash [32]byte

func (h StacksBlockHash) String() string { return hex.EncodeToString(h[:]) }

// BitcoinTxId is a Bitcoin transaction id.
type BitcoinTxId [32]byte

func (t BitcoinTxId) String() string { return hex.EncodeToString(t[:]) }

// StacksTxId is a Stacks transaction id.
type StacksTxId [32]byte

func (t StacksTxId) String() string { return hex.EncodeToString(t[:]) }

// BitcoinBlockRef identifies a Bitcoin block by hash and height.
type BitcoinBlockRef struct {
	Hash   BitcoinBlockHash
	Height uint64
}

// StacksBlockRef identifies a Stacks block by hash, height and its
// Bitcoin anchor block.
type StacksBlockRef struct {
	Hash         StacksBlockHash
	Height       uint64
	BitcoinAnchor BitcoinBlockHash
}

// OutPoint identifies a Bitcoin transaction output.
type OutPoint struct {
	Txid BitcoinTxId
	Vout uint32
}

func (o OutPoint) String() string { return fmt.Sprintf("%s:%d", o.Txid, o.Vout) }

// DepositRequest is a validated deposit UTXO awaiting (or already
// carried through) signer decision and sweep.
type DepositRequest struct {
	Outpoint             OutPoint
	Amount               uint64
	MaxFee               uint64
	DepositScript        []byte
	ReclaimScript        []byte
	SignersPublicKey      [32]byte // x-only aggregate key committed to in the deposit script
	Recipient             []byte   // serialized Stacks principal
	LockTime              uint32
	SenderScriptPubKeys   [][]byte
	ConfirmedBlockHash    *BitcoinBlockHash
}

// DepositSigner records one signer's accept/sign decision for a
// deposit request.
type DepositSigner struct {
	Outpoint     OutPoint
	SignerPubKey [33]byte
	CanAccept    bool
	CanSign      bool
}

// WithdrawalRequest is a withdrawal request observed in a Stacks block.
type WithdrawalRequest struct {
	RequestID             uint64
	StacksBlockHash        StacksBlockHash
	StacksTxid             StacksTxId
	Amount                 uint64
	MaxFee                 uint64
	RecipientScriptPubKey  []byte
	SenderAddress          string
}

// WithdrawalSigner records one signer's accept/reject decision for a
// withdrawal request, and the sweep txid once one has been broadcast.
type WithdrawalSigner struct {
	RequestID       uint64
	StacksBlockHash  StacksBlockHash
	SignerPubKey     [33]byte
	IsAccepted       bool
	Txid             *BitcoinTxId
}

// DkgStatus is the lifecycle state of a set of encrypted DKG shares.
type DkgStatus string

const (
	DkgStatusUnverified DkgStatus = "unverified"
	DkgStatusVerified   DkgStatus = "verified"
	DkgStatusFailed     DkgStatus = "failed"
)

// EncryptedDkgShares records the output of one completed DKG round for
// this signer: its own encrypted share material plus the resulting
// group aggregate key.
type EncryptedDkgShares struct {
	AggregateKey                [32]byte
	TweakedAggregateKey          [32]byte
	ScriptPubKey                 []byte
	EncryptedPrivateShares       []byte
	PublicShares                 []byte
	SignerSetPublicKeys          [][33]byte
	SignatureShareThreshold      uint32
	Status                       DkgStatus
	StartedAtBitcoinBlockHash    BitcoinBlockHash
	StartedAtBitcoinBlockHeight  uint64
}

// KeyRotationEvent records a rotate-keys-wrapper contract call observed
// on the Stacks chain.
type KeyRotationEvent struct {
	StacksTxid          StacksTxId
	BlockHash           StacksBlockHash
	AggregateKey        [32]byte
	SignerSet           [][33]byte
	SignaturesRequired   uint32
	Address              string
}

// PrevoutType distinguishes the kind of UTXO a sighash was computed
// against, since deposit and signer-owned inputs validate differently.
type PrevoutType string

const (
	PrevoutTypeDeposit     PrevoutType = "deposit"
	PrevoutTypeSignersUtxo PrevoutType = "signers_utxo"
)

// ValidationResult is the outcome of pre-sign validation for one
// sighash of a proposed sweep transaction.
type ValidationResult string

const (
	ValidationResultOK                    ValidationResult = "ok"
	ValidationResultDepositNotConfirmed    ValidationResult = "deposit_not_confirmed"
	ValidationResultFeeTooHigh             ValidationResult = "fee_too_high"
	ValidationResultLockTimeExpired        ValidationResult = "lock_time_expired"
	ValidationResultMissingDepositRequest  ValidationResult = "missing_deposit_request"
	ValidationResultAggregateKeyMismatch   ValidationResult = "aggregate_key_mismatch"
	ValidationResultUnknownPrevout         ValidationResult = "unknown_prevout"
)

// BitcoinTxSigHash records the pre-sign validation outcome for one
// input of a proposed transaction, keyed by (txid, prevout).
type BitcoinTxSigHash struct {
	Txid             BitcoinTxId
	ChainTip         BitcoinBlockHash
	Prevout          OutPoint
	SigHash          [32]byte
	PrevoutType      PrevoutType
	ValidationResult ValidationResult
	IsValidTx        bool
	WillSign         bool
	AggregateKey     [32]byte
}

// SignerUtxo is the signers' current spendable UTXO, reported at a
// given chain tip.
type SignerUtxo struct {
	Outpoint  OutPoint
	Amount    uint64
	PublicKey [32]byte
	ChainTip  BitcoinBlockHash
}

// CompletedDepositEvent records a complete-deposit contract call that
// carried a given deposit across the bridge.
type CompletedDepositEvent struct {
	Outpoint   OutPoint
	StacksTxid StacksTxId
	BlockHash  StacksBlockHash
}

// WithdrawalOutcomeEvent records a withdrawal accept/reject contract
// call outcome for a given withdrawal request.
type WithdrawalOutcomeEvent struct {
	RequestID  uint64
	StacksTxid StacksTxId
	Accepted   bool
	BlockHash  StacksBlockHash
}

// ChainTipStatus reports how a claimed Bitcoin chain tip relates to
// this signer's own view of the chain.
type ChainTipStatus int

const (
	// ChainTipStatusUnknown means the signer has never seen this block.
	ChainTipStatusUnknown ChainTipStatus = iota
	// ChainTipStatusKnown means the signer has seen the block, but it
	// is not (or no longer) the canonical tip.
	ChainTipStatusKnown
	// ChainTipStatusCanonical means the block is the signer's current
	// canonical chain tip.
	ChainTipStatusCanonical
)

func (s ChainTipStatus) String() string {
	switch s {
	case ChainTipStatusCanonical:
		return "canonical"
	case ChainTipStatusKnown:
		return "known"
	default:
		return "unknown"
	}
}
