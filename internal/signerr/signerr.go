// Package signerr implements the signer's single sum-type error
// taxonomy. Every fallible operation in the consensus kernel returns
// either nil or a *signerr.Error carrying one Kind, so callers can
// switch on failure reason instead of parsing message strings.
package signerr

import (
	"errors"
	"fmt"
)

// Kind identifies a failure reason. Kinds are grouped the way §7 groups
// them (decoding / referential / consensus-validation / DKG /
// transport), plus a handful of supplemental kinds carried over from
// the original implementation's fuller taxonomy (see SPEC_FULL.md).
type Kind string

const (
	// Decoding
	KindDecodeFromHex                Kind = "decode_from_hex"
	KindDecodeBitcoinBlock           Kind = "decode_bitcoin_block"
	KindDecodeBitcoinTransaction     Kind = "decode_bitcoin_transaction"
	KindInvalidDepositScript         Kind = "invalid_deposit_script"
	KindInvalidReclaimScript         Kind = "invalid_reclaim_script"
	KindInvalidReclaimScriptLockTime Kind = "invalid_reclaim_script_lock_time"
	KindScriptNum                    Kind = "script_num"
	KindInvalidXOnlyPublicKey        Kind = "invalid_x_only_public_key"
	KindParseStacksAddress           Kind = "parse_stacks_address"
	KindInvalidAggregateKey          Kind = "invalid_aggregate_key"
	KindInvalidPublicKey             Kind = "invalid_public_key"
	KindInvalidPrivateKey            Kind = "invalid_private_key"

	// Referential
	KindTxidMismatch             Kind = "txid_mismatch"
	KindOutpointIndex            Kind = "outpoint_index"
	KindUtxoScriptPubKeyMismatch Kind = "utxo_script_pub_key_mismatch"
	KindMissingBitcoinBlock      Kind = "missing_bitcoin_block"
	KindMissingAggregateKey      Kind = "missing_aggregate_key"
	KindMissingSignerUtxo        Kind = "missing_signer_utxo"
	KindMissingDepositRequest    Kind = "missing_deposit_request"
	KindMissingSweepTransaction  Kind = "missing_sweep_transaction"
	KindNoChainTip               Kind = "no_chain_tip"
	KindNoStacksChainTip         Kind = "no_stacks_chain_tip"
	KindUnknownBitcoinBlock      Kind = "unknown_bitcoin_block"
	KindMissingStateMachine      Kind = "missing_state_machine"

	// Consensus / validation
	KindDepositValidation          Kind = "deposit_validation"
	KindWithdrawalAcceptValidation Kind = "withdrawal_accept_validation"
	KindWithdrawalRejectValidation Kind = "withdrawal_reject_validation"
	KindRotateKeysValidation       Kind = "rotate_keys_validation"
	KindValidationSignerSet        Kind = "validation_signer_set"
	KindStacksFeeLimitExceeded      Kind = "stacks_fee_limit_exceeded"
	KindStacksRequestAlreadySigned  Kind = "stacks_request_already_signed"
	KindInvalidPresignRequest       Kind = "invalid_presign_request"
	KindDuplicateRequests           Kind = "duplicate_requests"
	KindPreSignContainsNoRequests   Kind = "pre_sign_contains_no_requests"
	KindPreSignInvalidFeeRate       Kind = "pre_sign_invalid_fee_rate"
	KindExceedsSbtcSupplyCap        Kind = "exceeds_sbtc_supply_cap"
	KindExceedsWithdrawalCap        Kind = "exceeds_withdrawal_cap"

	// DKG
	KindNoDkgShares                  Kind = "no_dkg_shares"
	KindNoVerifiedDkgShares          Kind = "no_verified_dkg_shares"
	KindMissingDkgShares             Kind = "missing_dkg_shares"
	KindDkgHasAlreadyRun             Kind = "dkg_has_already_run"
	KindDkgVerificationFailed        Kind = "dkg_verification_failed"
	KindDkgVerificationWindowElapsed Kind = "dkg_verification_window_elapsed"
	KindAggregateKeyMismatch         Kind = "aggregate_key_mismatch"
	KindInvalidSigHash               Kind = "invalid_sig_hash"
	KindUnknownSigHash               Kind = "unknown_sig_hash"

	// Transport
	KindInvalidSignature Kind = "invalid_signature"
	KindChannelReceive   Kind = "channel_receive"
	KindSendMessage      Kind = "send_message"
	KindSignerShutdown   Kind = "signer_shutdown"

	// Supplemental kinds kept distinct per SPEC_FULL.md rather than
	// folded into "Referential" or "Transport".
	KindTooManySignerUtxos            Kind = "too_many_signer_utxos"
	KindSignerCoordinatorTxidMismatch Kind = "signer_coordinator_txid_mismatch"
	KindCoordinatorTimeout            Kind = "coordinator_timeout"
	KindNotChainTipCoordinator        Kind = "not_chain_tip_coordinator"
)

// Error is the signer's sole error type: a Kind plus an optional
// wrapped cause and optional structured fields for the variants that
// carry data.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error

	// Structured payloads, populated only for the Kind that needs them.
	TxidMismatch            *TxidMismatchData
	LockTime                int64
	AggregateKeyMismatch    *AggregateKeyMismatchData
	DepositValidationReason string
	WithdrawalAcceptReason  string
	WithdrawalRejectReason  string
	ChainTip                string
}

// TxidMismatchData carries the two differing txids for KindTxidMismatch.
type TxidMismatchData struct {
	FromTx      string
	FromRequest string
}

// AggregateKeyMismatchData carries actual/expected aggregate keys for
// KindAggregateKeyMismatch.
type AggregateKeyMismatchData struct {
	Actual   string
	Expected string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, signerr.New(signerr.KindNoChainTip)) or, more
// idiomatically, compare against a sentinel built with New.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a bare *Error of the given kind.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Newf builds a *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Wrapf builds a *Error of the given kind wrapping cause with a message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: cause, Msg: fmt.Sprintf(format, args...)}
}

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
