package txsigner

import (
	"bytes"
	"context"
	"strconv"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
)

// StacksCallKind distinguishes the four contract calls the coordinator
// may ask this signer to countersign (spec §4.5.2 item 3).
type StacksCallKind string

const (
	CallCompleteDeposit  StacksCallKind = "complete_deposit"
	CallAcceptWithdrawal StacksCallKind = "accept_withdrawal"
	CallRejectWithdrawal StacksCallKind = "reject_withdrawal"
	CallRotateKeys       StacksCallKind = "rotate_keys"
)

// Withdrawal-accept validation reasons (spec §7's WithdrawalAcceptValidation
// variant list, carried in signerr.Error.WithdrawalAcceptReason).
const (
	ReasonDeployerMismatch        = "DeployerMismatch"
	ReasonRequestMissing          = "RequestMissing"
	ReasonRecipientMismatch       = "RecipientMismatch"
	ReasonInvalidAmount           = "InvalidAmount"
	ReasonFeeTooHigh              = "FeeTooHigh"
	ReasonSweepTransactionMissing = "SweepTransactionMissing"
	ReasonSweepTransactionReorged = "SweepTransactionReorged"
	ReasonUtxoMissingFromSweep    = "UtxoMissingFromSweep"
	ReasonIncorrectFee            = "IncorrectFee"
	ReasonInvalidSweep            = "InvalidSweep"
	ReasonRequestCompleted        = "RequestCompleted"
)

// CompleteDepositCall is the claimed contract-call payload for a
// complete-deposit sign request.
type CompleteDepositCall struct {
	Deployer  string
	Outpoint  model.OutPoint
	Recipient []byte
	Amount    uint64
	SweepTxid model.BitcoinTxId
}

// WithdrawalAcceptCall is the claimed contract-call payload for an
// accept-withdrawal sign request.
type WithdrawalAcceptCall struct {
	Deployer              string
	RequestID             uint64
	StacksBlockHash       model.StacksBlockHash
	RecipientScriptPubKey []byte
	Amount                uint64
	SweepFee              uint64
	SweepTxid             model.BitcoinTxId
	SweepOutpoint         model.OutPoint
}

// WithdrawalRejectCall is the claimed payload for a reject-withdrawal
// sign request (SPEC_FULL.md SUPPLEMENTED FEATURES item 1).
type WithdrawalRejectCall struct {
	RequestID      uint64
	StacksBlockHash model.StacksBlockHash
}

// RotateKeysCall is the claimed payload for a rotate-keys sign request
// (SPEC_FULL.md SUPPLEMENTED FEATURES item 1).
type RotateKeysCall struct {
	NewAggregateKey    [32]byte
	NewSignerSet       [][33]byte
	SignaturesRequired uint32
}

// StacksSignRequest is one coordinator sign request for a Stacks
// contract call, addressed to this signer (spec §4.5.2).
type StacksSignRequest struct {
	Txid     model.StacksTxId
	Nonce    uint64
	TxFee    uint64
	ChainTip model.BitcoinBlockHash

	// AggregateKey is the request's own claimed aggregate key. Per
	// spec §4.5.2 item 4 it is ignored for signer-set membership -
	// kept here only so callers can log what the coordinator claimed.
	AggregateKey [32]byte

	Kind             StacksCallKind
	CompleteDeposit  *CompleteDepositCall
	WithdrawalAccept *WithdrawalAcceptCall
	WithdrawalReject *WithdrawalRejectCall
	RotateKeys       *RotateKeysCall
}

// requestKey identifies the logical request for tenure-idempotence
// purposes, independent of the Stacks txid (which can change if the
// coordinator bumps the nonce or fee).
func (r StacksSignRequest) requestKey() string {
	switch r.Kind {
	case CallCompleteDeposit:
		return "complete_deposit:" + r.CompleteDeposit.Outpoint.String()
	case CallAcceptWithdrawal:
		return "accept_withdrawal:" + strconv.FormatUint(r.WithdrawalAccept.RequestID, 10) + ":" + r.WithdrawalAccept.StacksBlockHash.String()
	case CallRejectWithdrawal:
		return "reject_withdrawal:" + strconv.FormatUint(r.WithdrawalReject.RequestID, 10) + ":" + r.WithdrawalReject.StacksBlockHash.String()
	case CallRotateKeys:
		return "rotate_keys:" + r.Txid.String()
	default:
		return "unknown:" + r.Txid.String()
	}
}

// ValidateStacksSignRequest implements spec §4.5.2: signer-set
// membership, the stacks_fees_max_ustx ceiling, the contract-specific
// predicate, and tenure idempotence.
func (e *Engine) ValidateStacksSignRequest(ctx context.Context, req StacksSignRequest) error {
	isMember, err := e.isSignerSetMember(ctx)
	if err != nil {
		return err
	}
	if !isMember {
		return signerr.New(signerr.KindValidationSignerSet)
	}

	if req.TxFee > e.cfg.StacksFeesMaxUstx {
		return signerr.New(signerr.KindStacksFeeLimitExceeded)
	}

	if err := e.validateContractCall(ctx, req); err != nil {
		return err
	}

	key := req.requestKey()
	if signed, ok := e.caches.AlreadySignedThisTenure(key, req.ChainTip); ok {
		if signed != req.Txid {
			return signerr.New(signerr.KindStacksRequestAlreadySigned)
		}
		return nil
	}

	e.caches.RecordTenureSigned(key, req.ChainTip, req.Txid)
	return nil
}

// isSignerSetMember reports whether this signer belongs to the signer
// set tied to the aggregate key mapped at the canonical chain tip. Per
// spec §4.5.2 item 4, the request's own claimed aggregate_key field
// never enters this check - only the stored mapping does.
func (e *Engine) isSignerSetMember(ctx context.Context) (bool, error) {
	shares, err := e.reader.GetLatestVerifiedEncryptedDkgShares(ctx)
	if err != nil {
		return false, err
	}
	if shares == nil {
		return false, signerr.New(signerr.KindNoVerifiedDkgShares)
	}
	for _, pk := range shares.SignerSetPublicKeys {
		if pk == e.cfg.SignerPubKey {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) validateContractCall(ctx context.Context, req StacksSignRequest) error {
	switch req.Kind {
	case CallCompleteDeposit:
		return e.validateCompleteDeposit(ctx, req.ChainTip, req.CompleteDeposit)
	case CallAcceptWithdrawal:
		return e.validateWithdrawalAccept(ctx, req.ChainTip, req.WithdrawalAccept)
	case CallRejectWithdrawal:
		return e.validateWithdrawalReject(ctx, req.ChainTip, req.WithdrawalReject)
	case CallRotateKeys:
		return e.validateRotateKeys(ctx, req.RotateKeys)
	default:
		return signerr.Newf(signerr.KindDepositValidation, "unknown contract call kind %q", req.Kind)
	}
}

func (e *Engine) validateCompleteDeposit(ctx context.Context, tip model.BitcoinBlockHash, call *CompleteDepositCall) error {
	if call == nil {
		return signerr.New(signerr.KindDepositValidation)
	}
	if call.Deployer != e.cfg.Deployer {
		return newDepositValidationError(ReasonDeployerMismatch)
	}
	report, err := e.reader.DepositRequestReport(ctx, tip, call.Outpoint, e.cfg.SignerPubKey)
	if err != nil {
		return err
	}
	if report == nil {
		return signerr.New(signerr.KindMissingDepositRequest)
	}
	if !report.IsConfirmed {
		return signerr.New(signerr.KindDepositValidation)
	}
	if report.IsSwept {
		return signerr.New(signerr.KindDepositValidation)
	}
	if e.cfg.SbtcSupplyCap > 0 && call.Amount > e.cfg.SbtcSupplyCap {
		return signerr.New(signerr.KindExceedsSbtcSupplyCap)
	}
	return nil
}

func (e *Engine) validateWithdrawalAccept(ctx context.Context, tip model.BitcoinBlockHash, call *WithdrawalAcceptCall) error {
	if call == nil {
		return newWithdrawalAcceptError(ReasonRequestMissing)
	}
	if call.Deployer != e.cfg.Deployer {
		return newWithdrawalAcceptError(ReasonDeployerMismatch)
	}

	requests, err := e.reader.GetPendingWithdrawalRequests(ctx, call.StacksBlockHash, 0)
	if err != nil {
		return err
	}
	var req *model.WithdrawalRequest
	for i := range requests {
		if requests[i].RequestID == call.RequestID {
			req = &requests[i]
			break
		}
	}
	if req == nil {
		return newWithdrawalAcceptError(ReasonRequestMissing)
	}

	if !bytes.Equal(req.RecipientScriptPubKey, call.RecipientScriptPubKey) {
		return newWithdrawalAcceptError(ReasonRecipientMismatch)
	}
	if req.Amount != call.Amount {
		return newWithdrawalAcceptError(ReasonInvalidAmount)
	}
	if call.SweepFee > req.MaxFee {
		return newWithdrawalAcceptError(ReasonFeeTooHigh)
	}

	report, err := e.reader.WithdrawalRequestReport(ctx, tip, call.StacksBlockHash, call.RequestID, e.cfg.SignerPubKey)
	if err != nil {
		return err
	}
	if report == nil {
		return newWithdrawalAcceptError(ReasonSweepTransactionMissing)
	}
	if !report.IsConfirmed {
		return newWithdrawalAcceptError(ReasonSweepTransactionReorged)
	}
	if report.IsSwept {
		return newWithdrawalAcceptError(ReasonRequestCompleted)
	}

	if e.cfg.PerTenureWithdrawalCap > 0 && call.Amount > e.cfg.PerTenureWithdrawalCap {
		return signerr.New(signerr.KindExceedsWithdrawalCap)
	}

	return nil
}

func (e *Engine) validateWithdrawalReject(ctx context.Context, tip model.BitcoinBlockHash, call *WithdrawalRejectCall) error {
	if call == nil {
		e := signerr.New(signerr.KindWithdrawalRejectValidation)
		e.WithdrawalRejectReason = ReasonRequestMissing
		return e
	}

	requests, err := e.reader.GetPendingWithdrawalRequests(ctx, call.StacksBlockHash, 0)
	if err != nil {
		return err
	}
	for i := range requests {
		if requests[i].RequestID == call.RequestID {
			return nil
		}
	}
	e := signerr.New(signerr.KindWithdrawalRejectValidation)
	e.WithdrawalRejectReason = ReasonRequestMissing
	return e
}

func (e *Engine) validateRotateKeys(ctx context.Context, call *RotateKeysCall) error {
	if call == nil {
		return signerr.New(signerr.KindRotateKeysValidation)
	}
	if int(call.SignaturesRequired) == 0 || int(call.SignaturesRequired) > len(call.NewSignerSet) {
		return signerr.New(signerr.KindRotateKeysValidation)
	}

	latest, err := e.reader.GetLatestKeyRotation(ctx)
	if err != nil {
		return err
	}
	if latest != nil && latest.AggregateKey == call.NewAggregateKey {
		return signerr.New(signerr.KindRotateKeysValidation)
	}
	return nil
}

func newWithdrawalAcceptError(reason string) *signerr.Error {
	e := signerr.New(signerr.KindWithdrawalAcceptValidation)
	e.WithdrawalAcceptReason = reason
	return e
}

func newDepositValidationError(reason string) *signerr.Error {
	e := signerr.New(signerr.KindDepositValidation)
	e.DepositValidationReason = reason
	return e
}
