package storage

import (
	"context"

	"github.com/stacks-network/sbtc-signer/internal/model"
)

// DepositRequestReport answers the bundle of questions TxSigner needs
// about one deposit request atomically, at a given chain tip.
type DepositRequestReport struct {
	IsAccepted         bool
	CanSign            bool
	IsConfirmed        bool
	IsSwept            bool
	LockTime           uint32
}

// WithdrawalRequestReport is the withdrawal analogue of
// DepositRequestReport.
type WithdrawalRequestReport struct {
	IsAccepted  bool
	CanSign     bool
	IsConfirmed bool
	IsSwept     bool
}

// Reader is the read half of the Storage contract. Every method
// returns the zero value (nil/empty slice/false) rather than an error
// when the requested row does not exist; an error return is reserved
// for I/O failures.
type Reader interface {
	GetBitcoinBlock(ctx context.Context, hash model.BitcoinBlockHash) (*model.BitcoinBlockRef, error)
	GetStacksBlock(ctx context.Context, hash model.StacksBlockHash) (*model.StacksBlockRef, error)
	GetCanonicalChainTip(ctx context.Context) (*model.BitcoinBlockRef, error)
	GetStacksChainTip(ctx context.Context, bitcoinTip model.BitcoinBlockHash) (*model.StacksBlockRef, error)
	ChainTipStatus(ctx context.Context, hash model.BitcoinBlockHash) (model.ChainTipStatus, error)

	GetPendingDepositRequests(ctx context.Context, tip model.BitcoinBlockHash, contextWindow int) ([]model.DepositRequest, error)
	GetPendingWithdrawalRequests(ctx context.Context, tip model.StacksBlockHash, contextWindow int) ([]model.WithdrawalRequest, error)
	GetPendingAcceptedDepositRequests(ctx context.Context, tip model.BitcoinBlockHash, contextWindow int, threshold uint32) ([]model.DepositRequest, error)
	GetPendingAcceptedWithdrawalRequests(ctx context.Context, tip model.StacksBlockHash, contextWindow int, threshold uint32) ([]model.WithdrawalRequest, error)

	DepositRequestReport(ctx context.Context, tip model.BitcoinBlockHash, outpoint model.OutPoint, signerPubKey [33]byte) (*DepositRequestReport, error)
	WithdrawalRequestReport(ctx context.Context, bitcoinTip model.BitcoinBlockHash, stacksTip model.StacksBlockHash, requestID uint64, signerPubKey [33]byte) (*WithdrawalRequestReport, error)

	GetDepositSigners(ctx context.Context, outpoint model.OutPoint) ([]model.DepositSigner, error)
	GetWithdrawalSigners(ctx context.Context, requestID uint64, stacksBlockHash model.StacksBlockHash) ([]model.WithdrawalSigner, error)

	GetSignerUtxo(ctx context.Context, tip model.BitcoinBlockHash) (*model.SignerUtxo, error)
	GetSignerScriptPubKeys(ctx context.Context) ([][]byte, error)

	GetLatestEncryptedDkgShares(ctx context.Context) (*model.EncryptedDkgShares, error)
	GetLatestVerifiedEncryptedDkgShares(ctx context.Context) (*model.EncryptedDkgShares, error)
	GetEncryptedDkgSharesByAggregateKey(ctx context.Context, aggregateKey [32]byte) (*model.EncryptedDkgShares, error)

	GetLatestKeyRotation(ctx context.Context) (*model.KeyRotationEvent, error)

	IsKnownScriptPubKey(ctx context.Context, scriptPubKey []byte) (bool, error)
	IsInCanonicalChain(ctx context.Context, hash model.BitcoinBlockHash) (bool, error)
	WillSign(ctx context.Context, sigHash [32]byte) (*model.BitcoinTxSigHash, error)

	GetSweptUnfinalizedDeposits(ctx context.Context, tip model.BitcoinBlockHash) ([]model.DepositRequest, error)
	GetSweptUnfinalizedWithdrawals(ctx context.Context, tip model.StacksBlockHash) ([]model.WithdrawalRequest, error)
}

// Writer is the write half of the Storage contract.
type Writer interface {
	WriteBitcoinBlock(ctx context.Context, block model.BitcoinBlockRef) error
	WriteStacksBlock(ctx context.Context, block model.StacksBlockRef) error

	WriteDepositRequest(ctx context.Context, req model.DepositRequest) error
	WriteWithdrawalRequest(ctx context.Context, req model.WithdrawalRequest) error

	UpsertDepositSigner(ctx context.Context, signer model.DepositSigner) error
	UpsertWithdrawalSigner(ctx context.Context, signer model.WithdrawalSigner) error

	WriteSignerUtxo(ctx context.Context, utxo model.SignerUtxo) error
	WriteBitcoinTxSigHashes(ctx context.Context, rows []model.BitcoinTxSigHash) error
	WriteWithdrawalOutcomeEvents(ctx context.Context, rows []model.WithdrawalOutcomeEvent) error

	WriteEncryptedDkgShares(ctx context.Context, shares model.EncryptedDkgShares) error
	// SetDkgSharesStatus mutates the status of the shares for
	// aggregateKey and reports whether a row was actually changed.
	SetDkgSharesStatus(ctx context.Context, aggregateKey [32]byte, status model.DkgStatus) (bool, error)

	WriteKeyRotationEvent(ctx context.Context, event model.KeyRotationEvent) error
	WriteCompletedDepositEvent(ctx context.Context, event model.CompletedDepositEvent) error
}

// Tx is a Reader+Writer bound to one database transaction.
type Tx interface {
	Reader
	Writer
	Commit() error
	Rollback() error
}

// Transactable is satisfied by a handle that can start a transaction.
type Transactable interface {
	BeginTx(ctx context.Context) (Tx, error)
}

var (
	_ Reader       = (*Storage)(nil)
	_ Writer       = (*Storage)(nil)
	_ Transactable = (*Storage)(nil)
)
