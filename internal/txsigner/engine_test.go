package txsigner

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/internal/storage"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
)

// testSigningKey is a fixed throwaway private key used by every test
// engine that doesn't care about its specific value, just that WSTS
// handling isn't refused for lack of one.
var testSigningKey, _ = btcec.NewPrivateKey()

// fakeStorage is a minimal in-memory Reader+Writer fake covering only
// the methods the TxSigner engine actually calls.
type fakeStorage struct {
	storage.Reader
	storage.Writer

	tip              *model.BitcoinBlockRef
	chainTipStatuses map[model.BitcoinBlockHash]model.ChainTipStatus
	verifiedShares   *model.EncryptedDkgShares
	latestShares     *model.EncryptedDkgShares
	keyRotation      *model.KeyRotationEvent
	deposits         []model.DepositRequest
	withdrawals      []model.WithdrawalRequest
	depositReport    *storage.DepositRequestReport
	withdrawalReport *storage.WithdrawalRequestReport
	signerUtxo       *model.SignerUtxo
	willSign         map[[32]byte]*model.BitcoinTxSigHash

	writtenSigHashes []model.BitcoinTxSigHash
}

func (f *fakeStorage) GetCanonicalChainTip(ctx context.Context) (*model.BitcoinBlockRef, error) {
	return f.tip, nil
}

func (f *fakeStorage) ChainTipStatus(ctx context.Context, hash model.BitcoinBlockHash) (model.ChainTipStatus, error) {
	return f.chainTipStatuses[hash], nil
}

func (f *fakeStorage) GetLatestVerifiedEncryptedDkgShares(ctx context.Context) (*model.EncryptedDkgShares, error) {
	return f.verifiedShares, nil
}

func (f *fakeStorage) GetLatestEncryptedDkgShares(ctx context.Context) (*model.EncryptedDkgShares, error) {
	return f.latestShares, nil
}

func (f *fakeStorage) GetLatestKeyRotation(ctx context.Context) (*model.KeyRotationEvent, error) {
	return f.keyRotation, nil
}

func (f *fakeStorage) GetPendingDepositRequests(ctx context.Context, tip model.BitcoinBlockHash, contextWindow int) ([]model.DepositRequest, error) {
	return f.deposits, nil
}

func (f *fakeStorage) GetPendingWithdrawalRequests(ctx context.Context, tip model.StacksBlockHash, contextWindow int) ([]model.WithdrawalRequest, error) {
	return f.withdrawals, nil
}

func (f *fakeStorage) DepositRequestReport(ctx context.Context, tip model.BitcoinBlockHash, outpoint model.OutPoint, signerPubKey [33]byte) (*storage.DepositRequestReport, error) {
	return f.depositReport, nil
}

func (f *fakeStorage) WithdrawalRequestReport(ctx context.Context, bitcoinTip model.BitcoinBlockHash, stacksTip model.StacksBlockHash, requestID uint64, signerPubKey [33]byte) (*storage.WithdrawalRequestReport, error) {
	return f.withdrawalReport, nil
}

func (f *fakeStorage) GetSignerUtxo(ctx context.Context, tip model.BitcoinBlockHash) (*model.SignerUtxo, error) {
	return f.signerUtxo, nil
}

func (f *fakeStorage) WillSign(ctx context.Context, sigHash [32]byte) (*model.BitcoinTxSigHash, error) {
	return f.willSign[sigHash], nil
}

func (f *fakeStorage) WriteBitcoinTxSigHashes(ctx context.Context, rows []model.BitcoinTxSigHash) error {
	f.writtenSigHashes = append(f.writtenSigHashes, rows...)
	return nil
}

// fakeBroadcaster records every broadcast payload for assertions.
type fakeBroadcaster struct {
	broadcasts []fakeBroadcast
}

type fakeBroadcast struct {
	kind     p2p.PayloadKind
	payload  interface{}
	chainTip model.BitcoinBlockHash
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, kind p2p.PayloadKind, payload interface{}, chainTip model.BitcoinBlockHash) error {
	b.broadcasts = append(b.broadcasts, fakeBroadcast{kind, payload, chainTip})
	return nil
}

// fakeCoordinator always names a single fixed public key as coordinator.
type fakeCoordinator struct {
	pubKey [33]byte
}

func (c fakeCoordinator) CoordinatorFor(ctx context.Context, tip model.BitcoinBlockHash) ([33]byte, error) {
	return c.pubKey, nil
}

func newTestEngine(t *testing.T, store *fakeStorage, broadcaster Broadcaster, coordinator CoordinatorResolver, cfg Config) *Engine {
	t.Helper()
	if cfg.SigningKey == nil {
		cfg.SigningKey = testSigningKey
	}
	caches, err := wsts.NewCaches()
	require.NoError(t, err)
	return &Engine{
		reader:      store,
		writer:      store,
		broadcast:   broadcaster,
		coordinator: coordinator,
		cfg:         cfg,
		caches:      caches,
	}
}

func TestValidateStacksSignRequestRejectsNonMember(t *testing.T) {
	var signerPubKey, otherPubKey [33]byte
	signerPubKey[0], otherPubKey[0] = 1, 2

	store := &fakeStorage{
		verifiedShares: &model.EncryptedDkgShares{SignerSetPublicKeys: [][33]byte{otherPubKey}},
	}
	eng := newTestEngine(t, store, nil, nil, Config{SignerPubKey: signerPubKey, StacksFeesMaxUstx: 1000})

	err := eng.ValidateStacksSignRequest(context.Background(), StacksSignRequest{Kind: CallRotateKeys, RotateKeys: &RotateKeysCall{SignaturesRequired: 1, NewSignerSet: [][33]byte{otherPubKey}}})
	require.Error(t, err)
}

func TestValidateStacksSignRequestRejectsFeeOverLimit(t *testing.T) {
	var signerPubKey [33]byte
	signerPubKey[0] = 1

	store := &fakeStorage{
		verifiedShares: &model.EncryptedDkgShares{SignerSetPublicKeys: [][33]byte{signerPubKey}},
	}
	eng := newTestEngine(t, store, nil, nil, Config{SignerPubKey: signerPubKey, StacksFeesMaxUstx: 100})

	req := StacksSignRequest{
		TxFee:      101,
		Kind:       CallRotateKeys,
		RotateKeys: &RotateKeysCall{SignaturesRequired: 1, NewSignerSet: [][33]byte{signerPubKey}},
	}
	require.Error(t, eng.ValidateStacksSignRequest(context.Background(), req))
}

func TestValidateStacksSignRequestCompleteDepositHappyPath(t *testing.T) {
	var signerPubKey [33]byte
	signerPubKey[0] = 1
	outpoint := model.OutPoint{Txid: model.BitcoinTxId{9}, Vout: 0}
	tip := model.BitcoinBlockHash{7}

	store := &fakeStorage{
		verifiedShares: &model.EncryptedDkgShares{SignerSetPublicKeys: [][33]byte{signerPubKey}},
		depositReport:  &storage.DepositRequestReport{IsConfirmed: true},
	}
	eng := newTestEngine(t, store, nil, nil, Config{SignerPubKey: signerPubKey, StacksFeesMaxUstx: 1000, SbtcSupplyCap: 1_000_000})

	req := StacksSignRequest{
		Txid:            model.StacksTxId{1},
		TxFee:           50,
		ChainTip:        tip,
		Kind:            CallCompleteDeposit,
		CompleteDeposit: &CompleteDepositCall{Outpoint: outpoint, Amount: 500},
	}
	require.NoError(t, eng.ValidateStacksSignRequest(context.Background(), req))
}

func TestValidateStacksSignRequestRejectsDeployerMismatch(t *testing.T) {
	var signerPubKey [33]byte
	signerPubKey[0] = 1
	outpoint := model.OutPoint{Txid: model.BitcoinTxId{9}, Vout: 0}
	tip := model.BitcoinBlockHash{7}

	store := &fakeStorage{
		verifiedShares: &model.EncryptedDkgShares{SignerSetPublicKeys: [][33]byte{signerPubKey}},
		depositReport:  &storage.DepositRequestReport{IsConfirmed: true},
	}
	eng := newTestEngine(t, store, nil, nil, Config{
		SignerPubKey:      signerPubKey,
		Deployer:          "SP000000000000000000002Q6VF78",
		StacksFeesMaxUstx: 1000,
	})

	req := StacksSignRequest{
		Txid:            model.StacksTxId{1},
		TxFee:           50,
		ChainTip:        tip,
		Kind:            CallCompleteDeposit,
		CompleteDeposit: &CompleteDepositCall{Deployer: "SPimposter", Outpoint: outpoint, Amount: 500},
	}
	err := eng.ValidateStacksSignRequest(context.Background(), req)
	var sErr *signerr.Error
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, ReasonDeployerMismatch, sErr.DepositValidationReason)

	withdrawalReq := StacksSignRequest{
		Txid:             model.StacksTxId{2},
		ChainTip:         tip,
		Kind:             CallAcceptWithdrawal,
		WithdrawalAccept: &WithdrawalAcceptCall{Deployer: "SPimposter", RequestID: 1},
	}
	err = eng.ValidateStacksSignRequest(context.Background(), withdrawalReq)
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, ReasonDeployerMismatch, sErr.WithdrawalAcceptReason)
}

func TestValidateStacksSignRequestTenureIdempotence(t *testing.T) {
	var signerPubKey [33]byte
	signerPubKey[0] = 1
	outpoint := model.OutPoint{Txid: model.BitcoinTxId{9}, Vout: 0}
	tip := model.BitcoinBlockHash{7}

	store := &fakeStorage{
		verifiedShares: &model.EncryptedDkgShares{SignerSetPublicKeys: [][33]byte{signerPubKey}},
		depositReport:  &storage.DepositRequestReport{IsConfirmed: true},
	}
	eng := newTestEngine(t, store, nil, nil, Config{SignerPubKey: signerPubKey, StacksFeesMaxUstx: 1000})

	req := StacksSignRequest{
		Txid:            model.StacksTxId{1},
		ChainTip:        tip,
		Kind:            CallCompleteDeposit,
		CompleteDeposit: &CompleteDepositCall{Outpoint: outpoint, Amount: 1},
	}
	require.NoError(t, eng.ValidateStacksSignRequest(context.Background(), req))

	// Same request, same Stacks txid: idempotent pass.
	require.NoError(t, eng.ValidateStacksSignRequest(context.Background(), req))

	// Same logical request, different Stacks txid, same tenure: rejected.
	req.Txid = model.StacksTxId{2}
	require.Error(t, eng.ValidateStacksSignRequest(context.Background(), req))
}

func TestValidateDkgVerification(t *testing.T) {
	var aggKey [32]byte
	aggKey[0] = 3

	t.Run("no shares", func(t *testing.T) {
		store := &fakeStorage{}
		eng := newTestEngine(t, store, nil, nil, Config{DkgVerificationWindow: 10})
		require.Error(t, eng.ValidateDkgVerification(context.Background(), aggKey, nil, model.BitcoinBlockRef{Height: 100}))
	})

	t.Run("aggregate key mismatch", func(t *testing.T) {
		var other [32]byte
		other[0] = 4
		store := &fakeStorage{latestShares: &model.EncryptedDkgShares{AggregateKey: other, StartedAtBitcoinBlockHeight: 90}}
		eng := newTestEngine(t, store, nil, nil, Config{DkgVerificationWindow: 10})
		require.Error(t, eng.ValidateDkgVerification(context.Background(), aggKey, nil, model.BitcoinBlockRef{Height: 100}))
	})

	t.Run("dkg failed", func(t *testing.T) {
		store := &fakeStorage{latestShares: &model.EncryptedDkgShares{AggregateKey: aggKey, Status: model.DkgStatusFailed, StartedAtBitcoinBlockHeight: 90}}
		eng := newTestEngine(t, store, nil, nil, Config{DkgVerificationWindow: 10})
		require.Error(t, eng.ValidateDkgVerification(context.Background(), aggKey, nil, model.BitcoinBlockRef{Height: 100}))
	})

	t.Run("window elapsed", func(t *testing.T) {
		store := &fakeStorage{latestShares: &model.EncryptedDkgShares{AggregateKey: aggKey, Status: model.DkgStatusUnverified, StartedAtBitcoinBlockHeight: 50}}
		eng := newTestEngine(t, store, nil, nil, Config{DkgVerificationWindow: 10})
		require.Error(t, eng.ValidateDkgVerification(context.Background(), aggKey, nil, model.BitcoinBlockRef{Height: 100}))
	})

	t.Run("within window, no message, passes", func(t *testing.T) {
		store := &fakeStorage{latestShares: &model.EncryptedDkgShares{AggregateKey: aggKey, Status: model.DkgStatusUnverified, StartedAtBitcoinBlockHeight: 95}}
		eng := newTestEngine(t, store, nil, nil, Config{DkgVerificationWindow: 10})
		require.NoError(t, eng.ValidateDkgVerification(context.Background(), aggKey, nil, model.BitcoinBlockRef{Height: 100}))
	})
}

func TestHandlePreSignRequestRejectsEmptyPackage(t *testing.T) {
	store := &fakeStorage{verifiedShares: &model.EncryptedDkgShares{}}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, nil, Config{})
	err := eng.HandlePreSignRequest(context.Background(), PreSignRequest{ChainTip: model.BitcoinBlockRef{Hash: model.BitcoinBlockHash{1}}, FeeRate: 1})
	require.Error(t, err)
}

func TestHandlePreSignRequestRejectsDuplicateOutpoints(t *testing.T) {
	outpoint := model.OutPoint{Txid: model.BitcoinTxId{1}}
	store := &fakeStorage{verifiedShares: &model.EncryptedDkgShares{}}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, nil, Config{})
	req := PreSignRequest{
		ChainTip: model.BitcoinBlockRef{Hash: model.BitcoinBlockHash{1}},
		FeeRate:  1,
		RequestPackage: []TxRequestIds{
			{DepositOutpoint: &outpoint},
			{DepositOutpoint: &outpoint},
		},
	}
	require.Error(t, eng.HandlePreSignRequest(context.Background(), req))
}

func TestHandlePreSignRequestRejectsNonPositiveFeeRate(t *testing.T) {
	outpoint := model.OutPoint{Txid: model.BitcoinTxId{1}}
	store := &fakeStorage{verifiedShares: &model.EncryptedDkgShares{}}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, nil, Config{})
	req := PreSignRequest{
		ChainTip:       model.BitcoinBlockRef{Hash: model.BitcoinBlockHash{1}},
		FeeRate:        0,
		RequestPackage: []TxRequestIds{{DepositOutpoint: &outpoint}},
	}
	require.Error(t, eng.HandlePreSignRequest(context.Background(), req))
}

func TestHandlePreSignRequestRejectsWithoutVerifiedShares(t *testing.T) {
	outpoint := model.OutPoint{Txid: model.BitcoinTxId{1}}
	store := &fakeStorage{}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, nil, Config{})
	req := PreSignRequest{
		ChainTip:       model.BitcoinBlockRef{Hash: model.BitcoinBlockHash{1}},
		FeeRate:        1,
		RequestPackage: []TxRequestIds{{DepositOutpoint: &outpoint}},
	}
	require.Error(t, eng.HandlePreSignRequest(context.Background(), req))
}

func TestHandlePreSignRequestRejectsRepeatTip(t *testing.T) {
	withdrawalID := uint64(1)
	// The aggregate key must be a valid x-only point: the pre-sign pass
	// derives the signers' P2TR scriptPubKey from it.
	var aggKey [32]byte
	copy(aggKey[:], testSigningKey.PubKey().SerializeCompressed()[1:])
	store := &fakeStorage{verifiedShares: &model.EncryptedDkgShares{AggregateKey: aggKey}}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, nil, Config{})
	tip := model.BitcoinBlockRef{Hash: model.BitcoinBlockHash{1}}
	req := PreSignRequest{ChainTip: tip, FeeRate: 1, RequestPackage: []TxRequestIds{{WithdrawalRequest: &withdrawalID}}}

	require.NoError(t, eng.HandlePreSignRequest(context.Background(), req))
	require.Error(t, eng.HandlePreSignRequest(context.Background(), req))
}

func TestHandleWstsMessageRejectsWithoutSigningKey(t *testing.T) {
	tip := model.BitcoinBlockHash{1}
	store := &fakeStorage{chainTipStatuses: map[model.BitcoinBlockHash]model.ChainTipStatus{tip: model.ChainTipStatusCanonical}}
	caches, err := wsts.NewCaches()
	require.NoError(t, err)
	eng := &Engine{reader: store, writer: store, broadcast: &fakeBroadcaster{}, caches: caches, cfg: Config{}}

	err = eng.HandleWstsMessage(context.Background(), InboundWstsMessage{
		ChainTip: tip,
		Msg:      p2p.WstsMessage{Kind: p2p.WstsNonceRequest},
	})
	require.Error(t, err)
	require.True(t, signerr.Is(err, signerr.KindMissingStateMachine))
}

func TestHandleWstsMessageRejectsNonCanonicalUnlessCoordinator(t *testing.T) {
	var sender [33]byte
	sender[0] = 5
	tip := model.BitcoinBlockHash{1}
	store := &fakeStorage{chainTipStatuses: map[model.BitcoinBlockHash]model.ChainTipStatus{tip: model.ChainTipStatusKnown}}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, fakeCoordinator{}, Config{})

	err := eng.HandleWstsMessage(context.Background(), InboundWstsMessage{
		SenderPubKey: sender,
		ChainTip:     tip,
		Msg:          p2p.WstsMessage{Kind: p2p.WstsNonceRequest},
	})
	require.Error(t, err)
}

func TestHandleNonceRequestRejectsNonCanonicalTipFromCoordinator(t *testing.T) {
	var coordinatorKey [33]byte
	coordinatorKey[0] = 5
	tip := model.BitcoinBlockHash{1}
	var sigHash [32]byte
	sigHash[0] = 9
	store := &fakeStorage{
		tip:              &model.BitcoinBlockRef{Hash: tip},
		chainTipStatuses: map[model.BitcoinBlockHash]model.ChainTipStatus{tip: model.ChainTipStatusKnown},
		willSign:         map[[32]byte]*model.BitcoinTxSigHash{sigHash: {WillSign: true}},
	}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, fakeCoordinator{pubKey: coordinatorKey}, Config{})

	// accepted() lets this through because the sender is the reported
	// coordinator, but a non-canonical tip must still refuse to create
	// signing state.
	err := eng.HandleWstsMessage(context.Background(), InboundWstsMessage{
		SenderPubKey: coordinatorKey,
		ChainTip:     tip,
		Msg:          p2p.WstsMessage{Kind: p2p.WstsNonceRequest, Message: sigHash[:]},
	})
	require.Error(t, err)
	require.True(t, signerr.Is(err, signerr.KindNotChainTipCoordinator))
}

func TestHandleNonceRequestRejectsUnknownSigHash(t *testing.T) {
	tip := model.BitcoinBlockHash{1}
	store := &fakeStorage{chainTipStatuses: map[model.BitcoinBlockHash]model.ChainTipStatus{tip: model.ChainTipStatusCanonical}}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, nil, Config{})

	var sigHash [32]byte
	sigHash[0] = 9
	err := eng.HandleWstsMessage(context.Background(), InboundWstsMessage{
		ChainTip: tip,
		Msg:      p2p.WstsMessage{Kind: p2p.WstsNonceRequest, Message: sigHash[:]},
	})
	require.Error(t, err)
}

func TestHandleNonceRequestAcceptsWillSignSigHash(t *testing.T) {
	tip := model.BitcoinBlockHash{1}
	var sigHash [32]byte
	sigHash[0] = 9
	store := &fakeStorage{
		chainTipStatuses: map[model.BitcoinBlockHash]model.ChainTipStatus{tip: model.ChainTipStatusCanonical},
		willSign:         map[[32]byte]*model.BitcoinTxSigHash{sigHash: {WillSign: true}},
	}
	broadcaster := &fakeBroadcaster{}
	eng := newTestEngine(t, store, broadcaster, nil, Config{})

	err := eng.HandleWstsMessage(context.Background(), InboundWstsMessage{
		ChainTip: tip,
		Msg:      p2p.WstsMessage{Kind: p2p.WstsNonceRequest, Message: sigHash[:]},
	})
	require.NoError(t, err)
	require.Len(t, broadcaster.broadcasts, 1)
	require.Equal(t, p2p.PayloadWstsMessage, broadcaster.broadcasts[0].kind)
}

func TestHandleDkgBeginRejectsNonCoordinator(t *testing.T) {
	tip := model.BitcoinBlockHash{1}
	var sender, coordinatorKey [33]byte
	sender[0], coordinatorKey[0] = 5, 6
	store := &fakeStorage{chainTipStatuses: map[model.BitcoinBlockHash]model.ChainTipStatus{tip: model.ChainTipStatusCanonical}}
	eng := newTestEngine(t, store, &fakeBroadcaster{}, fakeCoordinator{pubKey: coordinatorKey}, Config{})

	err := eng.HandleWstsMessage(context.Background(), InboundWstsMessage{
		SenderPubKey: sender,
		ChainTip:     tip,
		Msg:          p2p.WstsMessage{Kind: p2p.WstsDkgBegin, DkgID: 1},
	})
	require.Error(t, err)
}

func TestHandleDkgBeginAcceptsCoordinatorOnCanonicalTip(t *testing.T) {
	tip := model.BitcoinBlockHash{1}
	var coordinatorKey [33]byte
	coordinatorKey[0] = 6
	store := &fakeStorage{
		tip:              &model.BitcoinBlockRef{Hash: tip},
		chainTipStatuses: map[model.BitcoinBlockHash]model.ChainTipStatus{tip: model.ChainTipStatusCanonical},
	}
	broadcaster := &fakeBroadcaster{}
	eng := newTestEngine(t, store, broadcaster, fakeCoordinator{pubKey: coordinatorKey}, Config{})

	err := eng.HandleWstsMessage(context.Background(), InboundWstsMessage{
		SenderPubKey: coordinatorKey,
		ChainTip:     tip,
		Msg:          p2p.WstsMessage{Kind: p2p.WstsDkgBegin, DkgID: 42},
	})
	require.NoError(t, err)
	require.Len(t, broadcaster.broadcasts, 1)
}
