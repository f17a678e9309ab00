package requestdecider

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/internal/storage"
)

// fakeStorage is a minimal in-memory Reader+Writer fake covering only
// the methods the RequestDecider engine actually calls. Every other
// Reader/Writer method panics if exercised, so a test that reaches one
// unexpectedly fails loudly instead of silently returning zero values.
type fakeStorage struct {
	storage.Reader
	storage.Writer

	tip         *model.BitcoinBlockRef
	stacksTip   *model.StacksBlockRef
	deposits    []model.DepositRequest
	withdrawals []model.WithdrawalRequest
	dkgShares   map[[32]byte]*model.EncryptedDkgShares

	depositSigners    []model.DepositSigner
	withdrawalSigners []model.WithdrawalSigner
}

func (f *fakeStorage) GetCanonicalChainTip(ctx context.Context) (*model.BitcoinBlockRef, error) {
	return f.tip, nil
}

func (f *fakeStorage) GetStacksChainTip(ctx context.Context, bitcoinTip model.BitcoinBlockHash) (*model.StacksBlockRef, error) {
	return f.stacksTip, nil
}

func (f *fakeStorage) GetPendingDepositRequests(ctx context.Context, tip model.BitcoinBlockHash, contextWindow int) ([]model.DepositRequest, error) {
	return f.deposits, nil
}

func (f *fakeStorage) GetPendingWithdrawalRequests(ctx context.Context, tip model.StacksBlockHash, contextWindow int) ([]model.WithdrawalRequest, error) {
	return f.withdrawals, nil
}

func (f *fakeStorage) GetEncryptedDkgSharesByAggregateKey(ctx context.Context, aggregateKey [32]byte) (*model.EncryptedDkgShares, error) {
	return f.dkgShares[aggregateKey], nil
}

func (f *fakeStorage) UpsertDepositSigner(ctx context.Context, signer model.DepositSigner) error {
	f.depositSigners = append(f.depositSigners, signer)
	return nil
}

func (f *fakeStorage) UpsertWithdrawalSigner(ctx context.Context, signer model.WithdrawalSigner) error {
	f.withdrawalSigners = append(f.withdrawalSigners, signer)
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

func TestHandleNewRequestsDecidesDepositInSignerSet(t *testing.T) {
	var tip model.BitcoinBlockHash
	tip[0] = 1
	outpoint := model.OutPoint{Txid: model.BitcoinTxId{2}, Vout: 0}

	var aggKey [32]byte
	aggKey[0] = 9
	var signerPubKey [33]byte
	signerPubKey[0] = 7

	store := &fakeStorage{
		tip: &model.BitcoinBlockRef{Hash: tip, Height: 100},
		deposits: []model.DepositRequest{
			{Outpoint: outpoint, SignersPublicKey: aggKey},
		},
		dkgShares: map[[32]byte]*model.EncryptedDkgShares{
			aggKey: {AggregateKey: aggKey, SignerSetPublicKeys: [][33]byte{signerPubKey}},
		},
	}
	broadcaster := &fakeBroadcaster{}

	eng := New(store, store, broadcaster, Config{SignerPubKey: signerPubKey, ContextWindow: 6})
	require.NoError(t, eng.handleNewRequests(context.Background(), tip))

	require.Len(t, store.depositSigners, 1)
	require.True(t, store.depositSigners[0].CanSign)
	require.True(t, store.depositSigners[0].CanAccept, "no blocklist configured, should accept")

	require.Len(t, broadcaster.broadcasts, 1)
	require.Equal(t, p2p.PayloadSignerDepositDecision, broadcaster.broadcasts[0].kind)
	decision := broadcaster.broadcasts[0].payload.(p2p.SignerDepositDecision)
	require.True(t, decision.CanSign)
	require.Equal(t, outpoint.Txid, decision.Txid)
}

func TestHandleNewRequestsDepositOutsideSignerSetCannotSign(t *testing.T) {
	var tip model.BitcoinBlockHash
	tip[0] = 1
	outpoint := model.OutPoint{Txid: model.BitcoinTxId{2}, Vout: 0}

	var aggKey [32]byte
	aggKey[0] = 9
	var signerPubKey [33]byte
	signerPubKey[0] = 7
	var otherPubKey [33]byte
	otherPubKey[0] = 8

	store := &fakeStorage{
		tip: &model.BitcoinBlockRef{Hash: tip},
		deposits: []model.DepositRequest{
			{Outpoint: outpoint, SignersPublicKey: aggKey},
		},
		dkgShares: map[[32]byte]*model.EncryptedDkgShares{
			aggKey: {AggregateKey: aggKey, SignerSetPublicKeys: [][33]byte{otherPubKey}},
		},
	}
	broadcaster := &fakeBroadcaster{}

	eng := New(store, store, broadcaster, Config{SignerPubKey: signerPubKey, ContextWindow: 6})
	require.NoError(t, eng.handleNewRequests(context.Background(), tip))

	require.Len(t, store.depositSigners, 1)
	require.False(t, store.depositSigners[0].CanSign)
}

type blockAllChecker struct{}

func (blockAllChecker) IsBlocked(ctx context.Context, address string) (bool, error) { return true, nil }

func TestCanAcceptNoAddressesRejected(t *testing.T) {
	require.False(t, canAccept(context.Background(), blockAllChecker{}, nil, nil))
}

func TestCanAcceptNoBlocklistAlwaysAccepts(t *testing.T) {
	require.True(t, canAccept(context.Background(), nil, nil, nil))
}

func TestCanAcceptAnyOneAddressClearsRequest(t *testing.T) {
	checker := selectiveChecker{blocked: map[string]bool{"addr-blocked": true}}
	require.True(t, canAccept(context.Background(), checker, []string{"addr-blocked", "addr-clean"}, nil))
	require.False(t, canAccept(context.Background(), checker, []string{"addr-blocked"}, nil))
}

type selectiveChecker struct{ blocked map[string]bool }

func (c selectiveChecker) IsBlocked(ctx context.Context, address string) (bool, error) {
	return c.blocked[address], nil
}

func TestIngestDepositDecisionUsesSenderPubKey(t *testing.T) {
	store := &fakeStorage{}
	eng := New(store, store, &fakeBroadcaster{}, Config{})

	var senderPubKey [33]byte
	senderPubKey[0] = 0xAB
	payload := p2p.SignerDepositDecision{Txid: model.BitcoinTxId{1}, Vout: 2, CanAccept: true, CanSign: true}
	env, err := p2p.Seal(p2p.PayloadSignerDepositDecision, payload, model.BitcoinBlockHash{}, mustPrivKey(t))
	require.NoError(t, err)
	env.SenderPubKey = senderPubKey

	require.NoError(t, eng.HandleDepositDecision(context.Background(), env))
	select {
	case ev := <-eng.events:
		eng.dispatch(ev)
	default:
		t.Fatal("expected a queued deposit-decision event")
	}

	require.Len(t, store.depositSigners, 1)
	require.Equal(t, senderPubKey, store.depositSigners[0].SignerPubKey)
}

func mustPrivKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}
