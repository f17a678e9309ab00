package txsigner

import (
	"context"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
)

// signingKeyScalar recovers the raw FROST signing scalar from a
// btcec private key - btcec.PrivateKey is a type alias for
// secp256k1.PrivateKey, whose exported Key field is exactly the
// ModNScalar the signature-share computation needs.
func signingKeyScalar(k *btcec.PrivateKey) *secp256k1.ModNScalar {
	return &k.Key
}

// InboundWstsMessage is one WSTS protocol message arriving over the
// signed P2P envelope, already signature-verified by the transport.
type InboundWstsMessage struct {
	SenderPubKey [33]byte
	ChainTip     model.BitcoinBlockHash
	Msg          p2p.WstsMessage
}

// signingPackage is the round-2 payload a coordinator sends once every
// signer's nonce commitment from round 1 has been collected: the
// message to sign, every signer's published commitment (this signer's
// own included, at MyIndex), and the group's aggregate public key. It
// travels in WstsMessage.Inner for a WstsPacket once a round's
// commitment phase has closed.
type signingPackage struct {
	Message     [32]byte
	GroupPubKey [33]byte
	Commitments []wsts.NonceCommitment
	MyIndex     uint32
}

// HandleWstsMessage implements spec §4.5.4: gate the message on the
// chain-tip report, then dispatch by kind. NonceRequest only ever
// starts a fresh signing round for a sighash this signer has already
// agreed to sign; DkgBegin only ever comes from the coordinator on the
// canonical tip and replaces any in-flight DKG round for that tip;
// every other packet is routed to its already-running state machine.
func (e *Engine) HandleWstsMessage(ctx context.Context, in InboundWstsMessage) error {
	if e.cfg.SigningKey == nil {
		return signerr.New(signerr.KindMissingStateMachine)
	}

	report, err := e.chainTipReport(ctx, e.reader, in.SenderPubKey, in.ChainTip)
	if err != nil {
		return err
	}
	if !report.accepted() {
		return signerr.New(signerr.KindNotChainTipCoordinator)
	}

	switch in.Msg.Kind {
	case p2p.WstsNonceRequest:
		return e.handleNonceRequest(ctx, in, report)
	case p2p.WstsDkgBegin:
		return e.handleDkgBegin(ctx, in, report)
	case p2p.WstsPacket:
		return e.handlePacket(ctx, in)
	default:
		return signerr.Newf(signerr.KindInvalidPresignRequest, "unknown wsts message kind %q", in.Msg.Kind)
	}
}

// handleNonceRequest starts a fresh Bitcoin-signing state machine for
// the requested sighash, but only if this signer has actually agreed
// to sign it (a BitcoinTxSigHash row with WillSign set, written during
// pre-sign validation). It then draws this round's nonce pair and
// replies with the public commitment, round 1 of the FROST protocol.
// Per spec §9's conservative rule, a non-canonical chain tip never
// drives state-machine creation, even when the sender is the reported
// coordinator for it.
func (e *Engine) handleNonceRequest(ctx context.Context, in InboundWstsMessage, report MsgChainTipReport) error {
	if report.ChainTipStatus != model.ChainTipStatusCanonical {
		return signerr.New(signerr.KindNotChainTipCoordinator)
	}

	var sigHash [32]byte
	copy(sigHash[:], in.Msg.Message)

	row, err := e.reader.WillSign(ctx, sigHash)
	if err != nil {
		return err
	}
	if row == nil || !row.WillSign {
		return signerr.New(signerr.KindUnknownSigHash)
	}

	sm := wsts.NewBitcoinSignStateMachine(sigHash)
	commitment, err := sm.GenerateNonce()
	if err != nil {
		return err
	}
	e.caches.PutStateMachine(sm)

	return e.replyCommitment(ctx, in, sm, commitment)
}

// handleDkgBegin accepts a new DKG round only from the coordinator on
// the canonical tip, overwriting any state machine already registered
// for that tip - spec §4.5.4's "at most one DKG round per tip". Its
// own nonce commitment doubles as the first round of the post-DKG
// verification signature this signer will later be asked to complete
// over the mock transaction's sighash (spec §4.5.5).
func (e *Engine) handleDkgBegin(ctx context.Context, in InboundWstsMessage, report MsgChainTipReport) error {
	if !report.SenderIsCoordinator || report.ChainTipStatus != model.ChainTipStatusCanonical {
		return signerr.New(signerr.KindNotChainTipCoordinator)
	}

	sm := wsts.NewDkgStateMachine(in.ChainTip, in.Msg.DkgID)
	commitment, err := sm.GenerateNonce()
	if err != nil {
		return err
	}
	e.caches.PutStateMachine(sm)

	return e.replyCommitment(ctx, in, sm, commitment)
}

// handlePacket routes a continuation packet to the state machine the
// earlier NonceRequest or DkgBegin already created. A packet carrying
// a signingPackage in Inner is the coordinator's round-2 signing
// request, once every signer's round-1 commitment has been collected;
// this signer computes and replies with its own signature share. Any
// other packet is a peer's round-1 commitment passing through -
// informational only at this signer's level, since the coordinator is
// the one assembling the commitment set.
func (e *Engine) handlePacket(ctx context.Context, in InboundWstsMessage) error {
	id, err := e.wstsMessageStateMachineId(in)
	if err != nil {
		return err
	}
	sm, ok := e.caches.GetStateMachine(id)
	if !ok {
		return signerr.New(signerr.KindMissingStateMachine)
	}

	if len(in.Msg.Inner) == 0 {
		return nil
	}
	var pkg signingPackage
	if err := json.Unmarshal(in.Msg.Inner, &pkg); err != nil {
		return signerr.Wrap(signerr.KindInvalidSigHash, err)
	}
	if len(pkg.Commitments) == 0 {
		return nil
	}

	share, err := sm.SignatureShare(signingKeyScalar(e.cfg.SigningKey), pkg.GroupPubKey, pkg.Message, pkg.Commitments, pkg.MyIndex)
	if err != nil {
		return err
	}

	out := p2p.WstsMessage{
		DkgID:   sm.DkgID,
		Kind:    p2p.WstsPacket,
		Message: in.Msg.Message,
	}
	out.Inner, err = json.Marshal(share)
	if err != nil {
		return err
	}
	return e.broadcast.Broadcast(ctx, p2p.PayloadWstsMessage, out, in.ChainTip)
}

// wstsMessageStateMachineId recovers which state machine a packet
// belongs to: a sign-round packet carries the sighash in Message, a DKG
// packet is identified by its chain tip and DkgID.
func (e *Engine) wstsMessageStateMachineId(in InboundWstsMessage) (wsts.StateMachineId, error) {
	if len(in.Msg.Message) == 32 {
		var sigHash [32]byte
		copy(sigHash[:], in.Msg.Message)
		return wsts.BitcoinSign(sigHash), nil
	}
	return wsts.DkgRound(in.ChainTip), nil
}

// replyCommitment broadcasts sm's round-1 nonce commitment, signed
// under this signer's own key by the broadcaster.
func (e *Engine) replyCommitment(ctx context.Context, in InboundWstsMessage, sm *wsts.StateMachine, commitment wsts.NonceCommitment) error {
	if e.broadcast == nil {
		return nil
	}
	inner, err := json.Marshal(commitment)
	if err != nil {
		return err
	}
	out := p2p.WstsMessage{
		DkgID:   sm.DkgID,
		Kind:    p2p.WstsPacket,
		Message: in.Msg.Message,
		Inner:   inner,
	}
	return e.broadcast.Broadcast(ctx, p2p.PayloadWstsMessage, out, in.ChainTip)
}
