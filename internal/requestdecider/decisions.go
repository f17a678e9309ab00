package requestdecider

import (
	"context"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/pkg/helpers"
)

// handleNewRequests implements spec §4.4's handle_new_requests(tip):
// for every pending deposit and withdrawal within the context window,
// decide whether this signer can accept and/or sign it, persist that
// decision locally, and broadcast it to the rest of the signer set.
func (e *Engine) handleNewRequests(ctx context.Context, tip model.BitcoinBlockHash) error {
	ref, err := e.reader.GetCanonicalChainTip(ctx)
	if err != nil {
		return signerr.Wrap(signerr.KindNoChainTip, err)
	}
	if ref == nil {
		return signerr.New(signerr.KindNoChainTip)
	}

	if err := e.decideDeposits(ctx, ref.Hash); err != nil {
		e.log.Warn("deciding pending deposits failed", "tip", ref.Hash, "error", err)
	}
	if err := e.decideWithdrawals(ctx, ref.Hash); err != nil {
		e.log.Warn("deciding pending withdrawals failed", "tip", ref.Hash, "error", err)
	}

	if e.onRequestsHandled != nil {
		e.onRequestsHandled(ref.Hash)
	}
	return nil
}

func (e *Engine) decideDeposits(ctx context.Context, tip model.BitcoinBlockHash) error {
	deposits, err := e.reader.GetPendingDepositRequests(ctx, tip, e.cfg.ContextWindow)
	if err != nil {
		return err
	}

	for _, dep := range deposits {
		canSign, err := e.canSignDeposit(ctx, dep)
		if err != nil {
			e.log.Debug("could not determine signer-set membership", "outpoint", dep.Outpoint, "error", err)
		}

		addrs := addressesFromScriptPubKeys(dep.SenderScriptPubKeys, e.cfg.Network)
		accept := canAccept(ctx, e.cfg.Blocklist, addrs, func(addr string, err error) {
			e.log.Warn("blocklist check failed", "address", addr, "error", err)
		})

		signer := model.DepositSigner{
			Outpoint:     dep.Outpoint,
			SignerPubKey: e.cfg.SignerPubKey,
			CanAccept:    accept,
			CanSign:      canSign,
		}
		if err := e.writer.UpsertDepositSigner(ctx, signer); err != nil {
			e.log.Warn("upsert deposit signer failed", "outpoint", dep.Outpoint, "error", err)
			continue
		}
		e.log.Debug("decided deposit",
			"outpoint", dep.Outpoint,
			"amount_btc", helpers.SatoshisToBTC(dep.Amount),
			"can_accept", accept,
			"can_sign", canSign)

		payload := p2p.SignerDepositDecision{
			Txid:      dep.Outpoint.Txid,
			Vout:      dep.Outpoint.Vout,
			CanAccept: accept,
			CanSign:   canSign,
		}
		if err := e.broadcast.Broadcast(ctx, p2p.PayloadSignerDepositDecision, payload, tip); err != nil {
			e.log.Warn("broadcast deposit decision failed", "outpoint", dep.Outpoint, "error", err)
		}
	}
	return nil
}

func (e *Engine) decideWithdrawals(ctx context.Context, bitcoinTip model.BitcoinBlockHash) error {
	stacksTip, err := e.reader.GetStacksChainTip(ctx, bitcoinTip)
	if err != nil {
		return err
	}
	if stacksTip == nil {
		// No Stacks block has anchored to this Bitcoin tip yet; nothing
		// to decide this round.
		return nil
	}

	withdrawals, err := e.reader.GetPendingWithdrawalRequests(ctx, stacksTip.Hash, e.cfg.ContextWindow)
	if err != nil {
		return err
	}

	for _, w := range withdrawals {
		accepted := canAccept(ctx, e.cfg.Blocklist, []string{w.SenderAddress}, func(addr string, err error) {
			e.log.Warn("blocklist check failed", "address", addr, "error", err)
		})

		signer := model.WithdrawalSigner{
			RequestID:       w.RequestID,
			StacksBlockHash: w.StacksBlockHash,
			SignerPubKey:    e.cfg.SignerPubKey,
			IsAccepted:      accepted,
		}
		if err := e.writer.UpsertWithdrawalSigner(ctx, signer); err != nil {
			e.log.Warn("upsert withdrawal signer failed", "request_id", w.RequestID, "error", err)
			continue
		}

		payload := p2p.SignerWithdrawalDecision{
			RequestID:       w.RequestID,
			StacksBlockHash: w.StacksBlockHash,
			IsAccepted:      accepted,
		}
		if err := e.broadcast.Broadcast(ctx, p2p.PayloadSignerWithdrawalDecision, payload, bitcoinTip); err != nil {
			e.log.Warn("broadcast withdrawal decision failed", "request_id", w.RequestID, "error", err)
		}
	}
	return nil
}

// canSignDeposit reports whether this signer is a member of the signer
// set tied to the aggregate key that locks dep (spec §4.4 step 2,
// "can_sign").
func (e *Engine) canSignDeposit(ctx context.Context, dep model.DepositRequest) (bool, error) {
	shares, err := e.reader.GetEncryptedDkgSharesByAggregateKey(ctx, dep.SignersPublicKey)
	if err != nil {
		return false, err
	}
	if shares == nil {
		return false, signerr.New(signerr.KindMissingAggregateKey)
	}
	for _, pk := range shares.SignerSetPublicKeys {
		if pk == e.cfg.SignerPubKey {
			return true, nil
		}
	}
	return false, nil
}
