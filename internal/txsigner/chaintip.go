package txsigner

import (
	"context"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/storage"
)

// MsgChainTipReport is derived for every inbound WSTS/Stacks message
// (spec §4.5.1): whether the claimed sender is the coordinator for the
// canonical tip, and how the message's claimed chain tip relates to
// this signer's own view of the chain.
type MsgChainTipReport struct {
	SenderIsCoordinator bool
	ChainTipStatus      model.ChainTipStatus
	ChainTip            model.BitcoinBlockHash
}

// accepted reports whether a message carrying this report should be
// processed at all: messages on a non-canonical or unknown tip are
// dropped unless the sender is also the coordinator for the canonical
// tip (spec §4.5.1 - the per-message-type policy on top of this is
// applied by each handler).
func (r MsgChainTipReport) accepted() bool {
	return r.ChainTipStatus == model.ChainTipStatusCanonical || r.SenderIsCoordinator
}

// chainTipReport builds the MsgChainTipReport for a message claiming
// chainTip and signed by senderPubKey.
func (e *Engine) chainTipReport(ctx context.Context, reader storage.Reader, senderPubKey [33]byte, chainTip model.BitcoinBlockHash) (MsgChainTipReport, error) {
	status, err := reader.ChainTipStatus(ctx, chainTip)
	if err != nil {
		return MsgChainTipReport{}, err
	}

	isCoordinator := false
	if e.coordinator != nil {
		canonicalTip, err := reader.GetCanonicalChainTip(ctx)
		if err == nil && canonicalTip != nil {
			coordPub, err := e.coordinator.CoordinatorFor(ctx, canonicalTip.Hash)
			if err == nil && coordPub == senderPubKey {
				isCoordinator = true
			}
		}
	}

	return MsgChainTipReport{
		SenderIsCoordinator: isCoordinator,
		ChainTipStatus:      status,
		ChainTip:            chainTip,
	}, nil
}
