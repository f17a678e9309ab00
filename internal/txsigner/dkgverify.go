package txsigner

import (
	"bytes"
	"context"
	"fmt"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
)

// ValidateDkgVerification implements spec §4.5.5's five ordered checks
// for a proposed new aggregate key K at the current bitcoin tip. If
// message is non-nil, it must equal the canonical mock-tx sighash for K.
// On success it registers (or refreshes) the aggregate key's
// verification round in the engine's bounded cache, so the nonce
// reservations a WSTS signing round over the mock sighash makes are
// scoped to one verification attempt rather than accumulating forever.
func (e *Engine) ValidateDkgVerification(ctx context.Context, aggregateKey [32]byte, message []byte, tip model.BitcoinBlockRef) error {
	latest, err := e.reader.GetLatestEncryptedDkgShares(ctx)
	if err != nil {
		return err
	}
	if latest == nil {
		return signerr.New(signerr.KindNoDkgShares)
	}

	if latest.AggregateKey != aggregateKey {
		e := signerr.New(signerr.KindAggregateKeyMismatch)
		e.AggregateKeyMismatch = &signerr.AggregateKeyMismatchData{
			Actual:   fmt.Sprintf("%x", latest.AggregateKey),
			Expected: fmt.Sprintf("%x", aggregateKey),
		}
		return e
	}

	if latest.Status == model.DkgStatusFailed {
		return signerr.Newf(signerr.KindDkgVerificationFailed, "%x", aggregateKey)
	}

	if tip.Height < latest.StartedAtBitcoinBlockHeight ||
		tip.Height-latest.StartedAtBitcoinBlockHeight > e.cfg.DkgVerificationWindow {
		return signerr.Newf(signerr.KindDkgVerificationWindowElapsed, "%x", aggregateKey)
	}

	if message != nil {
		want, err := MockVerificationSigHash(aggregateKey)
		if err != nil {
			return err
		}
		if !bytes.Equal(message, want[:]) {
			return signerr.New(signerr.KindInvalidSigHash)
		}
	}

	if _, ok := e.caches.GetDkgVerification(aggregateKey); !ok {
		e.caches.PutDkgVerification(wsts.NewDkgVerification(aggregateKey, tip.Hash, e.cfg.DkgVerificationWindow))
	}

	return nil
}
