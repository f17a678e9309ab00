package txsigner

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/stacks-network/sbtc-signer/internal/deposit"
	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
)

// TxRequestIds names the deposit and/or withdrawal requests one output
// of the proposed sweep transaction settles.
type TxRequestIds struct {
	DepositOutpoint   *model.OutPoint
	WithdrawalRequest *uint64
}

// empty reports whether this entry names neither a deposit nor a
// withdrawal - the "at least one" check of spec §4.5.3 item 1.
func (t TxRequestIds) empty() bool {
	return t.DepositOutpoint == nil && t.WithdrawalRequest == nil
}

// PreSignRequest is the coordinator's proposed sweep transaction,
// described as the set of requests it settles rather than as a raw
// transaction (spec §4.5.3).
type PreSignRequest struct {
	ChainTip       model.BitcoinBlockRef
	RequestPackage []TxRequestIds
	FeeRate        float64
}

// HandlePreSignRequest implements spec §4.5.3: validate the package,
// confirm DKG shares are Verified, enforce one pre-sign per chain tip,
// then build the virtual unsigned sweep transaction, derive and persist
// every input's sighash, and broadcast a BitcoinPreSignAck.
func (e *Engine) HandlePreSignRequest(ctx context.Context, req PreSignRequest) error {
	if len(req.RequestPackage) == 0 {
		return signerr.New(signerr.KindPreSignContainsNoRequests)
	}
	seen := make(map[model.OutPoint]bool, len(req.RequestPackage))
	for _, entry := range req.RequestPackage {
		if entry.empty() {
			return signerr.New(signerr.KindPreSignContainsNoRequests)
		}
		if entry.DepositOutpoint != nil {
			if seen[*entry.DepositOutpoint] {
				return signerr.New(signerr.KindDuplicateRequests)
			}
			seen[*entry.DepositOutpoint] = true
		}
	}
	if req.FeeRate <= 0 {
		return signerr.New(signerr.KindPreSignInvalidFeeRate)
	}

	shares, err := e.reader.GetLatestVerifiedEncryptedDkgShares(ctx)
	if err != nil {
		return err
	}
	if shares == nil {
		return signerr.New(signerr.KindNoVerifiedDkgShares)
	}

	if last := e.caches.LastPresignBlock(); last != nil && *last == req.ChainTip.Hash {
		return signerr.New(signerr.KindInvalidPresignRequest)
	}

	sigHashRows, err := e.buildVirtualSweep(ctx, req, shares.AggregateKey)
	if err != nil {
		return err
	}

	if err := e.writer.WriteBitcoinTxSigHashes(ctx, sigHashRows); err != nil {
		return err
	}
	e.caches.SetLastPresignBlock(req.ChainTip.Hash)

	ack := p2p.BitcoinPreSignAck{ChainTip: req.ChainTip.Hash}
	if len(sigHashRows) > 0 {
		ack.Txid = sigHashRows[0].Txid
	}
	if e.broadcast != nil {
		if err := e.broadcast.Broadcast(ctx, p2p.PayloadBitcoinPreSignAck, ack, req.ChainTip.Hash); err != nil {
			e.log.Warn("failed to broadcast pre-sign ack", "error", err)
		}
	}
	return nil
}

// sweepInput is one input of the virtual sweep transaction, along with
// what's needed to compute its sighash and persist the resulting row.
type sweepInput struct {
	prevoutType   model.PrevoutType
	prevOutpoint  model.OutPoint
	prevOutScript []byte
	prevOutValue  int64
	// tapLeaf is set only for PrevoutTypeDeposit inputs, which spend
	// via the deposit script leaf rather than the taproot key path.
	tapLeaf *txscript.TapLeaf
}

// buildVirtualSweep assembles the unsigned sweep transaction the
// request package describes: the signers' current UTXO (if any) plus
// one input per named deposit, and derives the sighash for every input
// this signer is asked to help sign.
func (e *Engine) buildVirtualSweep(ctx context.Context, req PreSignRequest, aggregateKey [32]byte) ([]model.BitcoinTxSigHash, error) {
	var inputs []sweepInput

	signerUtxo, err := e.reader.GetSignerUtxo(ctx, req.ChainTip.Hash)
	if err != nil {
		return nil, err
	}
	if signerUtxo != nil {
		script, err := aggregateKeyScriptPubKey(signerUtxo.PublicKey)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, sweepInput{
			prevoutType:   model.PrevoutTypeSignersUtxo,
			prevOutpoint:  signerUtxo.Outpoint,
			prevOutScript: script,
			prevOutValue:  int64(signerUtxo.Amount),
		})
	}

	deposits, err := e.reader.GetPendingDepositRequests(ctx, req.ChainTip.Hash, 0)
	if err != nil {
		return nil, err
	}
	depositByOutpoint := make(map[model.OutPoint]model.DepositRequest, len(deposits))
	for _, d := range deposits {
		depositByOutpoint[d.Outpoint] = d
	}

	for _, entry := range req.RequestPackage {
		if entry.DepositOutpoint == nil {
			continue
		}
		dep, ok := depositByOutpoint[*entry.DepositOutpoint]
		if !ok {
			return nil, signerr.New(signerr.KindMissingDepositRequest)
		}
		taproot, err := deposit.BuildTaproot(dep.DepositScript, dep.ReclaimScript)
		if err != nil {
			return nil, err
		}
		leaf := txscript.NewBaseTapLeaf(dep.DepositScript)
		inputs = append(inputs, sweepInput{
			prevoutType:   model.PrevoutTypeDeposit,
			prevOutpoint:  dep.Outpoint,
			prevOutScript: taproot.ScriptPubKey,
			prevOutValue:  int64(dep.Amount),
			tapLeaf:       &leaf,
		})
	}

	tx := wire.NewMsgTx(2)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range inputs {
		outpoint := toWireOutPoint(in.prevOutpoint)
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: outpoint, Sequence: wire.MaxTxInSequenceNum})
		fetcher.AddPrevOut(outpoint, wire.NewTxOut(in.prevOutValue, in.prevOutScript))
	}

	// A single settlement output back to the signers' aggregate key;
	// the exact output layout for withdrawal recipients is a
	// Stacks-contract concern handled downstream of pre-sign.
	signersScript, err := aggregateKeyScriptPubKey(aggregateKey)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(0, signersScript))

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	txid := model.BitcoinTxId(tx.TxHash())

	rows := make([]model.BitcoinTxSigHash, 0, len(inputs))
	for i, in := range inputs {
		var raw []byte
		var err error
		if in.tapLeaf != nil {
			raw, err = txscript.CalcTapscriptSignaturehash(sigHashes, txscript.SigHashDefault, tx, i, fetcher, *in.tapLeaf)
		} else {
			raw, err = txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, i, fetcher)
		}
		if err != nil {
			return nil, err
		}
		var sigHash [32]byte
		copy(sigHash[:], raw)

		rows = append(rows, model.BitcoinTxSigHash{
			Txid:             txid,
			ChainTip:         req.ChainTip.Hash,
			Prevout:          in.prevOutpoint,
			SigHash:          sigHash,
			PrevoutType:      in.prevoutType,
			ValidationResult: model.ValidationResultOK,
			IsValidTx:        true,
			WillSign:         true,
			AggregateKey:     aggregateKey,
		})
	}
	return rows, nil
}

// toWireOutPoint converts a model.OutPoint to the wire representation.
// Both model.BitcoinTxId and wire/chainhash.Hash use the same (internal,
// non-reversed) byte order, matching how internal/deposit already
// derives txids via model.BitcoinTxId(tx.TxHash()).
func toWireOutPoint(o model.OutPoint) wire.OutPoint {
	var hash chainhash.Hash
	copy(hash[:], o.Txid[:])
	return wire.OutPoint{Hash: hash, Index: o.Vout}
}

func aggregateKeyScriptPubKey(aggregateKey [32]byte) ([]byte, error) {
	pubKey, err := schnorr.ParsePubKey(aggregateKey[:])
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInvalidXOnlyPublicKey, err)
	}
	outputKey := txscript.ComputeTaprootOutputKey(pubKey, nil)
	return txscript.PayToTaprootScript(outputKey)
}
