package txsigner

import (
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/stacks-network/sbtc-signer/internal/signerr"
)

// mockTxValue is the fixed, out-of-band amount every signer plugs into
// the canned prevout fetcher when computing the canonical DKG
// verification sighash. Only the sighash is ever used, so the amount
// need not correspond to an actual UTXO - it just has to be the same
// constant on every signer.
const mockTxValue = 0

// MockVerificationSigHash computes the sighash of the canonical "mock"
// transaction every signer must independently derive the same way:
// a single input, key-spend taproot-locked to aggregateKey, spending a
// fixed all-zero outpoint to itself (spec §4.5.5 item 5).
func MockVerificationSigHash(aggregateKey [32]byte) ([32]byte, error) {
	pubKey, err := schnorr.ParsePubKey(aggregateKey[:])
	if err != nil {
		return [32]byte{}, signerr.Wrap(signerr.KindInvalidXOnlyPublicKey, err)
	}

	outputKey := txscript.ComputeTaprootOutputKey(pubKey, nil)
	scriptPubKey, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return [32]byte{}, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(mockTxValue, scriptPubKey))

	fetcher := txscript.NewCannedPrevOutputFetcher(scriptPubKey, mockTxValue)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	raw, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, 0, fetcher)
	if err != nil {
		return [32]byte{}, err
	}

	var out [32]byte
	copy(out[:], raw)
	return out, nil
}
