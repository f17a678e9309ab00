package deposit

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
)

// buildFundingTx constructs a one-input, one-output transaction paying
// scriptPubKey, serializes it, and returns its hex along with the
// resulting outpoint. The placeholder input keeps the serialization
// unambiguous: a zero input count would be read back as a segwit marker.
func buildFundingTx(t *testing.T, scriptPubKey []byte, amount int64) (string, model.OutPoint) {
	t.Helper()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount, scriptPubKey))

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	outpoint := model.OutPoint{
		Txid: model.BitcoinTxId(tx.TxHash()),
		Vout: 0,
	}
	return hex.EncodeToString(buf.Bytes()), outpoint
}

func TestValidateTxAccepted(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	var signersPubKey [32]byte
	copy(signersPubKey[:], schnorr.SerializePubKey(priv.PubKey()))

	depositInputs := ScriptInputs{
		SignersPublicKey: signersPubKey,
		Recipient:        stacks.NewStandard(26, [20]byte{9, 9, 9}),
		MaxFee:           1000,
	}
	depositScript, err := depositInputs.Script()
	if err != nil {
		t.Fatalf("deposit Script: %v", err)
	}

	reclaimInputs, err := NewReclaimInputs(144, []byte{0x75, 0xac})
	if err != nil {
		t.Fatalf("NewReclaimInputs: %v", err)
	}
	reclaimScript, err := reclaimInputs.Script()
	if err != nil {
		t.Fatalf("reclaim Script: %v", err)
	}

	taproot, err := BuildTaproot(depositScript, reclaimScript)
	if err != nil {
		t.Fatalf("BuildTaproot: %v", err)
	}

	txHex, outpoint := buildFundingTx(t, taproot.ScriptPubKey, 50000)

	req := Request{Outpoint: outpoint, DepositScript: depositScript, ReclaimScript: reclaimScript}
	parsed, err := req.ValidateTx(txHex)
	if err != nil {
		t.Fatalf("ValidateTx: %v", err)
	}
	if parsed.Amount != 50000 {
		t.Errorf("amount = %d, want 50000", parsed.Amount)
	}
	if parsed.MaxFee != 1000 {
		t.Errorf("max fee = %d, want 1000", parsed.MaxFee)
	}
	if parsed.LockTime != 144 {
		t.Errorf("lock time = %d, want 144", parsed.LockTime)
	}
}

func TestValidateTxRejectsScriptPubKeyMismatch(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	var signersPubKey [32]byte
	copy(signersPubKey[:], schnorr.SerializePubKey(priv.PubKey()))

	depositInputs := ScriptInputs{SignersPublicKey: signersPubKey, Recipient: stacks.NewStandard(26, [20]byte{1}), MaxFee: 500}
	depositScript, _ := depositInputs.Script()
	reclaimInputs, _ := NewReclaimInputs(10, []byte{0x75, 0xac})
	reclaimScript, _ := reclaimInputs.Script()

	// Fund a transaction with an unrelated scriptPubKey, so the expected
	// Taproot output built from the deposit/reclaim scripts won't match.
	txHex, outpoint := buildFundingTx(t, []byte{0x00, 0x14, 1, 2, 3, 4}, 1000)

	req := Request{Outpoint: outpoint, DepositScript: depositScript, ReclaimScript: reclaimScript}
	_, err = req.ValidateTx(txHex)
	if !signerr.Is(err, signerr.KindUtxoScriptPubKeyMismatch) {
		t.Fatalf("err = %v, want KindUtxoScriptPubKeyMismatch", err)
	}
}

func TestValidateTxRejectsTxidMismatch(t *testing.T) {
	txHex, outpoint := buildFundingTx(t, []byte{0x00, 0x14, 1, 2, 3, 4}, 1000)
	outpoint.Txid[0] ^= 0xff // corrupt the claimed txid

	req := Request{Outpoint: outpoint}
	_, err := req.ValidateTx(txHex)
	if !signerr.Is(err, signerr.KindTxidMismatch) {
		t.Fatalf("err = %v, want KindTxidMismatch", err)
	}
}
