package deposit

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/wire"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
)

// Request is a claimed deposit: the outpoint the depositor says funds
// the deposit, plus the two scripts that, together, are claimed to
// reconstruct the outpoint's scriptPubKey.
type Request struct {
	Outpoint      model.OutPoint
	DepositScript []byte
	ReclaimScript []byte
}

// ParsedRequest is a Request whose two scripts have been parsed and
// whose outpoint has been checked against the actual funding
// transaction.
type ParsedRequest struct {
	Outpoint         model.OutPoint
	Amount           uint64
	MaxFee           uint64
	DepositScript    []byte
	ReclaimScript    []byte
	SignersPublicKey [32]byte
	Recipient        stacks.Principal
	LockTime         uint64
}

// ValidateTx checks txHex (the raw funding transaction, as it would be
// fetched from a Bitcoin node by txid) against r:
//
//   - txHex decodes to a valid transaction whose txid matches r.Outpoint.Txid.
//   - r.Outpoint.Vout indexes an existing output of that transaction.
//   - r.DepositScript and r.ReclaimScript each parse as a valid deposit
//     and reclaim script, respectively.
//   - The Taproot scriptPubKey implied by those two scripts matches the
//     actual scriptPubKey of the claimed output.
func (r Request) ValidateTx(txHex string) (*ParsedRequest, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindDecodeFromHex, err)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, signerr.Wrap(signerr.KindDecodeBitcoinTransaction, err)
	}

	txid := model.BitcoinTxId(tx.TxHash())
	if txid != r.Outpoint.Txid {
		e := signerr.New(signerr.KindTxidMismatch)
		e.TxidMismatch = &signerr.TxidMismatchData{
			FromTx:      txid.String(),
			FromRequest: r.Outpoint.Txid.String(),
		}
		return nil, e
	}

	if int(r.Outpoint.Vout) >= len(tx.TxOut) {
		return nil, signerr.Newf(signerr.KindOutpointIndex, "vout %d, tx has %d outputs", r.Outpoint.Vout, len(tx.TxOut))
	}
	txOut := tx.TxOut[r.Outpoint.Vout]

	depositInputs, err := ParseScript(r.DepositScript)
	if err != nil {
		return nil, err
	}
	reclaimInputs, err := ParseReclaimScript(r.ReclaimScript)
	if err != nil {
		return nil, err
	}

	taproot, err := BuildTaproot(r.DepositScript, r.ReclaimScript)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(taproot.ScriptPubKey, txOut.PkScript) {
		return nil, signerr.Newf(signerr.KindUtxoScriptPubKeyMismatch, "outpoint %s", r.Outpoint)
	}

	return &ParsedRequest{
		Outpoint:         r.Outpoint,
		Amount:           uint64(txOut.Value),
		MaxFee:           depositInputs.MaxFee,
		DepositScript:    r.DepositScript,
		ReclaimScript:    r.ReclaimScript,
		SignersPublicKey: depositInputs.SignersPublicKey,
		Recipient:        depositInputs.Recipient,
		LockTime:         uint64(reclaimInputs.LockTime),
	}, nil
}
