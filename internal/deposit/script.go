// Package deposit implements the Taproot deposit-script codec and the
// deposit-request validator: parsing and building the two-leaf
// (deposit, reclaim) script tree that a depositor locks BTC into, and
// checking a claimed deposit request against the actual transaction
// that funds it.
package deposit

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
)

// Bitcoin script opcodes used directly as bytes, matching the names
// the Bitcoin Core and btcsuite sources use.
const (
	opDrop        = 0x75
	opCheckSig    = 0xac
	opPushData1   = 0x4c
	opCheckSeqVerify = 0xb2
	opPushNum1    = 0x51
	opPushNum16   = 0x60
	opPushNumNeg1 = 0x4f
)

// depositScriptFixedLength is the length of the fixed tail of a
// deposit script: OP_DROP OP_PUSHBYTES_32 <x-only-pubkey> OP_CHECKSIG.
const depositScriptFixedLength = 35

// standardScriptLength is the minimum valid length of a deposit
// script: 1-byte push opcode + 8-byte max fee + a standard (non-
// contract) Stacks principal + the fixed tail.
var standardScriptLength = 1 + 8 + stacks.StandardPrincipalLen + depositScriptFixedLength

// unspendableInternalKeyHex is the BIP-341 "nothing up my sleeve"
// point used as the Taproot internal key for every deposit UTXO, so
// that the key-spend path is provably unusable and only the deposit
// or reclaim script leaves can ever spend the output.
const unspendableInternalKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

// UnspendableInternalKey returns the shared NUMS x-only internal key.
func UnspendableInternalKey() [32]byte {
	b, err := hex.DecodeString(unspendableInternalKeyHex)
	if err != nil {
		panic(err)
	}
	var out [32]byte
	copy(out[:], b)
	return out
}

// ScriptInputs holds the parsed variable fields of a deposit script.
type ScriptInputs struct {
	SignersPublicKey [32]byte
	Recipient        stacks.Principal
	MaxFee           uint64
}

// Script builds the deposit script from its inputs:
//
//	<max-fee><recipient> OP_DROP <signers-public-key> OP_CHECKSIG
func (d ScriptInputs) Script() ([]byte, error) {
	recipientBytes, err := d.Recipient.Serialize()
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInvalidDepositScript, err)
	}

	opDropData := make([]byte, 0, 8+len(recipientBytes))
	var feeBuf [8]byte
	binary.BigEndian.PutUint64(feeBuf[:], d.MaxFee)
	opDropData = append(opDropData, feeBuf[:]...)
	opDropData = append(opDropData, recipientBytes...)

	builder := txscript.NewScriptBuilder()
	builder.AddData(opDropData)
	builder.AddOp(opDrop)
	builder.AddData(d.SignersPublicKey[:])
	builder.AddOp(opCheckSig)
	return builder.Script()
}

// ParseScript parses a deposit script, validating that it follows the
// format laid out by the deposit-script convention: a push of
// <max-fee><recipient-principal> followed by OP_DROP, a 32-byte
// x-only public key push, and OP_CHECKSIG.
func ParseScript(script []byte) (ScriptInputs, error) {
	if len(script) < standardScriptLength {
		return ScriptInputs{}, signerr.New(signerr.KindInvalidDepositScript)
	}

	fixedStart := len(script) - depositScriptFixedLength
	params, tail := script[:fixedStart], script[fixedStart:]

	if len(tail) != depositScriptFixedLength ||
		tail[0] != opDrop || tail[1] != 32 || tail[depositScriptFixedLength-1] != opCheckSig {
		return ScriptInputs{}, signerr.New(signerr.KindInvalidDepositScript)
	}
	pubKeyBytes := tail[2 : 2+32]

	var opDropData []byte
	switch {
	case len(params) >= 2 && params[0] == opPushData1:
		n := int(params[1])
		data := params[2:]
		if n >= 160 || len(data) != n {
			return ScriptInputs{}, signerr.New(signerr.KindInvalidDepositScript)
		}
		opDropData = data
	case len(params) >= 1:
		n := int(params[0])
		data := params[1:]
		if n >= 76 || len(data) != n {
			return ScriptInputs{}, signerr.New(signerr.KindInvalidDepositScript)
		}
		opDropData = data
	default:
		return ScriptInputs{}, signerr.New(signerr.KindInvalidDepositScript)
	}

	if len(opDropData) < 8 {
		return ScriptInputs{}, signerr.New(signerr.KindInvalidDepositScript)
	}
	maxFee := binary.BigEndian.Uint64(opDropData[:8])
	addressBytes := opDropData[8:]

	principal, err := stacks.ParsePrincipal(addressBytes)
	if err != nil {
		return ScriptInputs{}, signerr.Wrap(signerr.KindParseStacksAddress, err)
	}

	if _, err := schnorr.ParsePubKey(pubKeyBytes); err != nil {
		return ScriptInputs{}, signerr.Wrap(signerr.KindInvalidXOnlyPublicKey, err)
	}

	var signersPublicKey [32]byte
	copy(signersPublicKey[:], pubKeyBytes)

	return ScriptInputs{
		SignersPublicKey: signersPublicKey,
		Recipient:        principal,
		MaxFee:           maxFee,
	}, nil
}

// ReclaimInputs holds the parsed lock-time and trailing script of a
// reclaim script.
type ReclaimInputs struct {
	LockTime int64
	Script   []byte // the reclaim path script after <lock-time> OP_CSV
}

// NewReclaimInputs validates lockTime against OP_CSV's acceptable
// range (a non-negative value representable as a 5-byte CScriptNum)
// before constructing a ReclaimInputs.
func NewReclaimInputs(lockTime int64, script []byte) (ReclaimInputs, error) {
	if lockTime < 0 || lockTime > (1<<39)-1 {
		return ReclaimInputs{}, signerr.Newf(signerr.KindInvalidReclaimScriptLockTime, "%d", lockTime)
	}
	return ReclaimInputs{LockTime: lockTime, Script: script}, nil
}

// Script builds the reclaim script: <lock-time> OP_CSV <script>.
func (r ReclaimInputs) Script() ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(r.LockTime)
	builder.AddOp(opCheckSeqVerify)
	lockPrefix, err := builder.Script()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(lockPrefix)+len(r.Script))
	out = append(out, lockPrefix...)
	out = append(out, r.Script...)
	return out, nil
}

// ParseReclaimScript extracts the OP_CSV lock time from the head of a
// reclaim script, requiring the minimal-push (CScriptNum) encoding
// rules OP_CSV itself enforces.
func ParseReclaimScript(script []byte) (ReclaimInputs, error) {
	var lockTime int64
	var rest []byte

	switch {
	case len(script) >= 2 && script[0] == 0 && script[1] == opCheckSeqVerify:
		lockTime = 0
		rest = script[2:]

	case len(script) >= 2 && (script[0] == opPushNumNeg1 || (script[0] >= opPushNum1 && script[0] <= opPushNum16)) && script[1] == opCheckSeqVerify:
		lockTime = int64(script[0]) - int64(opPushNum1) + 1
		rest = script[2:]

	case len(script) >= 1 && script[0] <= 5 && len(script) > int(script[0])+1 && script[1+int(script[0])] == opCheckSeqVerify:
		n := int(script[0])
		scriptNum := script[1 : 1+n]
		rest = script[1+n+1:]
		lt, err := readScriptInt(scriptNum, 5)
		if err != nil {
			return ReclaimInputs{}, err
		}
		lockTime = lt

	default:
		return ReclaimInputs{}, signerr.New(signerr.KindInvalidReclaimScript)
	}

	return NewReclaimInputs(lockTime, rest)
}

// readScriptInt decodes a minimally-encoded CScriptNum, the same rule
// Bitcoin Core's script interpreter applies to OP_CSV/OP_CLTV operands
// (max_size extended to 5 bytes rather than the usual 4).
func readScriptInt(v []byte, maxSize int) (int64, error) {
	if len(v) == 0 {
		return 0, nil
	}
	if len(v) > maxSize {
		return 0, signerr.New(signerr.KindScriptNum)
	}
	last := v[len(v)-1]
	if last&0x7f == 0 {
		if len(v) <= 1 || v[len(v)-2]&0x80 == 0 {
			return 0, signerr.New(signerr.KindScriptNum)
		}
	}
	return scriptIntParse(v), nil
}

func scriptIntParse(v []byte) int64 {
	var ret int64
	var sh uint
	for _, n := range v {
		ret += int64(n) << sh
		sh += 8
	}
	if v[len(v)-1]&0x80 != 0 {
		ret &= (1 << (sh - 1)) - 1
		ret = -ret
	}
	return ret
}

// Taproot describes the Taproot tree built from a deposit and reclaim
// script pair: the internal key, the leaf scripts, and the resulting
// merkle root / scriptPubKey.
type Taproot struct {
	InternalKey   [32]byte
	DepositScript []byte
	ReclaimScript []byte
	MerkleRoot    [32]byte
	ScriptPubKey  []byte
}

// BuildTaproot assembles the two-leaf (deposit, reclaim) Taproot tree
// and the resulting P2TR scriptPubKey.
func BuildTaproot(depositScript, reclaimScript []byte) (Taproot, error) {
	leaf1 := txscript.NewBaseTapLeaf(depositScript)
	leaf2 := txscript.NewBaseTapLeaf(reclaimScript)
	tree := txscript.AssembleTaprootScriptTree(leaf1, leaf2)
	root := tree.RootNode.TapHash()

	internalKey := UnspendableInternalKey()
	pubKey, err := schnorr.ParsePubKey(internalKey[:])
	if err != nil {
		return Taproot{}, signerr.Wrap(signerr.KindInvalidXOnlyPublicKey, err)
	}

	outputKey := txscript.ComputeTaprootOutputKey(pubKey, root[:])
	scriptPubKey, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return Taproot{}, err
	}

	var merkleRoot [32]byte
	copy(merkleRoot[:], root[:])

	return Taproot{
		InternalKey:   internalKey,
		DepositScript: depositScript,
		ReclaimScript: reclaimScript,
		MerkleRoot:    merkleRoot,
		ScriptPubKey:  scriptPubKey,
	}, nil
}
