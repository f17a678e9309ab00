// Package p2p implements the signer's peer-to-peer message envelope:
// every broadcast message is wrapped with an ECDSA signature over its
// payload and the sender's claimed Bitcoin chain tip, so a receiver
// can authenticate the sender before dispatching by payload kind. The
// libp2p transport itself is internal/node, adapted to carry this
// envelope instead of the teacher's swap messages.
package p2p

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
)

// PayloadKind identifies the wrapped message's type, so a receiver can
// dispatch without first decoding the full payload.
type PayloadKind string

const (
	PayloadSignerDepositDecision    PayloadKind = "signer_deposit_decision"
	PayloadSignerWithdrawalDecision PayloadKind = "signer_withdrawal_decision"
	PayloadWstsMessage              PayloadKind = "wsts_message"
	PayloadBitcoinPreSignAck        PayloadKind = "bitcoin_presign_ack"
)

// Envelope is the signed wrapper every P2P broadcast carries.
type Envelope struct {
	Kind            PayloadKind
	Payload         json.RawMessage
	BitcoinChainTip model.BitcoinBlockHash
	SenderPubKey    [33]byte
	Signature       []byte // DER-encoded ECDSA signature

	// Delivery-guarantee fields, used only by the direct (non-gossip)
	// transport for FIFO, at-least-once delivery with ACKs. RequestKey
	// groups the messages of one signing round (a sighash, a DKG round,
	// or a Stacks request) for sequencing and bulk cancellation.
	MessageID   string
	RequestKey  string
	SequenceNum uint64
	RequiresAck bool
}

// AckPayloadKind marks an Envelope carrying a direct-transport Ack.
const AckPayloadKind PayloadKind = "ack"

// Ack is the payload an Envelope with Kind == AckPayloadKind carries.
type Ack struct {
	MessageID   string
	SequenceNum uint64
	Success     bool
	Error       string
}

// signedDigest is the exact byte sequence the signature covers: the
// payload kind, then the payload bytes, then the chain tip, hashed with
// SHA-256. Both Seal and Verify must derive it identically.
func signedDigest(kind PayloadKind, payload []byte, chainTip model.BitcoinBlockHash) [32]byte {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write(payload)
	h.Write(chainTip[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Seal builds a signed Envelope wrapping payload.
func Seal(kind PayloadKind, payload any, chainTip model.BitcoinBlockHash, priv *btcec.PrivateKey) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	digest := signedDigest(kind, raw, chainTip)
	sig := ecdsa.Sign(priv, digest[:])

	var pub [33]byte
	copy(pub[:], priv.PubKey().SerializeCompressed())

	return &Envelope{
		Kind:            kind,
		Payload:         raw,
		BitcoinChainTip: chainTip,
		SenderPubKey:    pub,
		Signature:       sig.Serialize(),
	}, nil
}

// SealDirect builds a signed Envelope for the point-to-point transport,
// stamping the delivery-guarantee fields SendDirect/StreamHandler rely
// on for FIFO, at-least-once delivery.
func SealDirect(kind PayloadKind, payload any, chainTip model.BitcoinBlockHash, priv *btcec.PrivateKey, messageID, requestKey string, seq uint64, requiresAck bool) (*Envelope, error) {
	env, err := Seal(kind, payload, chainTip, priv)
	if err != nil {
		return nil, err
	}
	env.MessageID = messageID
	env.RequestKey = requestKey
	env.SequenceNum = seq
	env.RequiresAck = requiresAck
	return env, nil
}

// Verify checks the envelope's signature against its claimed sender
// public key, returning nil on success.
func (e *Envelope) Verify() error {
	pubKey, err := btcec.ParsePubKey(e.SenderPubKey[:])
	if err != nil {
		return signerr.Wrap(signerr.KindInvalidPublicKey, err)
	}
	sig, err := ecdsa.ParseDERSignature(e.Signature)
	if err != nil {
		return signerr.Wrap(signerr.KindInvalidSignature, err)
	}
	digest := signedDigest(e.Kind, e.Payload, e.BitcoinChainTip)
	if !sig.Verify(digest[:], pubKey) {
		return signerr.New(signerr.KindInvalidSignature)
	}
	return nil
}

// Unmarshal decodes the envelope's payload into v. Callers should call
// Verify before Unmarshal so invalid messages never reach application
// logic.
func (e *Envelope) Unmarshal(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// SignerDepositDecision is the broadcast payload for a deposit
// accept/sign decision (spec §4.4).
type SignerDepositDecision struct {
	Txid      model.BitcoinTxId
	Vout      uint32
	CanAccept bool
	CanSign   bool
}

// SignerWithdrawalDecision is the broadcast payload for a withdrawal
// accept decision.
type SignerWithdrawalDecision struct {
	RequestID       uint64
	StacksBlockHash model.StacksBlockHash
	IsAccepted      bool
}

// BitcoinPreSignAck acknowledges a completed pre-sign validation pass
// (spec §4.5.3).
type BitcoinPreSignAck struct {
	ChainTip model.BitcoinBlockHash
	Txid     model.BitcoinTxId
}

// WstsMessageKind distinguishes the inner WSTS packet kinds this
// signer routes.
type WstsMessageKind string

const (
	WstsNonceRequest WstsMessageKind = "nonce_request"
	WstsDkgBegin     WstsMessageKind = "dkg_begin"
	WstsPacket       WstsMessageKind = "packet"
)

// WstsMessage is the broadcast payload carrying one WSTS protocol
// packet, dispatched by the TxSigner event loop (spec §4.5.4).
type WstsMessage struct {
	DkgID   uint64
	Kind    WstsMessageKind
	Message []byte // the sighash bytes for NonceRequest, opaque otherwise
	Inner   json.RawMessage
}
