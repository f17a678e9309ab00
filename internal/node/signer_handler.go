// Package node - signer envelope handler for the consensus PubSub protocol.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/pkg/logging"
)

// PubSub topics for signer envelopes.
const (
	// SignerTopic carries signed, plaintext deposit/withdrawal decisions
	// and pre-sign acknowledgments - every signer needs to see these.
	SignerTopic = "/sbtc-signer/consensus/1.0.0"

	// SignerEncryptedTopic carries WSTS/DKG traffic. Each gossip message
	// is encrypted for one recipient peer but broadcast to the whole
	// mesh, so only the intended signer can read the payload.
	SignerEncryptedTopic = "/sbtc-signer/consensus/encrypted/1.0.0"

	// Note: SignerDirectProtocol is defined in stream_handler.go
)

// SignerMessageHandler handles one incoming signer envelope.
type SignerMessageHandler func(ctx context.Context, env *p2p.Envelope) error

// SignerHandler manages consensus PubSub messaging: signed broadcast of
// deposit/withdrawal decisions on SignerTopic, and encrypted WSTS/DKG
// gossip on SignerEncryptedTopic.
type SignerHandler struct {
	node *Node
	log  *logging.Logger

	signerKey *btcec.PrivateKey

	// Plaintext, signed topic for deposit/withdrawal decisions.
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	// Encrypted topic for WSTS/DKG payloads.
	encryptedTopic *pubsub.Topic
	encryptedSub   *pubsub.Subscription
	encryptor      *MessageEncryptor

	handlers map[p2p.PayloadKind]SignerMessageHandler
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSignerHandler creates a new signer handler. signerKey signs every
// envelope this node broadcasts on SignerTopic.
func NewSignerHandler(n *Node, signerKey *btcec.PrivateKey) (*SignerHandler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &SignerHandler{
		node:      n,
		signerKey: signerKey,
		log:       logging.GetDefault().Component("signer-handler"),
		handlers:  make(map[p2p.PayloadKind]SignerMessageHandler),
		ctx:       ctx,
		cancel:    cancel,
	}

	return h, nil
}

// Start starts the signer handler and joins the consensus topics.
func (h *SignerHandler) Start() error {
	if h.node.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	topic, err := h.node.pubsub.Join(SignerTopic)
	if err != nil {
		return fmt.Errorf("failed to join signer topic: %w", err)
	}
	h.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to signer topic: %w", err)
	}
	h.sub = sub

	encTopic, err := h.node.pubsub.Join(SignerEncryptedTopic)
	if err != nil {
		return fmt.Errorf("failed to join encrypted signer topic: %w", err)
	}
	h.encryptedTopic = encTopic

	encSub, err := encTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to encrypted signer topic: %w", err)
	}
	h.encryptedSub = encSub

	privKey := h.node.Host().Peerstore().PrivKey(h.node.ID())
	if privKey != nil {
		enc, err := NewMessageEncryptor(privKey, h.node.ID())
		if err != nil {
			h.log.Warn("Failed to create encryptor", "error", err)
		} else {
			h.encryptor = enc
		}
	}

	go h.processMessages()
	go h.processEncryptedMessages()

	h.log.Info("Signer handler started",
		"public_topic", SignerTopic,
		"encrypted_topic", SignerEncryptedTopic)
	return nil
}

// GetEncryptedTopic returns the encrypted topic for direct publishing.
func (h *SignerHandler) GetEncryptedTopic() *pubsub.Topic {
	return h.encryptedTopic
}

// Stop stops the signer handler.
func (h *SignerHandler) Stop() error {
	h.cancel()

	if h.sub != nil {
		h.sub.Cancel()
	}
	if h.topic != nil {
		h.topic.Close()
	}
	if h.encryptedSub != nil {
		h.encryptedSub.Cancel()
	}
	if h.encryptedTopic != nil {
		h.encryptedTopic.Close()
	}

	h.log.Info("Signer handler stopped")
	return nil
}

// OnMessage registers a handler for a specific envelope kind.
func (h *SignerHandler) OnMessage(kind p2p.PayloadKind, handler SignerMessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = handler
}

// Broadcast seals a payload into a signed envelope and publishes it on
// the plaintext consensus topic.
func (h *SignerHandler) Broadcast(ctx context.Context, kind p2p.PayloadKind, payload interface{}, chainTip model.BitcoinBlockHash) error {
	if h.topic == nil {
		return fmt.Errorf("not connected to signer topic")
	}
	if h.signerKey == nil {
		return fmt.Errorf("no signer key configured for broadcast")
	}

	env, err := p2p.Seal(kind, payload, chainTip, h.signerKey)
	if err != nil {
		return fmt.Errorf("failed to seal envelope: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := h.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	h.log.Debug("Broadcast signer envelope", "kind", kind, "chain_tip", chainTip)
	return nil
}

// processMessages processes incoming plaintext consensus envelopes.
func (h *SignerHandler) processMessages() {
	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("Error receiving message", "error", err)
			continue
		}

		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		var env p2p.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			h.log.Warn("Failed to parse signer envelope", "error", err)
			continue
		}

		if err := env.Verify(); err != nil {
			h.log.Warn("Rejecting unauthenticated envelope", "from", shortPeerID(msg.ReceivedFrom), "error", err)
			continue
		}

		h.mu.RLock()
		handler, ok := h.handlers[env.Kind]
		h.mu.RUnlock()

		if !ok {
			h.log.Debug("No handler for envelope kind", "kind", env.Kind)
			continue
		}

		h.log.Debug("Received signer envelope", "kind", env.Kind, "from", shortPeerID(msg.ReceivedFrom))

		go func(e p2p.Envelope) {
			if err := handler(h.ctx, &e); err != nil {
				h.log.Warn("Error handling signer envelope", "kind", e.Kind, "error", err)
			}
		}(env)
	}
}

// processEncryptedMessages processes incoming encrypted WSTS/DKG envelopes.
// These are gossiped to the whole mesh but encrypted for one recipient.
func (h *SignerHandler) processEncryptedMessages() {
	for {
		msg, err := h.encryptedSub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("Error receiving encrypted message", "error", err)
			continue
		}

		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		var envelope EncryptedEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			h.log.Debug("Failed to parse encrypted envelope", "error", err)
			continue
		}

		if h.encryptor == nil || !h.encryptor.IsForUs(&envelope) {
			continue
		}

		env, err := h.encryptor.Decrypt(&envelope)
		if err != nil {
			h.log.Warn("Failed to decrypt message", "error", err, "from", shortSenderID(envelope.SenderPeerID))
			continue
		}

		h.log.Debug("Received encrypted envelope",
			"kind", env.Kind,
			"request_key", env.RequestKey,
			"message_id", env.MessageID,
			"from", shortSenderID(envelope.SenderPeerID))

		h.mu.RLock()
		handler, ok := h.handlers[env.Kind]
		h.mu.RUnlock()

		if !ok {
			h.log.Debug("No handler for encrypted envelope kind", "kind", env.Kind)
			continue
		}

		go func(senderPeerID string, e *p2p.Envelope) {
			if err := handler(h.ctx, e); err != nil {
				h.log.Warn("Error handling encrypted envelope", "kind", e.Kind, "error", err)
				if e.RequiresAck {
					h.sendEncryptedAck(senderPeerID, e.MessageID, e.SequenceNum, false, err.Error())
				}
				return
			}

			if e.RequiresAck {
				h.sendEncryptedAck(senderPeerID, e.MessageID, e.SequenceNum, true, "")
			}
		}(envelope.SenderPeerID, env)
	}
}

// sendEncryptedAck sends an encrypted ACK back to the sender via PubSub.
func (h *SignerHandler) sendEncryptedAck(senderPeerIDStr string, messageID string, seq uint64, success bool, errMsg string) {
	if h.encryptor == nil || h.encryptedTopic == nil {
		return
	}

	senderPeerID, err := peer.Decode(senderPeerIDStr)
	if err != nil {
		h.log.Warn("Invalid sender peer ID for ACK", "peer", senderPeerIDStr)
		return
	}

	ack := p2p.Ack{
		MessageID:   messageID,
		SequenceNum: seq,
		Success:     success,
		Error:       errMsg,
	}

	payloadBytes, err := json.Marshal(ack)
	if err != nil {
		h.log.Warn("Failed to marshal ACK payload", "error", err)
		return
	}

	ackEnv := &p2p.Envelope{
		Kind:      p2p.AckPayloadKind,
		Payload:   payloadBytes,
		MessageID: messageID,
	}

	envelope, err := h.encryptor.Encrypt(senderPeerID, ackEnv)
	if err != nil {
		h.log.Warn("Failed to encrypt ACK", "error", err)
		return
	}

	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		h.log.Warn("Failed to marshal ACK envelope", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	if err := h.encryptedTopic.Publish(ctx, envelopeBytes); err != nil {
		h.log.Warn("Failed to publish ACK", "error", err)
	}

	h.log.Debug("Sent encrypted ACK", "message_id", messageID, "success", success)
}

func shortPeerID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func shortSenderID(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
