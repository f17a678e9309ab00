// Package node - Direct P2P stream handler for signer envelopes.
package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/internal/storage"
	"github.com/stacks-network/sbtc-signer/pkg/logging"
)

// SignerDirectProtocol is the protocol ID for direct signer envelopes.
const SignerDirectProtocol protocol.ID = "/sbtc-signer/direct/1.0.0"

// EnvelopeHandler handles one incoming signer envelope.
type EnvelopeHandler func(ctx context.Context, env *p2p.Envelope) error

// StreamHandler handles incoming direct P2P streams carrying signer
// envelopes.
type StreamHandler struct {
	node    *Node
	storage *storage.Storage
	log     *logging.Logger

	handlers map[p2p.PayloadKind]EnvelopeHandler
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamHandler creates a new direct stream handler.
func NewStreamHandler(n *Node, store *storage.Storage) *StreamHandler {
	ctx, cancel := context.WithCancel(context.Background())

	return &StreamHandler{
		node:     n,
		storage:  store,
		log:      logging.GetDefault().Component("stream-handler"),
		handlers: make(map[p2p.PayloadKind]EnvelopeHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the stream handler with the libp2p host.
func (h *StreamHandler) Start() error {
	h.node.Host().SetStreamHandler(SignerDirectProtocol, h.handleStream)
	h.log.Info("Direct stream handler started", "protocol", SignerDirectProtocol)
	return nil
}

// Stop stops the stream handler.
func (h *StreamHandler) Stop() {
	h.cancel()
	h.node.Host().RemoveStreamHandler(SignerDirectProtocol)
	h.log.Info("Direct stream handler stopped")
}

// OnMessage registers a handler for a specific envelope kind.
func (h *StreamHandler) OnMessage(kind p2p.PayloadKind, handler EnvelopeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = handler
}

// handleStream handles an incoming direct stream.
func (h *StreamHandler) handleStream(s network.Stream) {
	defer s.Close()

	remotePeer := s.Conn().RemotePeer()
	h.log.Debug("Incoming direct stream", "peer", shortPeerID(remotePeer))

	s.SetReadDeadline(time.Now().Add(60 * time.Second))

	reader := bufio.NewReader(s)
	msgBytes, err := readLengthPrefixed(reader)
	if err != nil {
		h.log.Warn("Failed to read message", "peer", shortPeerID(remotePeer), "error", err)
		return
	}

	var env p2p.Envelope
	if err := json.Unmarshal(msgBytes, &env); err != nil {
		h.log.Warn("Failed to parse message", "peer", shortPeerID(remotePeer), "error", err)
		return
	}

	if err := env.Verify(); err != nil {
		h.log.Warn("Rejecting unauthenticated envelope", "peer", shortPeerID(remotePeer), "error", err)
		return
	}

	h.log.Debug("Received direct envelope",
		"kind", env.Kind,
		"request_key", env.RequestKey,
		"message_id", env.MessageID,
		"from", shortPeerID(remotePeer))

	if env.MessageID != "" && h.storage != nil {
		isDuplicate, err := h.storage.HasReceivedMessage(env.MessageID)
		if err != nil {
			h.log.Warn("Failed to check for duplicate", "error", err)
		} else if isDuplicate {
			h.log.Debug("Duplicate envelope, re-sending ACK", "message_id", env.MessageID)
			h.sendAck(s, env.MessageID, env.SequenceNum, true, "")
			return
		}

		inboxMsg := &storage.InboxMessage{
			MessageID:   env.MessageID,
			RequestKey:  env.RequestKey,
			PeerID:      remotePeer.String(),
			MessageType: string(env.Kind),
			SequenceNum: env.SequenceNum,
		}
		if err := h.storage.RecordReceivedMessage(inboxMsg); err != nil {
			h.log.Warn("Failed to record message", "error", err)
		}

		if env.SequenceNum > 0 {
			if err := h.storage.UpdateRemoteSequence(env.RequestKey, env.SequenceNum); err != nil {
				h.log.Warn("Failed to update remote sequence", "error", err)
			}
		}
	}

	h.mu.RLock()
	handler, ok := h.handlers[env.Kind]
	h.mu.RUnlock()

	if !ok {
		h.log.Warn("No handler for envelope kind", "kind", env.Kind)
		if env.RequiresAck {
			h.sendAck(s, env.MessageID, env.SequenceNum, false, "unknown payload kind")
		}
		return
	}

	err = handler(h.ctx, &env)

	if env.RequiresAck {
		if err != nil {
			h.log.Debug("Envelope processing failed", "kind", env.Kind, "error", err)
			h.sendAck(s, env.MessageID, env.SequenceNum, false, err.Error())
		} else {
			h.sendAck(s, env.MessageID, env.SequenceNum, true, "")
		}
	}

	if env.MessageID != "" && h.storage != nil {
		if err := h.storage.MarkMessageProcessed(env.MessageID); err != nil {
			h.log.Warn("Failed to mark message processed", "error", err)
		}
		if env.RequiresAck {
			if err := h.storage.MarkAckSent(env.MessageID); err != nil {
				h.log.Warn("Failed to mark ACK sent", "error", err)
			}
		}
	}
}

// sendAck sends an acknowledgment envelope back through the stream.
func (h *StreamHandler) sendAck(s network.Stream, msgID string, seq uint64, success bool, errMsg string) {
	ack := p2p.Ack{
		MessageID:   msgID,
		SequenceNum: seq,
		Success:     success,
		Error:       errMsg,
	}

	ackEnv := &p2p.Envelope{
		Kind:        p2p.AckPayloadKind,
		MessageID:   uuid.New().String(),
		SequenceNum: seq,
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		h.log.Warn("Failed to marshal ACK payload", "error", err)
		return
	}
	ackEnv.Payload = payload

	ackBytes, err := json.Marshal(ackEnv)
	if err != nil {
		h.log.Warn("Failed to marshal ACK", "error", err)
		return
	}

	s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := writeLengthPrefixed(s, ackBytes); err != nil {
		h.log.Warn("Failed to send ACK", "error", err)
	}
}

// =============================================================================
// Length-prefixed message framing utilities
// =============================================================================

const maxMessageSize = 1024 * 1024 // 1MB max message size

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}

	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	return data, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// =============================================================================
// Direct message sending
// =============================================================================

// SendDirectMessage sends an envelope directly to a peer and waits for
// ACK when the envelope requires one.
func (h *StreamHandler) SendDirectMessage(ctx context.Context, peerID peer.ID, env *p2p.Envelope) error {
	stream, err := h.node.Host().NewStream(ctx, peerID, SignerDirectProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	stream.SetWriteDeadline(time.Now().Add(30 * time.Second))

	if env.MessageID == "" {
		env.MessageID = uuid.New().String()
	}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := writeLengthPrefixed(stream, envBytes); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	if !env.RequiresAck {
		return nil
	}

	stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	reader := bufio.NewReader(stream)
	ackBytes, err := readLengthPrefixed(reader)
	if err != nil {
		return fmt.Errorf("failed to read ACK: %w", err)
	}

	var ackEnv p2p.Envelope
	if err := json.Unmarshal(ackBytes, &ackEnv); err != nil {
		return fmt.Errorf("failed to parse ACK: %w", err)
	}

	if ackEnv.Kind != p2p.AckPayloadKind {
		return fmt.Errorf("unexpected response kind: %s", ackEnv.Kind)
	}

	var ack p2p.Ack
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		return fmt.Errorf("failed to parse ACK payload: %w", err)
	}

	if !ack.Success {
		return fmt.Errorf("message rejected by peer: %s", ack.Error)
	}

	h.log.Debug("Message delivered successfully",
		"kind", env.Kind,
		"request_key", env.RequestKey,
		"message_id", env.MessageID)

	return nil
}
