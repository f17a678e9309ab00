package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStatus is the delivery state of a queued P2P message.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusAcked   OutboxStatus = "acked"
	OutboxStatusFailed  OutboxStatus = "failed"
	OutboxStatusExpired OutboxStatus = "expired"
)

// OutboxMessage is a message queued for delivery to one peer.
// RequestKey groups the messages belonging to one signing round (a
// sighash, a DKG round, or a Stacks request) for sequencing and bulk
// cancellation; Deadline is the unix time after which delivery is no
// longer useful (the round has moved on).
type OutboxMessage struct {
	ID           int64
	MessageID    string
	RequestKey   string
	PeerID       string
	MessageType  string
	Payload      []byte
	SequenceNum  uint64
	Deadline     int64
	CreatedAt    int64
	RetryCount   int
	LastAttempt  int64
	NextRetryAt  int64
	AckedAt      *int64
	Status       OutboxStatus
	ErrorMessage string
}

// InboxMessage records a received message for deduplication.
type InboxMessage struct {
	ID          int64
	MessageID   string
	RequestKey  string
	PeerID      string
	MessageType string
	SequenceNum uint64
	ReceivedAt  int64
	ProcessedAt *int64
	AckSent     bool
}

// MessageSequence tracks per-round sequence numbers for FIFO ordering.
type MessageSequence struct {
	RequestKey string
	LocalSeq   uint64
	RemoteSeq  uint64
	UpdatedAt  int64
}

// EnqueueMessage adds a message to the outbox for delivery.
func (s *Storage) EnqueueMessage(msg *OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO message_outbox (
			message_id, request_key, peer_id, message_type, payload, sequence_num,
			deadline, created_at, retry_count, next_retry_at, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 'pending')
	`,
		msg.MessageID, msg.RequestKey, msg.PeerID, msg.MessageType, msg.Payload,
		msg.SequenceNum, msg.Deadline, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// GetPendingMessages returns messages due for retry.
func (s *Storage) GetPendingMessages(now int64) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, message_id, request_key, peer_id, message_type, payload, sequence_num,
		       deadline, created_at, retry_count, last_attempt_at, next_retry_at,
		       acked_at, status, error_message
		FROM message_outbox
		WHERE (status = 'pending' OR status = 'sent')
		  AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT 100
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows)
}

// GetPendingForPeer returns pending messages for a specific peer.
func (s *Storage) GetPendingForPeer(peerID string) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, message_id, request_key, peer_id, message_type, payload, sequence_num,
		       deadline, created_at, retry_count, last_attempt_at, next_retry_at,
		       acked_at, status, error_message
		FROM message_outbox
		WHERE peer_id = ?
		  AND (status = 'pending' OR status = 'sent')
		ORDER BY sequence_num ASC
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for peer: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows)
}

// GetPendingForRequest returns pending messages for a specific round.
func (s *Storage) GetPendingForRequest(requestKey string) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, message_id, request_key, peer_id, message_type, payload, sequence_num,
		       deadline, created_at, retry_count, last_attempt_at, next_retry_at,
		       acked_at, status, error_message
		FROM message_outbox
		WHERE request_key = ?
		  AND (status = 'pending' OR status = 'sent')
		ORDER BY sequence_num ASC
	`, requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for request: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows)
}

// MarkMessageSent marks a message as sent (awaiting ACK).
func (s *Storage) MarkMessageSent(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		UPDATE message_outbox
		SET status = 'sent', last_attempt_at = ?, retry_count = retry_count + 1
		WHERE message_id = ?
	`, now, messageID)
	return err
}

// MarkMessageAcked marks a message as successfully delivered.
func (s *Storage) MarkMessageAcked(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		UPDATE message_outbox
		SET status = 'acked', acked_at = ?
		WHERE message_id = ?
	`, now, messageID)
	return err
}

// MarkMessageFailed marks a message as permanently failed.
func (s *Storage) MarkMessageFailed(messageID string, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE message_outbox
		SET status = 'failed', error_message = ?
		WHERE message_id = ?
	`, errorMsg, messageID)
	return err
}

// MarkMessageExpired marks a message as expired (the round moved on).
func (s *Storage) MarkMessageExpired(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE message_outbox
		SET status = 'expired', error_message = 'round deadline passed'
		WHERE message_id = ?
	`, messageID)
	return err
}

// ScheduleRetry schedules a message for retry at the given time.
func (s *Storage) ScheduleRetry(messageID string, nextRetryAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE message_outbox
		SET status = 'pending', next_retry_at = ?
		WHERE message_id = ?
	`, nextRetryAt, messageID)
	return err
}

// HasReceivedMessage checks if a message was already received.
func (s *Storage) HasReceivedMessage(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM message_inbox WHERE message_id = ?`, messageID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordReceivedMessage records a received message for deduplication.
func (s *Storage) RecordReceivedMessage(msg *InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_inbox (
			message_id, request_key, peer_id, message_type, sequence_num, received_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.MessageID, msg.RequestKey, msg.PeerID, msg.MessageType,
		msg.SequenceNum, now,
	)
	return err
}

// MarkMessageProcessed marks an inbox message as processed.
func (s *Storage) MarkMessageProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`UPDATE message_inbox SET processed_at = ? WHERE message_id = ?`, now, messageID)
	return err
}

// MarkAckSent marks that an ACK was sent for this message.
func (s *Storage) MarkAckSent(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE message_inbox SET ack_sent = 1 WHERE message_id = ?`, messageID)
	return err
}

// GetNextLocalSequence gets and increments the local sequence for a round.
func (s *Storage) GetNextLocalSequence(requestKey string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE message_sequences SET local_seq = local_seq + 1, updated_at = ?
		WHERE request_key = ?
	`, now, requestKey)
	if err != nil {
		return 0, err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		_, err = s.db.Exec(`
			INSERT INTO message_sequences (request_key, local_seq, remote_seq, updated_at)
			VALUES (?, 1, 0, ?)
		`, requestKey, now)
		if err != nil {
			return 0, err
		}
		return 1, nil
	}

	var seq uint64
	err = s.db.QueryRow(`SELECT local_seq FROM message_sequences WHERE request_key = ?`, requestKey).Scan(&seq)
	return seq, err
}

// UpdateRemoteSequence updates the last received sequence number for a round.
func (s *Storage) UpdateRemoteSequence(requestKey string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO message_sequences (request_key, local_seq, remote_seq, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(request_key) DO UPDATE SET
			remote_seq = MAX(remote_seq, excluded.remote_seq),
			updated_at = excluded.updated_at
	`, requestKey, seq, now)
	return err
}

// ExpireOldMessages marks outbox messages whose round deadline (plus a
// safety buffer) has passed as expired, so the retry worker stops
// wasting attempts on a round that has already moved on.
func (s *Storage) ExpireOldMessages(now int64, bufferSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := now + bufferSeconds
	_, err := s.db.Exec(`
		UPDATE message_outbox
		SET status = 'expired', error_message = 'round deadline approaching'
		WHERE (status = 'pending' OR status = 'sent')
		  AND deadline <= ?
	`, deadline)
	return err
}

// CleanupOldMessages removes old completed/failed/expired outbox messages.
func (s *Storage) CleanupOldMessages(olderThan int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM message_outbox
		WHERE status IN ('acked', 'failed', 'expired')
		  AND created_at < ?
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetOutboxStats returns a count of outbox messages per status.
func (s *Storage) GetOutboxStats() (map[OutboxStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM message_outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[OutboxStatus(status)] = count
	}
	return stats, rows.Err()
}

// GetOutboxMessage retrieves a single outbox message by message ID.
func (s *Storage) GetOutboxMessage(messageID string) (*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msg OutboxMessage
	var lastAttempt, ackedAt sql.NullInt64
	var errorMsg sql.NullString

	err := s.db.QueryRow(`
		SELECT id, message_id, request_key, peer_id, message_type, payload, sequence_num,
		       deadline, created_at, retry_count, last_attempt_at, next_retry_at,
		       acked_at, status, error_message
		FROM message_outbox
		WHERE message_id = ?
	`, messageID).Scan(
		&msg.ID, &msg.MessageID, &msg.RequestKey, &msg.PeerID, &msg.MessageType,
		&msg.Payload, &msg.SequenceNum, &msg.Deadline, &msg.CreatedAt,
		&msg.RetryCount, &lastAttempt, &msg.NextRetryAt, &ackedAt,
		&msg.Status, &errorMsg,
	)
	if err != nil {
		return nil, err
	}

	if lastAttempt.Valid {
		msg.LastAttempt = lastAttempt.Int64
	}
	if ackedAt.Valid {
		msg.AckedAt = &ackedAt.Int64
	}
	if errorMsg.Valid {
		msg.ErrorMessage = errorMsg.String
	}

	return &msg, nil
}

// GetInboxMessage retrieves an inbox message by ID.
func (s *Storage) GetInboxMessage(messageID string) (*InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msg InboxMessage
	var processedAt sql.NullInt64
	var ackSent int

	err := s.db.QueryRow(`
		SELECT id, message_id, request_key, peer_id, message_type, sequence_num,
		       received_at, processed_at, ack_sent
		FROM message_inbox
		WHERE message_id = ?
	`, messageID).Scan(
		&msg.ID, &msg.MessageID, &msg.RequestKey, &msg.PeerID, &msg.MessageType,
		&msg.SequenceNum, &msg.ReceivedAt, &processedAt, &ackSent,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if processedAt.Valid {
		msg.ProcessedAt = &processedAt.Int64
	}
	msg.AckSent = ackSent == 1

	return &msg, nil
}

// CleanupOldInboxMessages removes old inbox dedup entries.
func (s *Storage) CleanupOldInboxMessages(olderThan int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM message_inbox WHERE received_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetSequences returns the local/remote sequence numbers tracked for a round.
func (s *Storage) GetSequences(requestKey string) (*MessageSequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq MessageSequence
	err := s.db.QueryRow(`
		SELECT request_key, local_seq, remote_seq, updated_at
		FROM message_sequences
		WHERE request_key = ?
	`, requestKey).Scan(&seq.RequestKey, &seq.LocalSeq, &seq.RemoteSeq, &seq.UpdatedAt)

	if err == sql.ErrNoRows {
		return &MessageSequence{RequestKey: requestKey}, nil
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func scanOutboxMessages(rows *sql.Rows) ([]*OutboxMessage, error) {
	var messages []*OutboxMessage

	for rows.Next() {
		var msg OutboxMessage
		var lastAttempt, ackedAt sql.NullInt64
		var errorMsg sql.NullString

		err := rows.Scan(
			&msg.ID, &msg.MessageID, &msg.RequestKey, &msg.PeerID, &msg.MessageType,
			&msg.Payload, &msg.SequenceNum, &msg.Deadline, &msg.CreatedAt,
			&msg.RetryCount, &lastAttempt, &msg.NextRetryAt, &ackedAt,
			&msg.Status, &errorMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}

		if lastAttempt.Valid {
			msg.LastAttempt = lastAttempt.Int64
		}
		if ackedAt.Valid {
			msg.AckedAt = &ackedAt.Int64
		}
		if errorMsg.Valid {
			msg.ErrorMessage = errorMsg.String
		}

		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// ToJSON decodes an OutboxMessage's payload into v.
func (m *OutboxMessage) ToJSON(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}
