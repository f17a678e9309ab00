// Package storage provides the signer's persistence layer: a SQLite-backed
// implementation of the Storage contract the consensus kernel consumes
// (bitcoin/stacks blocks, deposit/withdrawal requests and signer decisions,
// DKG shares, key rotations, pre-sign sighashes, and the signers' UTXO).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage is a SQLite-backed implementation of Reader, Writer and
// Transactable. The mutex serializes write transactions the way the
// teacher's node storage does, since sqlite3 only supports one writer.
type Storage struct {
	store
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance, opening (and if necessary creating)
// the on-disk SQLite database under cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "signer.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}
	s.store = store{x: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection. Exposed for callers
// (e.g. the block observer, out of scope for this core) that need to
// append rows the kernel never writes itself.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Chain state
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS bitcoin_blocks (
		block_hash   TEXT PRIMARY KEY,
		block_height INTEGER NOT NULL,
		parent_hash  TEXT NOT NULL,
		confirmed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bitcoin_blocks_height ON bitcoin_blocks(block_height);
	CREATE INDEX IF NOT EXISTS idx_bitcoin_blocks_parent ON bitcoin_blocks(parent_hash);

	CREATE TABLE IF NOT EXISTS stacks_blocks (
		block_hash          TEXT PRIMARY KEY,
		block_height        INTEGER NOT NULL,
		parent_hash         TEXT NOT NULL,
		bitcoin_anchor_hash TEXT NOT NULL,
		confirmed_at        INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stacks_blocks_anchor ON stacks_blocks(bitcoin_anchor_hash);

	-- =========================================================================
	-- Deposit requests and decisions
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS deposit_requests (
		txid                   TEXT NOT NULL,
		vout                   INTEGER NOT NULL,
		amount                 INTEGER NOT NULL,
		max_fee                INTEGER NOT NULL,
		deposit_script         BLOB NOT NULL,
		reclaim_script         BLOB NOT NULL,
		signers_public_key     BLOB NOT NULL,
		recipient              BLOB NOT NULL,
		lock_time              INTEGER NOT NULL,
		sender_script_pub_keys TEXT NOT NULL, -- JSON array of hex scripts
		confirmed_block_hash   TEXT,
		created_at             INTEGER NOT NULL,
		PRIMARY KEY (txid, vout)
	);

	CREATE INDEX IF NOT EXISTS idx_deposit_requests_block ON deposit_requests(confirmed_block_hash);

	CREATE TABLE IF NOT EXISTS deposit_signers (
		txid          TEXT NOT NULL,
		vout          INTEGER NOT NULL,
		signer_pubkey BLOB NOT NULL,
		can_accept    INTEGER NOT NULL,
		can_sign      INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (txid, vout, signer_pubkey)
	);

	-- =========================================================================
	-- Withdrawal requests and decisions
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		request_id              INTEGER NOT NULL,
		stacks_block_hash        TEXT NOT NULL,
		stacks_txid              TEXT NOT NULL,
		amount                   INTEGER NOT NULL,
		max_fee                  INTEGER NOT NULL,
		recipient_script_pub_key BLOB NOT NULL,
		sender_address           TEXT NOT NULL,
		created_at               INTEGER NOT NULL,
		PRIMARY KEY (request_id, stacks_block_hash)
	);

	CREATE TABLE IF NOT EXISTS withdrawal_signers (
		request_id       INTEGER NOT NULL,
		stacks_block_hash TEXT NOT NULL,
		signer_pubkey     BLOB NOT NULL,
		is_accepted       INTEGER NOT NULL,
		txid              TEXT,
		updated_at        INTEGER NOT NULL,
		PRIMARY KEY (request_id, stacks_block_hash, signer_pubkey)
	);

	-- =========================================================================
	-- DKG shares and key rotation
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS encrypted_dkg_shares (
		aggregate_key                  BLOB PRIMARY KEY,
		tweaked_aggregate_key          BLOB NOT NULL,
		script_pubkey                  BLOB NOT NULL,
		encrypted_private_shares       BLOB NOT NULL,
		public_shares                  BLOB NOT NULL,
		signer_set_public_keys         TEXT NOT NULL, -- JSON ordered array of hex pubkeys
		signature_share_threshold      INTEGER NOT NULL,
		status                         TEXT NOT NULL DEFAULT 'unverified',
		started_at_bitcoin_block_hash  TEXT NOT NULL,
		started_at_bitcoin_block_height INTEGER NOT NULL,
		created_at                    INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dkg_shares_status ON encrypted_dkg_shares(status);
	CREATE INDEX IF NOT EXISTS idx_dkg_shares_created ON encrypted_dkg_shares(created_at);

	CREATE TABLE IF NOT EXISTS key_rotation_events (
		stacks_txid         TEXT PRIMARY KEY,
		block_hash          TEXT NOT NULL,
		aggregate_key       BLOB NOT NULL,
		signer_set          TEXT NOT NULL, -- JSON ordered array of hex pubkeys
		signatures_required INTEGER NOT NULL,
		address             TEXT NOT NULL,
		created_at          INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_key_rotation_block ON key_rotation_events(block_hash);

	-- =========================================================================
	-- Pre-sign sighashes and the signers' UTXO
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS bitcoin_tx_sighashes (
		txid             TEXT NOT NULL,
		chain_tip        TEXT NOT NULL,
		prevout_txid     TEXT NOT NULL,
		prevout_vout     INTEGER NOT NULL,
		sighash          BLOB NOT NULL,
		prevout_type     TEXT NOT NULL,
		validation_result TEXT NOT NULL,
		is_valid_tx      INTEGER NOT NULL,
		will_sign        INTEGER NOT NULL,
		aggregate_key    BLOB NOT NULL,
		created_at       INTEGER NOT NULL,
		PRIMARY KEY (txid, prevout_txid, prevout_vout)
	);

	CREATE INDEX IF NOT EXISTS idx_sighashes_sighash ON bitcoin_tx_sighashes(sighash);
	CREATE INDEX IF NOT EXISTS idx_sighashes_tip ON bitcoin_tx_sighashes(chain_tip);

	CREATE TABLE IF NOT EXISTS signer_utxos (
		txid       TEXT NOT NULL,
		vout       INTEGER NOT NULL,
		amount     INTEGER NOT NULL,
		public_key BLOB NOT NULL,
		chain_tip  TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (txid, vout)
	);

	CREATE INDEX IF NOT EXISTS idx_signer_utxos_tip ON signer_utxos(chain_tip);

	CREATE TABLE IF NOT EXISTS completed_deposit_events (
		txid       TEXT NOT NULL,
		vout       INTEGER NOT NULL,
		stacks_txid TEXT NOT NULL,
		block_hash  TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (txid, vout, stacks_txid)
	);

	CREATE TABLE IF NOT EXISTS withdrawal_outcome_events (
		request_id  INTEGER NOT NULL,
		stacks_txid TEXT NOT NULL,
		accepted    INTEGER NOT NULL,
		block_hash  TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (request_id, stacks_txid)
	);

	-- =========================================================================
	-- P2P message transport: outbound delivery queue, inbound dedup log,
	-- and per-peer sequence tracking. Direct (point-to-point) signer
	-- messages sent through the node's MessageSender flow through this
	-- queue so delivery survives a restart; gossip broadcasts do not.
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS message_outbox (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id    TEXT UNIQUE NOT NULL,
		request_key   TEXT NOT NULL,
		peer_id       TEXT NOT NULL,
		message_type  TEXT NOT NULL,
		payload       BLOB NOT NULL,
		sequence_num  INTEGER NOT NULL,
		deadline      INTEGER NOT NULL,
		created_at    INTEGER NOT NULL,
		retry_count   INTEGER DEFAULT 0,
		last_attempt_at INTEGER,
		next_retry_at INTEGER NOT NULL,
		acked_at      INTEGER,
		status        TEXT DEFAULT 'pending',
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON message_outbox(status, next_retry_at)
		WHERE status = 'pending' OR status = 'sent';
	CREATE INDEX IF NOT EXISTS idx_outbox_request ON message_outbox(request_key);
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON message_outbox(peer_id, status);

	CREATE TABLE IF NOT EXISTS message_inbox (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id   TEXT UNIQUE NOT NULL,
		request_key  TEXT NOT NULL,
		peer_id      TEXT NOT NULL,
		message_type TEXT NOT NULL,
		sequence_num INTEGER NOT NULL,
		received_at  INTEGER NOT NULL,
		processed_at INTEGER,
		ack_sent     INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_request ON message_inbox(request_key, sequence_num);
	CREATE INDEX IF NOT EXISTS idx_inbox_peer ON message_inbox(peer_id);

	CREATE TABLE IF NOT EXISTS message_sequences (
		request_key TEXT PRIMARY KEY,
		local_seq   INTEGER DEFAULT 0,
		remote_seq  INTEGER DEFAULT 0,
		updated_at  INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs best-effort ALTER TABLE statements for databases
// created by an earlier version of the schema. Errors are ignored since
// the column may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE bitcoin_tx_sighashes ADD COLUMN aggregate_key BLOB",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting read/write
// helpers run unchanged whether or not they are inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ execer = (*sql.DB)(nil)
	_ execer = (*sql.Tx)(nil)
)
