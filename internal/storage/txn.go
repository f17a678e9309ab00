package storage

import (
	"context"
	"database/sql"
	"sync"
)

// sqlTx implements Tx: a store bound to a live *sql.Tx, so every
// Reader/Writer method runs against the transaction rather than the
// pooled connection.
type sqlTx struct {
	store
	tx       *sql.Tx
	release  func()
	released sync.Once
}

// BeginTx starts a transaction, holding the Storage write-mutex for
// its duration (sqlite only supports one writer at a time). Per spec
// §4.3, the returned handle is itself Read+Write; dropping it without
// Commit rolls it back, which here means callers must defer Rollback
// immediately after BeginTx — calling Commit first makes the deferred
// Rollback a no-op.
func (s *Storage) BeginTx(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &sqlTx{store: store{x: tx}, tx: tx, release: s.mu.Unlock}, nil
}

func (t *sqlTx) Commit() error {
	defer t.released.Do(t.release)
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	defer t.released.Do(t.release)
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

var (
	_ Tx = (*sqlTx)(nil)
)
