package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLStore persists entries in a single table. It supports both Postgres
// (lib/pq) and SQLite (modernc.org/sqlite); each $n placeholder appears once,
// in order, so both drivers bind positionally.
//
// UNIQUE constraints on nonce and signature make the database itself refuse a
// replayed token even if two processes were misconfigured to share it.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db. Call Init before first use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS approval_ledger (
	seq BIGINT PRIMARY KEY,
	field_id BIGINT NOT NULL,
	nonce TEXT NOT NULL UNIQUE,
	signature TEXT NOT NULL UNIQUE,
	entry_hash TEXT NOT NULL UNIQUE,
	prev_hash TEXT NOT NULL,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_ledger_field ON approval_ledger(field_id);
`

// Init creates the table if needed.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	return nil
}

// LoadAll implements Store.
func (s *SQLStore) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, record FROM approval_ledger ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			seq int64
			rec string
		)
		if err := rows.Scan(&seq, &rec); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e, err := DecodeRecord([]byte(rec))
		if err != nil {
			return entries, &CorruptRecordError{Index: len(entries), Where: fmt.Sprintf("row seq=%d", seq), Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return entries, nil
}

// Append implements Store inside a single transaction.
func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	rec, err := EncodeRecord(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_ledger (seq, field_id, nonce, signature, entry_hash, prev_hash, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(e.Sequence), e.Token.FieldID, e.Token.Nonce, e.Token.Signature, e.EntryHash, e.PrevHash, string(rec),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert entry %d: %w", e.Sequence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit entry %d: %w", e.Sequence, err)
	}
	return nil
}
