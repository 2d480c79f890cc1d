package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Store is the durable backing of a Ledger. Implementations need not be safe
// for concurrent Append calls; the Ledger serializes writers.
type Store interface {
	// LoadAll returns every persisted entry in sequence order. A record that
	// cannot be decoded is reported as a *CorruptRecordError together with the
	// entries decoded before it.
	LoadAll(ctx context.Context) ([]Entry, error)

	// Append durably persists e. On success the entry must survive a process
	// crash. An error may still leave e visible (a failed directory fsync
	// after publish); the Ledger reloads after any error to reconcile.
	Append(ctx context.Context, e Entry) error
}

// CorruptRecordError reports a persisted record that does not decode. It is
// evidence of tampering, not an I/O failure.
type CorruptRecordError struct {
	Index int    // zero-based position of the record in the chain
	Where string // file line or row locator
	Err   error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("record %d undecodable (%s): %v", e.Index, e.Where, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// MemoryStore keeps entries in process memory. It is for tests and for
// embedding callers that persist elsewhere; a restart loses everything.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadAll implements Store.
func (m *MemoryStore) LoadAll(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}
