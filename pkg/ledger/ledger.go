// Package ledger is the append-only, hash-chained approval ledger.
//
// Each entry wraps one consumed approval token and is chained to its
// predecessor by SHA-256 over the JCS form of the record. Append is the single
// authoritative gate: it re-validates the token (nonce, freshness, field,
// signature) under the writer lock, persists the entry, and only then advances
// the in-memory chain. Entries are never mutated or deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-certify/pkg/approval"
	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
	"github.com/Mindburn-Labs/helm-certify/pkg/observability"
)

// NoFieldCheck disables the field binding check in ValidateAntiReplay.
const NoFieldCheck int64 = -1

// TokenVerifier checks a token's signature. *approval.Signer satisfies it.
type TokenVerifier interface {
	VerifyToken(t approval.Token) bool
}

// Validation is the outcome of an anti-replay check.
type Validation struct {
	Valid  bool
	Code   certerr.Code
	Reason string
}

// Err returns nil for a valid result, otherwise the categorized rejection.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	return &certerr.Error{Code: v.Code, Detail: v.Reason}
}

func reject(code certerr.Code, format string, args ...any) Validation {
	return Validation{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	store    Store
	verifier TokenVerifier
	clock    func() time.Time
	logger   *slog.Logger
	obs      *observability.Provider

	entries        []Entry
	chainHash      string
	usedNonces     map[string]struct{}
	usedSignatures map[string]struct{}

	// tampered holds the detail from the last Load when the persisted chain
	// failed verification or held an undecodable record. A tampered ledger
	// refuses further appends.
	tampered string

	// loaded is set by a successful Load; loadErr keeps the last failure.
	// Until loaded, the in-memory state says nothing about the store.
	loaded  bool
	loadErr error
}

// New creates an unloaded ledger over store. Load must succeed before Append
// is accepted.
func New(store Store, verifier TokenVerifier) *Ledger {
	return &Ledger{
		store:          store,
		verifier:       verifier,
		clock:          time.Now,
		logger:         slog.Default().With("component", "ledger"),
		chainHash:      GenesisHash,
		usedNonces:     make(map[string]struct{}),
		usedSignatures: make(map[string]struct{}),
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger replaces the component logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "ledger")
	return l
}

// WithObservability attaches a telemetry provider.
func (l *Ledger) WithObservability(p *observability.Provider) *Ledger {
	l.obs = p
	return l
}

// ValidateAntiReplay is a read-only pre-check. Append repeats it under the
// writer lock, so a valid result here is advisory only.
//
// Checks run in a fixed order: nonce reuse, expiry, field binding, signature
// reuse, signature validity.
func (l *Ledger) ValidateAntiReplay(tok approval.Token, expectedFieldID int64) Validation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateLocked(tok, expectedFieldID, l.clock())
}

func (l *Ledger) validateLocked(tok approval.Token, expectedFieldID int64, now time.Time) Validation {
	if _, used := l.usedNonces[tok.Nonce]; used {
		return reject(certerr.DuplicateNonce, "nonce %s already consumed", shortHex(tok.Nonce))
	}
	if tok.Expired(now) {
		return reject(certerr.TokenExpired, "token minted %s expired at %s",
			tok.Timestamp.UTC().Format(time.RFC3339Nano), tok.ExpiresAt().UTC().Format(time.RFC3339Nano))
	}
	if expectedFieldID != NoFieldCheck && tok.FieldID != expectedFieldID {
		return reject(certerr.FieldMismatch, "token bound to field %d, expected %d", tok.FieldID, expectedFieldID)
	}
	if _, used := l.usedSignatures[tok.Signature]; used {
		return reject(certerr.ReusedToken, "signature %s already consumed", shortHex(tok.Signature))
	}
	if l.verifier == nil || !l.verifier.VerifyToken(tok) {
		return reject(certerr.InvalidSignature, "signature does not verify under key %q", tok.KeyID)
	}
	return Validation{Valid: true}
}

// Append validates tok and appends it without a field binding check.
func (l *Ledger) Append(ctx context.Context, tok approval.Token) (Entry, error) {
	return l.AppendForField(ctx, tok, NoFieldCheck)
}

// AppendForField validates tok against fieldID and appends it. On any error
// the ledger is unchanged.
func (l *Ledger) AppendForField(ctx context.Context, tok approval.Token, fieldID int64) (Entry, error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.append",
		attribute.Int64("certify.field_id", tok.FieldID))

	l.mu.Lock()
	e, err := l.appendLocked(ctx, tok, fieldID)
	l.mu.Unlock()

	done(err)
	outcome := "OK"
	if err != nil {
		outcome = string(certerr.CodeOf(err))
		if outcome == "" {
			outcome = "ERROR"
		}
	}
	l.obs.RecordDecision(ctx, "ledger.append", outcome)
	return e, err
}

func (l *Ledger) appendLocked(ctx context.Context, tok approval.Token, fieldID int64) (Entry, error) {
	if !l.loaded {
		return Entry{}, certerr.New(certerr.LedgerNotLoaded, "refusing to extend ledger: %s", l.notLoadedDetail())
	}
	if l.tampered != "" {
		return Entry{}, certerr.New(certerr.ChainTampered, "refusing to extend ledger: %s", l.tampered)
	}

	now := l.clock()
	if v := l.validateLocked(tok, fieldID, now); !v.Valid {
		l.logger.WarnContext(ctx, "approval rejected",
			"field_id", tok.FieldID,
			"code", v.Code,
			"reason", v.Reason,
		)
		return Entry{}, v.Err()
	}

	e := Entry{
		SchemaVersion: SchemaVersion,
		Sequence:      uint64(len(l.entries)),
		Token:         tok,
		PrevHash:      l.chainHash,
		AppendedAt:    now.UTC(),
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return Entry{}, certerr.Wrap(certerr.LedgerWriteFailed, err, "hash entry")
	}
	e.EntryHash = hash

	if err := l.store.Append(ctx, e); err != nil {
		l.logger.ErrorContext(ctx, "ledger persist failed",
			"sequence", e.Sequence,
			"error", err,
		)
		// The store may have published the entry before failing; memory must
		// match what is durable.
		if rerr := l.loadLocked(ctx); rerr != nil {
			l.logger.ErrorContext(ctx, "ledger reload after failed persist", "error", rerr)
		}
		return Entry{}, certerr.Wrap(certerr.LedgerWriteFailed, err, fmt.Sprintf("persist entry %d", e.Sequence))
	}

	l.commitLocked(e)
	l.logger.InfoContext(ctx, "approval appended",
		"sequence", e.Sequence,
		"field_id", tok.FieldID,
		"approver_id", tok.ApproverID,
		"key_id", tok.KeyID,
		"entry_hash", e.EntryHash,
	)
	return e, nil
}

func (l *Ledger) commitLocked(e Entry) {
	l.entries = append(l.entries, e)
	l.chainHash = e.EntryHash
	l.usedNonces[e.Token.Nonce] = struct{}{}
	l.usedSignatures[e.Token.Signature] = struct{}{}
}

// Load replaces in-memory state with the store's contents. A chain that fails
// verification, or stops at an undecodable record, still loads so it can be
// inspected, but is logged and blocks further appends. Any other error keeps
// the previous entries and leaves the ledger unloaded.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(ctx)
}

func (l *Ledger) loadLocked(ctx context.Context) error {
	entries, err := l.store.LoadAll(ctx)
	var corrupt *CorruptRecordError
	if err != nil && !errors.As(err, &corrupt) {
		l.loaded = false
		l.loadErr = err
		return fmt.Errorf("ledger: load: %w", err)
	}

	nonces := make(map[string]struct{}, len(entries))
	sigs := make(map[string]struct{}, len(entries))
	head := GenesisHash
	for _, e := range entries {
		nonces[e.Token.Nonce] = struct{}{}
		sigs[e.Token.Signature] = struct{}{}
		head = e.EntryHash
	}

	tampered := ""
	if ok, detail := verifyEntries(entries); !ok {
		tampered = detail
	} else if corrupt != nil {
		tampered = fmt.Sprintf("%s: %v", certerr.ChainTampered, corrupt)
	}
	if tampered != "" {
		l.logger.ErrorContext(ctx, "ledger chain verification failed on load", "detail", tampered)
	}

	l.entries = entries
	l.chainHash = head
	l.usedNonces = nonces
	l.usedSignatures = sigs
	l.tampered = tampered
	l.loaded = true
	l.loadErr = nil
	l.logger.DebugContext(ctx, "ledger loaded", "entries", len(entries), "head", head)
	return nil
}

// VerifyChain reports whether the in-memory chain is intact.
func (l *Ledger) VerifyChain() bool {
	ok, _ := l.Verify()
	return ok
}

// Verify replays the chain from genesis and returns the first failure. An
// unloaded ledger, or one whose last Load found tampering, never verifies.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.loaded {
		detail := fmt.Sprintf("%s: %s", certerr.LedgerNotLoaded, l.notLoadedDetail())
		l.logger.Error("ledger chain verification failed", "detail", detail)
		return false, detail
	}
	ok, detail := verifyEntries(l.entries)
	if ok && l.chainHash != headOf(l.entries) {
		ok, detail = false, fmt.Sprintf("%s: head %s does not match last entry", certerr.ChainTampered, l.chainHash)
	}
	if ok && l.tampered != "" {
		ok, detail = false, l.tampered
	}
	if !ok {
		l.logger.Error("ledger chain verification failed", "detail", detail)
	}
	return ok, detail
}

// VerifyStore verifies the persisted chain without touching in-memory state.
func (l *Ledger) VerifyStore(ctx context.Context) (bool, string, error) {
	entries, err := l.store.LoadAll(ctx)
	var corrupt *CorruptRecordError
	if err != nil && !errors.As(err, &corrupt) {
		return false, "", fmt.Errorf("ledger: load: %w", err)
	}
	ok, detail := verifyEntries(entries)
	if ok && corrupt != nil {
		return false, fmt.Sprintf("%s: %v", certerr.ChainTampered, corrupt), nil
	}
	return ok, detail, nil
}

func (l *Ledger) notLoadedDetail() string {
	if l.loadErr != nil {
		return fmt.Sprintf("last load failed: %v", l.loadErr)
	}
	return "ledger has not been loaded"
}

func verifyEntries(entries []Entry) (bool, string) {
	prev := GenesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i) {
			return false, fmt.Sprintf("%s: entry %d has sequence %d", certerr.ChainTampered, i, e.Sequence)
		}
		if e.PrevHash != prev {
			return false, fmt.Sprintf("%s: entry %d prev_hash %s, expected %s", certerr.ChainTampered, i, e.PrevHash, prev)
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return false, fmt.Sprintf("%s: entry %d: %v", certerr.ChainTampered, i, err)
		}
		if computed != e.EntryHash {
			return false, fmt.Sprintf("%s: hash mismatch at entry %d", certerr.ChainTampered, i)
		}
		prev = e.EntryHash
	}
	return true, fmt.Sprintf("chain verified (%d entries)", len(entries))
}

func headOf(entries []Entry) string {
	if len(entries) == 0 {
		return GenesisHash
	}
	return entries[len(entries)-1].EntryHash
}

// GetApproval returns the newest entry for fieldID.
func (l *Ledger) GetApproval(fieldID int64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Token.FieldID == fieldID {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// HasApproval reports whether fieldID has any approval.
func (l *Ledger) HasApproval(fieldID int64) bool {
	_, ok := l.GetApproval(fieldID)
	return ok
}

// Entries returns a copy of the chain.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the current chain hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHash
}

func shortHex(s string) string {
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return s
}
