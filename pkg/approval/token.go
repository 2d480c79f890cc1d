// Package approval defines the signed, non-boolean unit of human approval.
//
// A Token is minted by Signer.SignApproval and consumed exactly once by the
// approval ledger. It is a value type: copies can be inspected freely, and any
// change to a field invalidates its Signature.
package approval

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultExpirationWindow is how long a token stays consumable after minting.
const DefaultExpirationWindow = time.Hour

// Token is an HMAC-signed approval of one field.
type Token struct {
	FieldID          int64
	ApproverID       string
	Reason           string
	Timestamp        time.Time // UTC minting instant
	Nonce            string    // hex, 256 bits
	ModelHash        string    // optional artifact binding
	ExpirationWindow time.Duration
	KeyID            string
	Signature        string // hex HMAC-SHA256 over CanonicalString
}

// tokenWire is the persisted JSON shape. Field names are part of the ledger
// record schema and must not change within a schema major version.
type tokenWire struct {
	FieldID            int64  `json:"field_id"`
	ApproverID         string `json:"approver_id"`
	Reason             string `json:"reason"`
	Timestamp          string `json:"timestamp"`
	Nonce              string `json:"nonce"`
	ModelHash          string `json:"model_hash"`
	ExpirationWindowMs int64  `json:"expiration_window_ms"`
	KeyID              string `json:"key_id"`
	Signature          string `json:"signature"`
}

// MarshalJSON encodes the token with an RFC 3339 nanosecond UTC timestamp and a
// millisecond expiration window.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenWire{
		FieldID:            t.FieldID,
		ApproverID:         t.ApproverID,
		Reason:             t.Reason,
		Timestamp:          t.Timestamp.UTC().Format(time.RFC3339Nano),
		Nonce:              t.Nonce,
		ModelHash:          t.ModelHash,
		ExpirationWindowMs: t.ExpirationWindow.Milliseconds(),
		KeyID:              t.KeyID,
		Signature:          t.Signature,
	})
}

// UnmarshalJSON decodes the persisted form.
func (t *Token) UnmarshalJSON(data []byte) error {
	var w tokenWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("approval: parse token timestamp: %w", err)
	}
	*t = Token{
		FieldID:          w.FieldID,
		ApproverID:       w.ApproverID,
		Reason:           w.Reason,
		Timestamp:        ts.UTC(),
		Nonce:            w.Nonce,
		ModelHash:        w.ModelHash,
		ExpirationWindow: time.Duration(w.ExpirationWindowMs) * time.Millisecond,
		KeyID:            w.KeyID,
		Signature:        w.Signature,
	}
	return nil
}

// Window is the expiration window at the millisecond precision the signature
// covers. Sub-millisecond remainders never extend freshness.
func (t Token) Window() time.Duration {
	return t.ExpirationWindow.Truncate(time.Millisecond)
}

// ExpiresAt is the last instant at which the token is still fresh.
func (t Token) ExpiresAt() time.Time {
	return t.Timestamp.Add(t.Window())
}

// Expired reports whether now is strictly past the expiration window.
// A token checked at exactly Timestamp+Window is still valid.
func (t Token) Expired(now time.Time) bool {
	return now.Sub(t.Timestamp) > t.Window()
}
