package approval

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
)

// NonceBytes is the amount of randomness drawn for each token nonce.
const NonceBytes = 32

// KeySource is the subset of keys.Manager the signer needs.
type KeySource interface {
	WithSigningKey(fn func(keyID string, secret []byte) error) error
	VerificationKey(keyID string) ([]byte, error)
}

// Signer mints and verifies approval tokens.
type Signer struct {
	keys    KeySource
	clock   func() time.Time
	entropy io.Reader
}

// NewSigner creates a Signer backed by keys.
func NewSigner(keys KeySource) *Signer {
	return &Signer{
		keys:    keys,
		clock:   time.Now,
		entropy: rand.Reader,
	}
}

// WithClock overrides the minting clock for deterministic testing.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.clock = clock
	return s
}

// WithEntropy overrides the nonce source. Only tests should need this.
func (s *Signer) WithEntropy(r io.Reader) *Signer {
	s.entropy = r
	return s
}

// SignOption customizes a token at minting time.
type SignOption func(*Token)

// WithModelHash binds the approval to a specific artifact version.
func WithModelHash(hash string) SignOption {
	return func(t *Token) { t.ModelHash = hash }
}

// WithExpirationWindow overrides DefaultExpirationWindow. The window is
// truncated to whole milliseconds, the precision that is signed.
func WithExpirationWindow(d time.Duration) SignOption {
	return func(t *Token) { t.ExpirationWindow = d.Truncate(time.Millisecond) }
}

// SignApproval mints a token for fieldID signed with the current key.
func (s *Signer) SignApproval(fieldID int64, approverID, reason string, opts ...SignOption) (Token, error) {
	approverID = norm.NFC.String(strings.TrimSpace(approverID))
	reason = norm.NFC.String(strings.TrimSpace(reason))
	if approverID == "" {
		return Token{}, certerr.New(certerr.ApprovalRejected, "approver_id is required")
	}
	if reason == "" {
		return Token{}, certerr.New(certerr.ApprovalRejected, "reason is required")
	}

	nonce := make([]byte, NonceBytes)
	if _, err := io.ReadFull(s.entropy, nonce); err != nil {
		return Token{}, fmt.Errorf("approval: generate nonce: %w", err)
	}

	t := Token{
		FieldID:          fieldID,
		ApproverID:       approverID,
		Reason:           reason,
		Timestamp:        s.clock().UTC(),
		Nonce:            hex.EncodeToString(nonce),
		ExpirationWindow: DefaultExpirationWindow,
	}
	for _, opt := range opts {
		opt(&t)
	}
	t.ExpirationWindow = t.ExpirationWindow.Truncate(time.Millisecond)
	if t.ExpirationWindow <= 0 {
		return Token{}, certerr.New(certerr.ApprovalRejected, "expiration window must be at least 1ms")
	}

	err := s.keys.WithSigningKey(func(keyID string, secret []byte) error {
		t.KeyID = keyID
		sig, err := mac(secret, t)
		if err != nil {
			return err
		}
		t.Signature = sig
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	return t, nil
}

// VerifyToken recomputes the MAC with the token's named key. Unknown keys and
// malformed tokens verify as false; they are never trusted by default.
func (s *Signer) VerifyToken(t Token) bool {
	secret, err := s.keys.VerificationKey(t.KeyID)
	if err != nil {
		return false
	}
	want, err := mac(secret, t)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(t.Signature)
	if err != nil {
		return false
	}
	wantRaw, _ := hex.DecodeString(want)
	return hmac.Equal(got, wantRaw)
}

func mac(secret []byte, t Token) (string, error) {
	payload, err := CanonicalString(t)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil)), nil
}
