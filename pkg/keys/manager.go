// Package keys holds the named HMAC secrets used to sign and verify approval tokens.
//
// Exactly one key is current and may sign. Keys replaced by Rotate become retired:
// they keep verifying historical tokens but can never sign again, and a retired id
// can never be made current again.
package keys

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
)

// MinSecretLen is the shortest secret accepted for HMAC-SHA256 signing.
const MinSecretLen = 16

// Manager implements key look-up and monotonic rotation.
type Manager struct {
	mu      sync.RWMutex
	current string
	secrets map[string][]byte
	retired map[string]struct{}
	order   []string // registration order, oldest first
}

// NewManager creates a Manager whose current key is keyID.
func NewManager(keyID string, secret []byte) (*Manager, error) {
	if err := checkKey(keyID, secret); err != nil {
		return nil, err
	}
	m := &Manager{
		current: keyID,
		secrets: map[string][]byte{keyID: clone(secret)},
		retired: make(map[string]struct{}),
		order:   []string{keyID},
	}
	return m, nil
}

// CurrentKeyID returns the id used for signing new tokens.
func (m *Manager) CurrentKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SigningKey returns the secret for keyID only if it is the current key.
func (m *Manager) SigningKey(keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if keyID != m.current {
		if _, ok := m.retired[keyID]; ok {
			return nil, certerr.New(certerr.UnknownKey, "key %q is retired and cannot sign", keyID)
		}
		return nil, certerr.New(certerr.UnknownKey, "key %q is not registered", keyID)
	}
	return clone(m.secrets[keyID]), nil
}

// VerificationKey returns the secret for a current or retired key.
func (m *Manager) VerificationKey(keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	secret, ok := m.secrets[keyID]
	if !ok {
		return nil, certerr.New(certerr.UnknownKey, "key %q is not registered", keyID)
	}
	return clone(secret), nil
}

// WithSigningKey runs fn with the current key held under the read lock, so a
// concurrent Rotate cannot swap the key while a token is being signed.
func (m *Manager) WithSigningKey(fn func(keyID string, secret []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.current, m.secrets[m.current])
}

// Rotate makes newKeyID current and retires the previous current key.
func (m *Manager) Rotate(newKeyID string, newSecret []byte) error {
	if err := checkKey(newKeyID, newSecret); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if newKeyID == m.current {
		return certerr.New(certerr.KeyDowngrade, "key %q is already current", newKeyID)
	}
	if _, ok := m.retired[newKeyID]; ok {
		return certerr.New(certerr.KeyDowngrade, "key %q was retired and cannot be reinstated", newKeyID)
	}

	m.retired[m.current] = struct{}{}
	m.secrets[newKeyID] = clone(newSecret)
	m.current = newKeyID
	m.order = append(m.order, newKeyID)
	return nil
}

// Retired returns retired key ids in rotation order.
func (m *Manager) Retired() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.retired))
	for _, id := range m.order {
		if _, ok := m.retired[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// KeyIDs returns every registered key id, sorted.
func (m *Manager) KeyIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.secrets))
	for id := range m.secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func checkKey(keyID string, secret []byte) error {
	if strings.TrimSpace(keyID) == "" {
		return fmt.Errorf("keys: key id is empty")
	}
	if len(secret) < MinSecretLen {
		return fmt.Errorf("keys: secret for %q is %d bytes, need at least %d", keyID, len(secret), MinSecretLen)
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
