package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// Keystore is the on-disk JSON format for persisted signing keys.
// Keys lists every key in rotation order; the last one is current.
type Keystore struct {
	Version int         `json:"version"`
	Keys    []StoredKey `json:"keys"`
}

// StoredKey is one persisted secret.
type StoredKey struct {
	ID      string `json:"id"`
	Secret  string `json:"secret"` // base64-encoded
	Retired bool   `json:"retired"`
}

const keystoreVersion = 1

// ErrNoKeystore is returned by LoadKeystore when the file does not exist.
var ErrNoKeystore = errors.New("keys: keystore not found")

// Snapshot returns the persisted form of the manager.
func (m *Manager) Snapshot() Keystore {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ks := Keystore{Version: keystoreVersion}
	for _, id := range m.order {
		_, retired := m.retired[id]
		ks.Keys = append(ks.Keys, StoredKey{
			ID:      id,
			Secret:  base64.StdEncoding.EncodeToString(m.secrets[id]),
			Retired: retired,
		})
	}
	return ks
}

// FromKeystore rebuilds a Manager. Exactly one key must be non-retired and it
// must be the last entry, mirroring the order Rotate produces.
func FromKeystore(ks Keystore) (*Manager, error) {
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("keys: unsupported keystore version %d", ks.Version)
	}
	if len(ks.Keys) == 0 {
		return nil, fmt.Errorf("keys: keystore has no keys")
	}

	last := ks.Keys[len(ks.Keys)-1]
	if last.Retired {
		return nil, fmt.Errorf("keys: newest key %q is marked retired", last.ID)
	}

	m := &Manager{
		secrets: make(map[string][]byte),
		retired: make(map[string]struct{}),
	}
	for i, sk := range ks.Keys {
		secret, err := base64.StdEncoding.DecodeString(sk.Secret)
		if err != nil {
			return nil, fmt.Errorf("keys: decode secret %q: %w", sk.ID, err)
		}
		if err := checkKey(sk.ID, secret); err != nil {
			return nil, err
		}
		if _, dup := m.secrets[sk.ID]; dup {
			return nil, fmt.Errorf("keys: duplicate key id %q", sk.ID)
		}
		if i < len(ks.Keys)-1 && !sk.Retired {
			return nil, fmt.Errorf("keys: key %q precedes the current key but is not retired", sk.ID)
		}
		m.secrets[sk.ID] = secret
		m.order = append(m.order, sk.ID)
		if sk.Retired {
			m.retired[sk.ID] = struct{}{}
		}
	}
	m.current = last.ID
	return m, nil
}

// LoadKeystore reads a keystore file and returns the Manager it describes.
func LoadKeystore(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKeystore
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read keystore: %w", err)
	}

	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("keys: parse keystore: %w", err)
	}
	return FromKeystore(ks)
}

// SaveKeystore writes the manager's keys with 0600 permissions, replacing the
// file atomically so a crash never leaves a truncated keystore behind.
func SaveKeystore(path string, m *Manager) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("keys: marshal keystore: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keys: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("keys: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("keys: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("keys: write keystore: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("keys: sync keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keys: close keystore: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("keys: publish keystore: %w", err)
	}
	return nil
}

// GenerateSecret returns 32 bytes from crypto/rand.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("keys: generate secret: %w", err)
	}
	return secret, nil
}

// DeriveSecret expands a master secret into a per-key secret with HKDF-SHA256,
// binding the result to keyID so rotations from one master never collide.
func DeriveSecret(master []byte, keyID string) ([]byte, error) {
	if len(master) < MinSecretLen {
		return nil, fmt.Errorf("keys: master secret is %d bytes, need at least %d", len(master), MinSecretLen)
	}
	r := hkdf.New(sha256.New, master, nil, []byte("helm-certify:approval-key:"+keyID))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("keys: derive secret for %q: %w", keyID, err)
	}
	return secret, nil
}
