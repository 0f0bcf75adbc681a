// Package keyring manages the engine's HMAC signing keys: one active
// signing key plus zero or more retired-but-still-verifiable keys. It is
// loaded once at process startup (spec §5 — "no mid-request mutation");
// rotation is an explicit operator action that appends a new signing key
// and retires the previous one.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// KeySize is the length, in bytes, of a generated HMAC key.
const KeySize = 32

// Key is one HMAC key in the ring.
type Key struct {
	ID        string    `json:"id"`
	Secret    []byte    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
	Retired   bool      `json:"retired"`
}

// Keyring holds the active signing key and all keys eligible for
// verification (active + retired).
type Keyring struct {
	SigningKeyID string `json:"signing_key_id"`
	Keys         []Key  `json:"keys"`
}

// onDiskKey mirrors Key but base64url-encodes the secret for JSON storage,
// matching the wire layout documented in spec §6.3.
type onDiskKey struct {
	ID        string    `json:"id"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
	Retired   bool      `json:"retired"`
}

type onDisk struct {
	SigningKeyID string      `json:"signing_key_id"`
	Keys         []onDiskKey `json:"keys"`
}

// New creates a fresh keyring with a single active signing key.
func New() (*Keyring, error) {
	k, err := generateKey()
	if err != nil {
		return nil, err
	}
	return &Keyring{SigningKeyID: k.ID, Keys: []Key{k}}, nil
}

func generateKey() (Key, error) {
	secret := make([]byte, KeySize)
	if _, err := rand.Read(secret); err != nil {
		return Key{}, fmt.Errorf("keyring: generate key: %w", err)
	}
	id := make([]byte, 8)
	if _, err := rand.Read(id); err != nil {
		return Key{}, fmt.Errorf("keyring: generate key id: %w", err)
	}
	return Key{
		ID:        base64.RawURLEncoding.EncodeToString(id),
		Secret:    secret,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey returns the key currently used to sign new tokens.
func (k *Keyring) SigningKey() (Key, error) {
	for _, key := range k.Keys {
		if key.ID == k.SigningKeyID {
			return key, nil
		}
	}
	return Key{}, fmt.Errorf("keyring: signing key %q not found", k.SigningKeyID)
}

// VerificationKeys returns every key eligible to verify a token (active and
// retired), signing key first since it is the common case.
func (k *Keyring) VerificationKeys() []Key {
	ordered := make([]Key, 0, len(k.Keys))
	var signing *Key
	for i := range k.Keys {
		if k.Keys[i].ID == k.SigningKeyID {
			signing = &k.Keys[i]
			continue
		}
		ordered = append(ordered, k.Keys[i])
	}
	if signing != nil {
		ordered = append([]Key{*signing}, ordered...)
	}
	return ordered
}

// Rotate appends a new signing key and retires the previous one. The
// retired key remains in VerificationKeys() so tokens it already signed
// keep verifying.
func (k *Keyring) Rotate() error {
	for i := range k.Keys {
		if k.Keys[i].ID == k.SigningKeyID {
			k.Keys[i].Retired = true
		}
	}
	next, err := generateKey()
	if err != nil {
		return err
	}
	k.Keys = append(k.Keys, next)
	k.SigningKeyID = next.ID
	return nil
}

// Load reads a keyring from path. If the file does not exist, it is created
// with a freshly generated keyring.
func Load(path string) (*Keyring, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kr, genErr := New()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := Save(path, kr); saveErr != nil {
			return nil, saveErr
		}
		return kr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: read %s: %w", path, err)
	}

	var d onDisk
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("keyring: parse %s: %w", path, err)
	}

	kr := &Keyring{SigningKeyID: d.SigningKeyID}
	for _, dk := range d.Keys {
		secret, err := base64.RawURLEncoding.DecodeString(dk.Secret)
		if err != nil {
			return nil, fmt.Errorf("keyring: decode key %s: %w", dk.ID, err)
		}
		kr.Keys = append(kr.Keys, Key{ID: dk.ID, Secret: secret, CreatedAt: dk.CreatedAt, Retired: dk.Retired})
	}
	return kr, nil
}

// Save persists the keyring to path, creating parent directories as needed.
func Save(path string, kr *Keyring) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keyring: mkdir: %w", err)
	}

	d := onDisk{SigningKeyID: kr.SigningKeyID}
	for _, k := range kr.Keys {
		d.Keys = append(d.Keys, onDiskKey{
			ID:        k.ID,
			Secret:    base64.RawURLEncoding.EncodeToString(k.Secret),
			CreatedAt: k.CreatedAt,
			Retired:   k.Retired,
		})
	}

	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("keyring: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("keyring: write: %w", err)
	}
	return os.Rename(tmp, path)
}
