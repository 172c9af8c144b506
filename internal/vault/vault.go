// Package vault provides field-level encryption for connected-account
// credentials using AES-256-GCM. Values are stored as
// "enc:v1:<base64(nonce+ciphertext)>" so ciphertext and legacy plaintext can
// coexist in the same column during migration.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const prefix = "enc:v1:"

// ErrCiphertextInvalid is wrapped by Decrypt for corrupt or truncated input
// and for authentication failures (wrong key, tampered data).
var ErrCiphertextInvalid = errors.New("vault: ciphertext invalid")

// Vault encrypts and decrypts credential fields. Safe for concurrent use; the
// key is derived once at construction and held for the process lifetime.
type Vault struct {
	gcm cipher.AEAD
}

// New derives an AES-256 key from masterSecret via HKDF and returns a Vault.
// The purpose string isolates this derived key from other uses of the same
// master secret.
func New(masterSecret []byte, purpose string) (*Vault, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("vault: master secret is empty")
	}
	kdf := hkdf.New(sha256.New, masterSecret, []byte("postloom-credential-vault"), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Encrypt seals plaintext and returns the prefixed stored form.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce generation failed: %w", err)
	}
	ct := v.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a value previously produced by Encrypt. Unprefixed values are
// returned as-is (plaintext passthrough for rows written before encryption was
// enabled). Any malformed or unauthentic ciphertext fails loudly with an error
// wrapping ErrCiphertextInvalid; callers must never treat that as an absent
// credential.
func (v *Vault) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return stored, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: bad base64: %v", ErrCiphertextInvalid, err)
	}
	ns := v.gcm.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("%w: too short", ErrCiphertextInvalid)
	}
	pt, err := v.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrong key or tampered data", ErrCiphertextInvalid)
	}
	return string(pt), nil
}

// IsEncrypted reports whether the stored value carries the encryption prefix.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, prefix)
}
