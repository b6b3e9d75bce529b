// Package keystore provides key derivation, authenticated encryption and the
// certificate authority used for mTLS between daemon components.
//
// Keys are derived with PBKDF2-HMAC-SHA256 and used with AES-256-GCM.
// Passwords are discarded immediately after derivation and are never stored.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count (NIST minimum).
	DefaultIterations = 600_000
	// KeyLength is the derived key size in bytes (AES-256).
	KeyLength = 32
	// SaltLength is the size in bytes of salts from GenerateSalt; key
	// derivation itself accepts any non-empty salt.
	SaltLength = 16
	// NonceLength is the GCM nonce size in bytes.
	NonceLength = 12
)

// DecryptionError reports any failure to authenticate or decrypt a blob:
// wrong key, tampered ciphertext, or a malformed nonce.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

// GenerateSalt returns cryptographically secure random salt bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte AES-256 key from a password using
// PBKDF2-HMAC-SHA256 with DefaultIterations.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	return DeriveKeyIterations(password, salt, DefaultIterations)
}

// DeriveKeyIterations derives a key with an explicit iteration count.
func DeriveKeyIterations(password string, salt []byte, iterations int) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt cannot be empty")
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeyLength, sha256.New), nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
// The returned ciphertext includes the authentication tag.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	nonce = make([]byte, NonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("encrypt nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens an AES-256-GCM blob. Any authentication failure, wrong nonce
// length or unexpected cipher error surfaces as *DecryptionError.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &DecryptionError{Reason: err.Error()}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &DecryptionError{Reason: err.Error()}
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, &DecryptionError{Reason: fmt.Sprintf("invalid nonce length %d (need %d)", len(nonce), gcm.NonceSize())}
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "invalid tag (wrong key or tampered data)"}
	}
	return plaintext, nil
}

// EncryptionResult pairs a ciphertext with the nonce that sealed it.
type EncryptionResult struct {
	Ciphertext []byte
	Nonce      []byte
}

// Keystore holds a derived key in memory and offers convenient
// encrypt/decrypt. Clear drops the key reference so the collector can
// reclaim it; a cleared keystore refuses further operations.
type Keystore struct {
	key []byte
}

// New wraps an already-derived 32-byte key.
func New(key []byte) *Keystore {
	return &Keystore{key: key}
}

// FromPassword derives a key from a password and salt.
func FromPassword(password string, salt []byte) (*Keystore, error) {
	key, err := DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	return &Keystore{key: key}, nil
}

// Encrypt seals plaintext under the stored key.
func (k *Keystore) Encrypt(plaintext []byte) (*EncryptionResult, error) {
	if k.key == nil {
		return nil, fmt.Errorf("keystore is cleared")
	}
	ct, nonce, err := Encrypt(plaintext, k.key)
	if err != nil {
		return nil, err
	}
	return &EncryptionResult{Ciphertext: ct, Nonce: nonce}, nil
}

// Decrypt opens a blob sealed by Encrypt.
func (k *Keystore) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if k.key == nil {
		return nil, fmt.Errorf("keystore is cleared")
	}
	return Decrypt(ciphertext, k.key, nonce)
}

// Clear drops the key reference.
func (k *Keystore) Clear() {
	k.key = nil
}
