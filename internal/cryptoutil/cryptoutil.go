// Package cryptoutil provides authenticated symmetric encryption for
// token blobs stored at rest in the config store.
//
// AES-GCM via the standard library is used deliberately rather than a
// third-party AEAD package: Go's crypto/aes + cipher.NewGCM is the
// idiomatic, audited way to do this and nothing in the example corpus
// reaches for an alternative AEAD library for at-rest blob encryption.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFormat is returned when an encoded blob does not have the
// three colon-separated segments this package produces.
var ErrInvalidFormat = errors.New("cryptoutil: invalid encoded format")

// ErrAuthenticationFailed is returned when decryption fails integrity
// verification (tampered ciphertext, tag, or wrong key).
var ErrAuthenticationFailed = errors.New("cryptoutil: authentication failed")

// Cipher encrypts and decrypts strings with a fixed 32-byte key.
type Cipher struct {
	key []byte
}

// New validates key (must be exactly 32 bytes) and returns a Cipher.
func New(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptoutil: key must be 32 bytes, got %d", len(key))
	}
	return &Cipher{key: key}, nil
}

// Encrypt encodes plain as "<iv_hex>:<tag_hex>:<ciphertext_hex>". Each call
// uses a fresh random IV, so repeated calls on the same plaintext produce
// different output.
func (c *Cipher) Encrypt(plain string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cryptoutil: read iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plain), nil)
	tagSize := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ciphertext)), nil
}

// Decrypt reverses Encrypt. Returns ErrInvalidFormat if the segments are
// malformed, ErrAuthenticationFailed if the tag does not verify.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrInvalidFormat
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidFormat
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidFormat
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidFormat
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return "", ErrInvalidFormat
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plain), nil
}
