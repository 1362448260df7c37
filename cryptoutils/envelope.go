package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ruteri/confidential-executor/interfaces"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM nonce length prepended to every envelope.
	NonceSize = 12
	// TagSize is the GCM authentication tag length appended to every envelope.
	TagSize = 16
)

// GenerateKey returns a fresh random asset key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodeKey encodes a key the way it is stored in custody sessions.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey decodes a base64 asset key and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, expected %d", len(key), KeySize)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, expected %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key with AES-256-GCM. The result is
// nonce || ciphertext || tag with a fresh random nonce per call.
func Seal(plaintext, key []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	envelope := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, envelope); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(envelope, envelope[:NonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts an envelope produced by Seal. Any failure,
// including truncation, corruption and a wrong key, is reported as
// ErrAuthenticationFailed and no plaintext is returned.
func Open(envelope, key []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailed, err)
	}

	if len(envelope) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: envelope too short (%d bytes)", interfaces.ErrAuthenticationFailed, len(envelope))
	}

	plaintext, err := aesGCM.Open(nil, envelope[:NonceSize], envelope[NonceSize:], nil)
	if err != nil {
		return nil, interfaces.ErrAuthenticationFailed
	}

	return plaintext, nil
}

// OpenFile reads an envelope from disk and opens it.
func OpenFile(path string, key []byte) ([]byte, error) {
	envelope, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	return Open(envelope, key)
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
