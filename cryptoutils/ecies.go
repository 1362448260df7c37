package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var eciesInfo = []byte("confidential-executor secret release v1")

// EncryptWithPublicKey encrypts data using ECIES with the given public key PEM.
// A fresh ephemeral key is generated for each call; the AES-256 key is derived
// from the ECDH shared secret with HKDF-SHA256 and the payload is sealed as an
// envelope.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][nonce || ciphertext || tag]
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := InstancePubkey(publicKeyPEM).GetPublicKey()
	if err != nil {
		return nil, err
	}

	recipient, err := publicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported curve: %w", err)
	}

	ephemeralKey, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeralKey.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	ephemeralPublicKeyBytes := ephemeralKey.PublicKey().Bytes()
	key, err := deriveKey(shared, ephemeralPublicKeyBytes)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	envelope, err := Seal(data, key)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 2+len(ephemeralPublicKeyBytes)+len(envelope))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPublicKeyBytes)))
	copy(result[2:], ephemeralPublicKeyBytes)
	copy(result[2+len(ephemeralPublicKeyBytes):], envelope)

	return result, nil
}

// DecryptWithPrivateKey decrypts data encrypted with EncryptWithPublicKey using the corresponding private key.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte) ([]byte, error) {
	privateKey, err := InstancePrivkey(privateKeyPEM).GetPrivateKey()
	if err != nil {
		return nil, err
	}

	recipient, err := privateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported curve: %w", err)
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+NonceSize+TagSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralKeyBytes := encryptedData[2 : 2+ephemeralKeyLen]
	ephemeralKey, err := recipient.Curve().NewPublicKey(ephemeralKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	shared, err := recipient.ECDH(ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	key, err := deriveKey(shared, ephemeralKeyBytes)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	plaintext, err := Open(encryptedData[2+ephemeralKeyLen:], key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func deriveKey(shared, salt []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, eciesInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
