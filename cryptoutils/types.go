package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// InstancePubkey is an instance's ephemeral P-256 public key in PEM format.
// Released secrets are encrypted to it.
type InstancePubkey []byte

// NewInstancePubkey creates a public key object from PEM-encoded data with validation.
func NewInstancePubkey(data []byte) (InstancePubkey, error) {
	if _, err := InstancePubkey(data).GetPublicKey(); err != nil {
		return nil, err
	}
	return InstancePubkey(data), nil
}

// GetPublicKey returns the parsed ECDSA public key.
func (pub InstancePubkey) GetPublicKey() (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not in PEM format or not a public key")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}

	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type: %T", parsed)
	}
	return key, nil
}

// InstancePrivkey is the private half of an instance key in PEM format.
// It never leaves the instance.
type InstancePrivkey []byte

// GetPrivateKey returns the parsed ECDSA private key.
func (priv InstancePrivkey) GetPrivateKey() (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return nil, errors.New("invalid private key: not in PEM format or not a private key")
	}

	// Try to parse it as an EC private key
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	// Try to parse it as a PKCS8 private key
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key structure: %w", err)
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", parsed)
	}
	return key, nil
}

// RandomP256Keypair generates a fresh instance key pair.
func RandomP256Keypair() (InstancePubkey, InstancePrivkey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return InstancePubkey(pubkeyKeyPEM), InstancePrivkey(privateKeyPEM), nil
}
