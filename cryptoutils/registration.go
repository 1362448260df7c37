package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/confidential-executor/interfaces"
)

// RegistrationMessage is the text an asset owner signs to place an asset key
// in custody. It commits to the registry entry and to the key itself.
func RegistrationMessage(id interfaces.AssetID, locator string, key []byte) []byte {
	sum := sha256.Sum256(key)
	return []byte(fmt.Sprintf("confidential-executor asset registration\nasset: %d\nlocator: %s\nkey sha256: %s",
		id, locator, hex.EncodeToString(sum[:])))
}

// SignRegistration signs RegistrationMessage as an EIP-191 personal message.
// The recovery id is returned in wallet form (27/28).
func SignRegistration(owner *ecdsa.PrivateKey, id interfaces.AssetID, locator string, key []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(RegistrationMessage(id, locator, key)), owner)
	if err != nil {
		return nil, fmt.Errorf("failed to sign registration: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverRegistrationSigner returns the address that signed the registration.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverRegistrationSigner(id interfaces.AssetID, locator string, key, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d, expected %d", len(signature), crypto.SignatureLength)
	}
	sig := append([]byte(nil), signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(RegistrationMessage(id, locator, key)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
