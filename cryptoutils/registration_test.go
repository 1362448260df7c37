package cryptoutils

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationSignature(t *testing.T) {
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)
	key := bytes.Repeat([]byte{5}, KeySize)

	sig, err := SignRegistration(owner, 7, "ipfs://QmData", key)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)
	assert.GreaterOrEqual(t, sig[crypto.RecoveryIDOffset], byte(27))

	signer, err := RecoverRegistrationSigner(7, "ipfs://QmData", key, sig)
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, signer)

	raw := append([]byte(nil), sig...)
	raw[crypto.RecoveryIDOffset] -= 27
	signer, err = RecoverRegistrationSigner(7, "ipfs://QmData", key, raw)
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, signer, "0/1 recovery ids are accepted")

	t.Run("binds every field", func(t *testing.T) {
		tests := []struct {
			name    string
			id      interfaces.AssetID
			locator string
			key     []byte
		}{
			{"asset id", 8, "ipfs://QmData", key},
			{"locator", 7, "ipfs://QmOther", key},
			{"key", 7, "ipfs://QmData", bytes.Repeat([]byte{6}, KeySize)},
		}
		for _, tt := range tests {
			signer, err := RecoverRegistrationSigner(tt.id, tt.locator, tt.key, sig)
			if err == nil {
				assert.NotEqual(t, ownerAddr, signer, tt.name)
			}
		}
	})

	_, err = RecoverRegistrationSigner(7, "ipfs://QmData", key, sig[:64])
	assert.Error(t, err)
}
