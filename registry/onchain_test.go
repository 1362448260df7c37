package registry

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAsset struct {
	kind     uint8
	owner    common.Address
	uri      string
	manifest string
	hash     [32]byte
	price    *big.Int
	active   bool
}

// fakeContract answers eth_call requests the way the deployed registry does.
type fakeContract struct {
	t      *testing.T
	abi    abi.ABI
	assets map[uint64]fakeAsset
	access map[[3]string]bool
	err    error
	calls  int
}

func (f *fakeContract) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeContract) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	method, err := f.abi.MethodById(call.Data[:4])
	require.NoError(f.t, err)
	args, err := method.Inputs.Unpack(call.Data[4:])
	require.NoError(f.t, err)

	switch method.Name {
	case "getAsset":
		a := f.assets[args[0].(*big.Int).Uint64()]
		price := a.price
		if price == nil {
			price = new(big.Int)
		}
		return method.Outputs.Pack(a.kind, a.owner, a.uri, a.manifest, a.hash, price, []byte{}, a.active)
	case "hasAccess":
		key := [3]string{args[0].(common.Address).Hex(), args[1].(string), args[2].(string)}
		return method.Outputs.Pack(f.access[key])
	}
	f.t.Fatalf("unexpected method %s", method.Name)
	return nil, nil
}

func setupTestRegistry(t *testing.T) (*OnchainAssetRegistry, *fakeContract) {
	t.Helper()
	parsed, err := ParsedABI()
	require.NoError(t, err)

	fake := &fakeContract{
		t:      t,
		abi:    parsed,
		assets: map[uint64]fakeAsset{},
		access: map[[3]string]bool{},
	}
	reg, err := NewOnchainAssetRegistry(fake, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	require.NoError(t, err)
	return reg, fake
}

func TestGetAsset(t *testing.T) {
	reg, fake := setupTestRegistry(t)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	hash := interfaces.ComputeID([]byte("envelope"))

	fake.assets[1] = fakeAsset{
		kind:     uint8(interfaces.ApplicationAsset),
		owner:    owner,
		uri:      "ipfs://QmApp",
		manifest: "ipfs://QmManifest",
		hash:     [32]byte(hash),
		price:    big.NewInt(1000),
		active:   true,
	}

	asset, err := reg.GetAsset(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AssetID(1), asset.ID)
	assert.Equal(t, interfaces.ApplicationAsset, asset.Kind)
	assert.Equal(t, owner, asset.Owner)
	assert.Equal(t, "ipfs://QmApp", asset.EncryptedLocator)
	assert.Equal(t, "ipfs://QmManifest", asset.ManifestLocator)
	assert.True(t, asset.ContentHash.Equal(hash))
	assert.Equal(t, int64(1000), asset.Price.Int64())
	assert.True(t, asset.Active)

	_, err = reg.GetAsset(context.Background(), 2)
	assert.ErrorIs(t, err, interfaces.ErrAccessDenied)
}

func TestHasAccess(t *testing.T) {
	reg, fake := setupTestRegistry(t)
	user := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	fake.access[[3]string{user.Hex(), "ipfs://QmData", "ipfs://QmApp"}] = true

	ok, err := reg.HasAccess(context.Background(), user, "ipfs://QmData", "ipfs://QmApp")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.HasAccess(context.Background(), user, "ipfs://QmData", "ipfs://QmOther")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryTransportErrors(t *testing.T) {
	reg, fake := setupTestRegistry(t)
	fake.err = errors.New("connection refused")

	_, err := reg.GetAsset(context.Background(), 1)
	assert.ErrorIs(t, err, interfaces.ErrTransport)

	_, err = reg.HasAccess(context.Background(), common.Address{}, "a", "b")
	assert.ErrorIs(t, err, interfaces.ErrTransport)
	assert.Equal(t, 2, fake.calls)
}
