package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/confidential-executor/interfaces"
)

// AssetRegistryABI is the subset of the registry contract the pipeline calls.
const AssetRegistryABI = `[
  {
    "inputs": [{"internalType": "uint256", "name": "assetId", "type": "uint256"}],
    "name": "getAsset",
    "outputs": [
      {"internalType": "uint8", "name": "assetType", "type": "uint8"},
      {"internalType": "address", "name": "owner", "type": "address"},
      {"internalType": "string", "name": "encryptedUri", "type": "string"},
      {"internalType": "string", "name": "manifestUri", "type": "string"},
      {"internalType": "bytes32", "name": "contentHash", "type": "bytes32"},
      {"internalType": "uint256", "name": "price", "type": "uint256"},
      {"internalType": "bytes", "name": "bloomFilter", "type": "bytes"},
      {"internalType": "bool", "name": "active", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "user", "type": "address"},
      {"internalType": "string", "name": "encryptedDatasetHash", "type": "string"},
      {"internalType": "string", "name": "encryptedApplicationHash", "type": "string"}
    ],
    "name": "hasAccess",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

// ParsedABI returns the parsed registry ABI.
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(AssetRegistryABI))
}

// OnchainAssetRegistry implements interfaces.AssetRegistry against a deployed
// registry contract. It never sends transactions.
type OnchainAssetRegistry struct {
	contract *bind.BoundContract
	address  common.Address
}

// NewOnchainAssetRegistry binds the registry contract at address. caller is
// typically an *ethclient.Client.
func NewOnchainAssetRegistry(caller bind.ContractCaller, address common.Address) (*OnchainAssetRegistry, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("could not parse registry ABI: %w", err)
	}

	return &OnchainAssetRegistry{
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
		address:  address,
	}, nil
}

// Address returns the contract address.
func (r *OnchainAssetRegistry) Address() common.Address {
	return r.address
}

// GetAsset returns the registry record of an asset. Unregistered ids, which the
// contract reports with a zero owner, are returned as ErrAccessDenied.
func (r *OnchainAssetRegistry) GetAsset(ctx context.Context, id interfaces.AssetID) (*interfaces.Asset, error) {
	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAsset", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return nil, fmt.Errorf("%w: registry getAsset(%d): %v", interfaces.ErrTransport, id, err)
	}
	if len(out) != 8 {
		return nil, fmt.Errorf("%w: registry getAsset returned %d values", interfaces.ErrTransport, len(out))
	}

	kind := *abi.ConvertType(out[0], new(uint8)).(*uint8)
	owner := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	encryptedURI := *abi.ConvertType(out[2], new(string)).(*string)
	manifestURI := *abi.ConvertType(out[3], new(string)).(*string)
	contentHash := *abi.ConvertType(out[4], new([32]byte)).(*[32]byte)
	price := *abi.ConvertType(out[5], new(*big.Int)).(**big.Int)
	active := *abi.ConvertType(out[7], new(bool)).(*bool)

	if owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: asset %d is not registered", interfaces.ErrAccessDenied, id)
	}

	return &interfaces.Asset{
		ID:               id,
		Kind:             interfaces.AssetKind(kind),
		Owner:            owner,
		EncryptedLocator: encryptedURI,
		ManifestLocator:  manifestURI,
		ContentHash:      interfaces.ContentID(contentHash),
		Price:            price,
		Active:           active,
	}, nil
}

// HasAccess asks the contract whether requester may run the application over
// the dataset. Locators are the encrypted URIs exactly as registered.
func (r *OnchainAssetRegistry) HasAccess(ctx context.Context, requester common.Address, datasetLocator, appLocator string) (bool, error) {
	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "hasAccess", requester, datasetLocator, appLocator)
	if err != nil {
		return false, fmt.Errorf("%w: registry hasAccess: %v", interfaces.ErrTransport, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%w: registry hasAccess returned %d values", interfaces.ErrTransport, len(out))
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}
