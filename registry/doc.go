// Package registry reads the on-chain asset registry.
//
// The registry contract records every dataset and application asset together
// with the locator of its encrypted envelope, and answers whether a requester
// is entitled to run an application over a dataset. The pipeline only reads
// it; registering and purchasing assets happens elsewhere.
//
// OnchainAssetRegistry calls the contract through a go-ethereum bound contract
// built from the registry ABI, so no generated bindings are required:
//
//	client, err := ethclient.DialContext(ctx, rpcURL)
//	if err != nil {
//	    return err
//	}
//	reg, err := registry.NewOnchainAssetRegistry(client, common.HexToAddress(contractAddress))
//	if err != nil {
//	    return err
//	}
//	asset, err := reg.GetAsset(ctx, 1)
//
// MockAssetRegistry is a testify mock of interfaces.AssetRegistry for use in
// tests of packages that depend on the registry.
package registry
