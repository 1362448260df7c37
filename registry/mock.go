package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockAssetRegistry mocks the AssetRegistry interface
type MockAssetRegistry struct {
	mock.Mock
}

// GetAsset mocks the GetAsset method
func (m *MockAssetRegistry) GetAsset(ctx context.Context, id interfaces.AssetID) (*interfaces.Asset, error) {
	args := m.Called(ctx, id)
	asset, _ := args.Get(0).(*interfaces.Asset)
	return asset, args.Error(1)
}

// HasAccess mocks the HasAccess method
func (m *MockAssetRegistry) HasAccess(ctx context.Context, requester common.Address, datasetLocator, appLocator string) (bool, error) {
	args := m.Called(ctx, requester, datasetLocator, appLocator)
	return args.Bool(0), args.Error(1)
}
