package storage

import (
	"context"

	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	BackendName   string
	BackendScheme string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, loc interfaces.BlobLocation) ([]byte, error) {
	args := m.Called(ctx, loc)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte) (interfaces.BlobLocation, error) {
	args := m.Called(ctx, data)
	return args.Get(0).(interfaces.BlobLocation), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.BackendName
}

func (m *MockStorageBackend) Scheme() string {
	return m.BackendScheme
}

// MockBlobFetcher implements interfaces.BlobFetcher for testing
type MockBlobFetcher struct {
	mock.Mock
}

func (m *MockBlobFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	args := m.Called(ctx, locator)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}
