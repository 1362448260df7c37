package enclave

import (
	"context"

	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockLauncher mocks the Launcher interface
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context, spec interfaces.LaunchSpec) (*interfaces.ExecutionResult, error) {
	args := m.Called(ctx, spec)
	result, _ := args.Get(0).(*interfaces.ExecutionResult)
	return result, args.Error(1)
}
