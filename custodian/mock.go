package custodian

import (
	"context"

	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockCustodian mocks interfaces.CustodianClient
type MockCustodian struct {
	mock.Mock
}

func (m *MockCustodian) GetHead(ctx context.Context, name string) (*interfaces.SessionHead, error) {
	args := m.Called(ctx, name)
	head, _ := args.Get(0).(*interfaces.SessionHead)
	return head, args.Error(1)
}

func (m *MockCustodian) Submit(ctx context.Context, doc *interfaces.SessionDocument) (*interfaces.SubmitResult, error) {
	args := m.Called(ctx, doc)
	result, _ := args.Get(0).(*interfaces.SubmitResult)
	return result, args.Error(1)
}

func (m *MockCustodian) Release(ctx context.Context, session, service string, req *interfaces.ReleaseRequest) (*interfaces.ReleaseResponse, error) {
	args := m.Called(ctx, session, service, req)
	resp, _ := args.Get(0).(*interfaces.ReleaseResponse)
	return resp, args.Error(1)
}
