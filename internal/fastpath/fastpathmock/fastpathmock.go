// Package fastpathmock contains a mock for the fastpath.Client interface.
package fastpathmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/clawmux/clawmux/internal/fastpath"
	"github.com/clawmux/clawmux/internal/model"
)

// MockClient is a mock implementation of fastpath.Client.
type MockClient struct {
	mock.Mock
}

var _ fastpath.Client = (*MockClient)(nil)

// Execute mocks fastpath.Client.Execute.
func (m *MockClient) Execute(ctx context.Context, tenant model.Tenant, req model.ExecutionRequest, sessionID string) (*model.ExecutionResult, error) {
	args := m.Called(ctx, tenant, req, sessionID)

	var res *model.ExecutionResult
	if args.Get(0) != nil {
		res = args.Get(0).(*model.ExecutionResult)
	}
	return res, args.Error(1)
}
