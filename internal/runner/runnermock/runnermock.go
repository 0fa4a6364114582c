// Package runnermock contains a mock for the runner.Runner interface.
package runnermock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/clawmux/clawmux/internal/model"
	"github.com/clawmux/clawmux/internal/runner"
)

// MockRunner is a mock implementation of runner.Runner.
type MockRunner struct {
	mock.Mock
}

var _ runner.Runner = (*MockRunner)(nil)

// Run mocks runner.Runner.Run.
func (m *MockRunner) Run(ctx context.Context, spec runner.RunSpec) (*model.ExecutionResult, error) {
	args := m.Called(ctx, spec)

	var res *model.ExecutionResult
	if args.Get(0) != nil {
		res = args.Get(0).(*model.ExecutionResult)
	}
	return res, args.Error(1)
}
