package trackmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/clawmux/clawmux/internal/model"
)

// MockUsageTracker is a mock implementation of track.UsageTracker.
type MockUsageTracker struct {
	mock.Mock
}

func (m *MockUsageTracker) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// MockErrorTracker is a mock implementation of track.ErrorTracker.
type MockErrorTracker struct {
	mock.Mock
}

func (m *MockErrorTracker) RecordFailure(ctx context.Context, tenantID, message string) {
	m.Called(ctx, tenantID, message)
}

func (m *MockErrorTracker) Reset(ctx context.Context, tenantID string) {
	m.Called(ctx, tenantID)
}
