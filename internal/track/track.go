// Package track holds the usage, error and alerting collaborator contracts
// consumed by the execution core, plus the in-process error-state tracker.
package track

import (
	"context"

	"github.com/clawmux/clawmux/internal/model"
)

// UsageTracker records per-run usage accounting (duration, tokens, status).
type UsageTracker interface {
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
}

// ErrorTracker records terminal execution outcomes per tenant.
type ErrorTracker interface {
	// RecordFailure registers one failed execution for the tenant.
	RecordFailure(ctx context.Context, tenantID, message string)
	// Reset clears the tenant's consecutive-failure state after a success.
	Reset(ctx context.Context, tenantID string)
}

// AlertNotifier delivers operator alerts for sustained failures.
type AlertNotifier interface {
	Send(ctx context.Context, kind, message string, details map[string]string)
}

// NoopUsageTracker discards usage records.
var NoopUsageTracker = noopUsage(0)

type noopUsage int

func (noopUsage) RecordUsage(ctx context.Context, rec model.UsageRecord) error { return nil }

// NoopErrorTracker discards failure records.
var NoopErrorTracker = noopErrors(0)

type noopErrors int

func (noopErrors) RecordFailure(ctx context.Context, tenantID, message string) {}
func (noopErrors) Reset(ctx context.Context, tenantID string)                  {}
