package storage

import (
	"context"
	"time"

	"github.com/clawmux/clawmux/internal/model"
)

// TenantRepository is the interface for tenant persistence.
type TenantRepository interface {
	CreateTenant(ctx context.Context, t model.Tenant) error
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	UpdateTenant(ctx context.Context, t model.Tenant) error
	DeleteTenant(ctx context.Context, id string) error
}

// UsageRepository persists per-execution usage records. It satisfies
// track.UsageTracker so a repository can be wired directly into the runner.
type UsageRepository interface {
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
	ListUsage(ctx context.Context, tenantID string, since time.Time) ([]model.UsageRecord, error)
}
