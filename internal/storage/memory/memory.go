package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clawmux/clawmux/internal/log"
	"github.com/clawmux/clawmux/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.TenantRepository and
// storage.UsageRepository.
type Repository struct {
	tenants map[string]model.Tenant
	usage   []model.UsageRecord
	mu      sync.RWMutex
	logger  log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tenants: make(map[string]model.Tenant),
		logger:  cfg.Logger,
	}, nil
}

// CreateTenant creates a new tenant in the repository.
func (r *Repository) CreateTenant(ctx context.Context, t model.Tenant) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tenant: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[t.ID]; ok {
		return fmt.Errorf("tenant with id %s: %w", t.ID, model.ErrAlreadyExists)
	}

	r.tenants[t.ID] = t
	r.logger.Debugf("Created tenant in repository: %s", t.ID)

	return nil
}

// GetTenant retrieves a tenant by ID.
func (r *Repository) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, model.ErrNotFound)
	}

	// Return a copy
	tenantCopy := tenant
	return &tenantCopy, nil
}

// ListTenants returns all tenants.
func (r *Repository) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenants := make([]model.Tenant, 0, len(r.tenants))
	for _, tenant := range r.tenants {
		tenants = append(tenants, tenant)
	}

	return tenants, nil
}

// UpdateTenant updates an existing tenant.
func (r *Repository) UpdateTenant(ctx context.Context, t model.Tenant) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tenant: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[t.ID]; !ok {
		return fmt.Errorf("tenant %s: %w", t.ID, model.ErrNotFound)
	}

	r.tenants[t.ID] = t
	r.logger.Debugf("Updated tenant in repository: %s", t.ID)

	return nil
}

// DeleteTenant deletes a tenant.
func (r *Repository) DeleteTenant(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[id]; !ok {
		return fmt.Errorf("tenant %s: %w", id, model.ErrNotFound)
	}

	delete(r.tenants, id)
	r.logger.Debugf("Deleted tenant from repository: %s", id)

	return nil
}

// RecordUsage appends a usage record.
func (r *Repository) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r.usage = append(r.usage, rec)

	return nil
}

// ListUsage returns the usage records of a tenant created at or after since.
func (r *Repository) ListUsage(ctx context.Context, tenantID string, since time.Time) ([]model.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var records []model.UsageRecord
	for _, rec := range r.usage {
		if rec.TenantID != tenantID || rec.CreatedAt.Before(since) {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}
