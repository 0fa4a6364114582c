package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clawmux/clawmux/internal/model"
)

// CreateTenant creates a new tenant in the repository.
func (r *Repository) CreateTenant(ctx context.Context, t model.Tenant) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tenant: %w", err)
	}

	extraMounts, err := marshalMounts(t.ExtraMounts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tenants (
			id, role, deadline_seconds, fast_path_enabled, extra_mounts, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		t.ID,
		string(t.Role),
		int64(t.Deadline/time.Second),
		boolToInt(t.FastPathEnabled),
		extraMounts,
		t.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tenants.") {
			return fmt.Errorf("tenant already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert tenant: %w", err)
	}

	r.logger.Debugf("Created tenant in repository: %s", t.ID)
	return nil
}

// GetTenant retrieves a tenant by ID.
func (r *Repository) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	query := `
		SELECT id, role, deadline_seconds, fast_path_enabled, extra_mounts, created_at
		FROM tenants
		WHERE id = ?
	`

	row := r.db.QueryRowContext(ctx, query, id)
	tenant, err := r.scanTenant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query tenant: %w", err)
	}

	return &tenant, nil
}

// ListTenants returns all tenants.
func (r *Repository) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	query := `
		SELECT id, role, deadline_seconds, fast_path_enabled, extra_mounts, created_at
		FROM tenants
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		tenant, err := r.scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tenants, nil
}

// UpdateTenant updates an existing tenant.
func (r *Repository) UpdateTenant(ctx context.Context, t model.Tenant) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tenant: %w", err)
	}

	extraMounts, err := marshalMounts(t.ExtraMounts)
	if err != nil {
		return err
	}

	query := `
		UPDATE tenants
		SET
			role = ?,
			deadline_seconds = ?,
			fast_path_enabled = ?,
			extra_mounts = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		string(t.Role),
		int64(t.Deadline/time.Second),
		boolToInt(t.FastPathEnabled),
		extraMounts,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update tenant: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("tenant %s: %w", t.ID, model.ErrNotFound)
	}

	r.logger.Debugf("Updated tenant in repository: %s", t.ID)
	return nil
}

// DeleteTenant deletes a tenant.
func (r *Repository) DeleteTenant(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete tenant: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("tenant %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Deleted tenant from repository: %s", id)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanTenant(s scanner) (model.Tenant, error) {
	var tenant model.Tenant
	var role string
	var deadlineSeconds int64
	var fastPath int
	var extraMounts string
	var createdAt sql.NullInt64

	err := s.Scan(&tenant.ID, &role, &deadlineSeconds, &fastPath, &extraMounts, &createdAt)
	if err != nil {
		return model.Tenant{}, err
	}

	tenant.Role = model.Role(role)
	tenant.Deadline = time.Duration(deadlineSeconds) * time.Second
	tenant.FastPathEnabled = fastPath != 0
	if extraMounts != "" {
		if err := json.Unmarshal([]byte(extraMounts), &tenant.ExtraMounts); err != nil {
			return model.Tenant{}, fmt.Errorf("could not unmarshal extra mounts: %w", err)
		}
	}
	if !createdAt.Valid {
		return model.Tenant{}, fmt.Errorf("created_at is required")
	}
	tenant.CreatedAt = time.Unix(createdAt.Int64, 0).UTC()

	return tenant, nil
}

func marshalMounts(mounts []model.Mount) (string, error) {
	if len(mounts) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(mounts)
	if err != nil {
		return "", fmt.Errorf("could not marshal extra mounts: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
