package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/clawmux/clawmux/internal/model"
)

// RecordUsage inserts a usage record.
func (r *Repository) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	if rec.TenantID == "" {
		return fmt.Errorf("tenant id is required: %w", model.ErrNotValid)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO usage_records (
			tenant_id, duration_ms, prompt_tokens, response_tokens, status, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.TenantID,
		rec.Duration.Milliseconds(),
		rec.PromptTokens,
		rec.ResponseTokens,
		string(rec.Status),
		rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("could not insert usage record: %w", err)
	}

	return nil
}

// ListUsage returns the usage records of a tenant created at or after since,
// most recent first.
func (r *Repository) ListUsage(ctx context.Context, tenantID string, since time.Time) ([]model.UsageRecord, error) {
	query := `
		SELECT tenant_id, duration_ms, prompt_tokens, response_tokens, status, created_at
		FROM usage_records
		WHERE tenant_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("could not query usage records: %w", err)
	}
	defer rows.Close()

	var records []model.UsageRecord
	for rows.Next() {
		var rec model.UsageRecord
		var durationMS, createdAt int64
		var status string

		err := rows.Scan(&rec.TenantID, &durationMS, &rec.PromptTokens, &rec.ResponseTokens, &status, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}

		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Status = model.ExecutionStatus(status)
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}
