package quota

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed quota store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const quotaSchema = `
CREATE TABLE IF NOT EXISTS tenant_quota_limits (
	tenant_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	limit_value BIGINT NOT NULL,
	PRIMARY KEY (tenant_id, resource)
);
CREATE TABLE IF NOT EXISTS tenant_quota_usage (
	tenant_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	allocated BIGINT NOT NULL DEFAULT 0,
	used BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, resource)
);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, quotaSchema)
	return err
}

// Limits returns the tenant's limit set. Not found is not an error: returns nil.
func (s *PostgresStore) Limits(ctx context.Context, tenantID string) (Limits, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, limit_value FROM tenant_quota_limits WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota: query limits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var limits Limits
	for rows.Next() {
		var resource string
		var limit int64
		if err := rows.Scan(&resource, &limit); err != nil {
			return nil, fmt.Errorf("quota: scan limit row: %w", err)
		}
		if limits == nil {
			limits = make(Limits)
		}
		limits[Resource(resource)] = limit
	}
	return limits, rows.Err()
}

// SetLimits replaces the tenant's limit set in one transaction.
func (s *PostgresStore) SetLimits(ctx context.Context, tenantID string, limits Limits) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quota: begin set limits: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_quota_limits WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("quota: clear limits: %w", err)
	}
	for r, v := range limits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tenant_quota_limits (tenant_id, resource, limit_value) VALUES ($1, $2, $3)
		`, tenantID, r.String(), v); err != nil {
			return fmt.Errorf("quota: insert limit: %w", err)
		}
	}
	return tx.Commit()
}

// Usage returns the usage row for one resource, found=false when absent.
func (s *PostgresStore) Usage(ctx context.Context, tenantID string, r Resource) (Usage, bool, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT allocated, used, updated_at FROM tenant_quota_usage WHERE tenant_id = $1 AND resource = $2
	`, tenantID, r.String()).Scan(&u.Allocated, &u.Used, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return Usage{}, false, nil
	}
	if err != nil {
		return Usage{}, false, fmt.Errorf("quota: query usage: %w", err)
	}
	return u, true, nil
}

// SetUsage upserts the usage row for one resource.
func (s *PostgresStore) SetUsage(ctx context.Context, tenantID string, r Resource, u Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_quota_usage (tenant_id, resource, allocated, used, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, resource) DO UPDATE SET
			allocated = EXCLUDED.allocated,
			used = EXCLUDED.used,
			updated_at = EXCLUDED.updated_at
	`, tenantID, r.String(), u.Allocated, u.Used, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("quota: upsert usage: %w", err)
	}
	return nil
}

// UsageAll returns every usage row for the tenant.
func (s *PostgresStore) UsageAll(ctx context.Context, tenantID string) (map[Resource]Usage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, allocated, used, updated_at FROM tenant_quota_usage WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota: query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Resource]Usage)
	for rows.Next() {
		var resource string
		var u Usage
		if err := rows.Scan(&resource, &u.Allocated, &u.Used, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("quota: scan usage row: %w", err)
		}
		out[Resource(resource)] = u
	}
	return out, rows.Err()
}
