package allocator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/quota"
)

// SQLiteStore implements Store with SQLite, for lite mode. Timestamps are
// stored as RFC3339Nano text; the driver is registered by the caller
// (modernc.org/sqlite).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed allocation log and runs migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS allocations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			amount INTEGER NOT NULL,
			granted_at TEXT NOT NULL,
			released_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_allocations_tenant ON allocations(tenant_id, granted_at);
	`)
	if err != nil {
		return fmt.Errorf("allocator: migrate sqlite store: %w", err)
	}
	return nil
}

// Append adds a new allocation record.
func (s *SQLiteStore) Append(ctx context.Context, a Allocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (id, tenant_id, resource, amount, granted_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.TenantID, a.Resource.String(), a.Amount,
		a.GrantedAt.UTC().Format(time.RFC3339Nano), sqliteTimePtr(a.ReleasedAt))
	if err != nil {
		return fmt.Errorf("allocator: insert allocation: %w", err)
	}
	return nil
}

// Get returns the allocation with the given ID, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Allocation, error) {
	a, err := s.scanRow(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, resource, amount, granted_at, released_at
		FROM allocations WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return Allocation{}, ErrNotFound
	}
	if err != nil {
		return Allocation{}, fmt.Errorf("allocator: query allocation: %w", err)
	}
	return a, nil
}

// SetReleased marks the allocation released at the given time.
func (s *SQLiteStore) SetReleased(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocations SET released_at = ? WHERE id = ? AND released_at IS NULL
	`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("allocator: mark released: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("allocator: mark released: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyReleased
	}
	return nil
}

// OpenForTenant returns the tenant's open allocations, oldest first.
func (s *SQLiteStore) OpenForTenant(ctx context.Context, tenantID string) ([]Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT id, tenant_id, resource, amount, granted_at, released_at
		FROM allocations
		WHERE tenant_id = ? AND released_at IS NULL
		ORDER BY granted_at, id
	`, tenantID)
}

// OpenAll returns every open allocation across tenants, oldest grant first.
func (s *SQLiteStore) OpenAll(ctx context.Context) ([]Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT id, tenant_id, resource, amount, granted_at, released_at
		FROM allocations
		WHERE released_at IS NULL
		ORDER BY granted_at, id
	`)
}

// Overlapping returns allocations held at any point within [from, to),
// oldest grant first.
func (s *SQLiteStore) Overlapping(ctx context.Context, tenantID string, from, to time.Time) ([]Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT id, tenant_id, resource, amount, granted_at, released_at
		FROM allocations
		WHERE tenant_id = ? AND granted_at < ? AND (released_at IS NULL OR released_at > ?)
		ORDER BY granted_at, id
	`, tenantID, to.UTC().Format(time.RFC3339Nano), from.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) queryAllocations(ctx context.Context, query string, args ...any) ([]Allocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("allocator: query allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Allocation
	for rows.Next() {
		a, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("allocator: scan allocation row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanRow(row rowScanner) (Allocation, error) {
	var (
		a                 Allocation
		resource, granted string
		released          sql.NullString
	)
	if err := row.Scan(&a.ID, &a.TenantID, &resource, &a.Amount, &granted, &released); err != nil {
		return Allocation{}, err
	}
	a.Resource = quota.Resource(resource)
	a.GrantedAt = parseSQLiteTime(granted)
	if released.Valid {
		at := parseSQLiteTime(released.String)
		a.ReleasedAt = &at
	}
	return a, nil
}

func sqliteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime tolerates both RFC3339Nano and RFC3339 text.
func parseSQLiteTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
