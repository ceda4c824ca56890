package allocator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/strata/pkg/quota"
)

// PostgresStore implements Store with PostgreSQL. Release safety rides on a
// conditional update (released_at IS NULL), so a racing second writer
// affects zero rows instead of overwriting the timestamp.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed allocation log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const allocationSchema = `
CREATE TABLE IF NOT EXISTS allocations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	amount BIGINT NOT NULL,
	granted_at TIMESTAMP NOT NULL,
	released_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_allocations_tenant ON allocations(tenant_id, granted_at);
CREATE INDEX IF NOT EXISTS idx_allocations_open ON allocations(tenant_id) WHERE released_at IS NULL;
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, allocationSchema)
	return err
}

// Append adds a new allocation record.
func (s *PostgresStore) Append(ctx context.Context, a Allocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (id, tenant_id, resource, amount, granted_at, released_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.TenantID, a.Resource.String(), a.Amount, a.GrantedAt, pgNullTime(a.ReleasedAt))
	if err != nil {
		return fmt.Errorf("allocator: insert allocation: %w", err)
	}
	return nil
}

// Get returns the allocation with the given ID, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (Allocation, error) {
	a, err := scanAllocation(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, resource, amount, granted_at, released_at
		FROM allocations WHERE id = $1
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
func (s *PostgresStore) SetReleased(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocations SET released_at = $2 WHERE id = $1 AND released_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("allocator: mark released: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("allocator: mark released: %w", err)
	}
	if n == 0 {
		// Zero rows means the record is missing or already closed.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyReleased
	}
	return nil
}

// OpenForTenant returns the tenant's open allocations, oldest first.
func (s *PostgresStore) OpenForTenant(ctx context.Context, tenantID string) ([]Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT id, tenant_id, resource, amount, granted_at, released_at
		FROM allocations
		WHERE tenant_id = $1 AND released_at IS NULL
		ORDER BY granted_at, id
	`, tenantID)
}

// OpenAll returns every open allocation across tenants, oldest grant first.
func (s *PostgresStore) OpenAll(ctx context.Context) ([]Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT id, tenant_id, resource, amount, granted_at, released_at
		FROM allocations
		WHERE released_at IS NULL
		ORDER BY granted_at, id
	`)
}

// Overlapping returns allocations held at any point within [from, to),
// oldest grant first.
func (s *PostgresStore) Overlapping(ctx context.Context, tenantID string, from, to time.Time) ([]Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT id, tenant_id, resource, amount, granted_at, released_at
		FROM allocations
		WHERE tenant_id = $1 AND granted_at < $3 AND (released_at IS NULL OR released_at > $2)
		ORDER BY granted_at, id
	`, tenantID, from, to)
}

func (s *PostgresStore) queryAllocations(ctx context.Context, query string, args ...any) ([]Allocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("allocator: query allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("allocator: scan allocation row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAllocation(row rowScanner) (Allocation, error) {
	var (
		a        Allocation
		resource string
		released sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.TenantID, &resource, &a.Amount, &a.GrantedAt, &released); err != nil {
		return Allocation{}, err
	}
	a.Resource = quota.Resource(resource)
	if released.Valid {
		at := released.Time
		a.ReleasedAt = &at
	}
	return a, nil
}

func pgNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
