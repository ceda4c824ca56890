package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/strata/pkg/tiers"
)

// PostgresStore implements Store with PostgreSQL. Name uniqueness rides on
// the normalized_name unique index rather than a read-check race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	normalized_name TEXT NOT NULL UNIQUE,
	tenant_type TEXT NOT NULL,
	status TEXT NOT NULL,
	contact_email TEXT NOT NULL DEFAULT '',
	limits JSONB NOT NULL,
	scaling_policy JSONB NOT NULL,
	metadata JSONB,
	created_at TIMESTAMP NOT NULL,
	suspended_at TIMESTAMP,
	terminated_at TIMESTAMP
);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, tenantSchema)
	return err
}

// Insert stores a new tenant. A normalized-name clash inserts nothing and
// returns ErrDuplicateTenant.
func (s *PostgresStore) Insert(ctx context.Context, t Tenant) error {
	limits, policy, metadata, err := encodeTenantDocs(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, normalized_name, tenant_type, status, contact_email,
			limits, scaling_policy, metadata, created_at, suspended_at, terminated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (normalized_name) DO NOTHING
	`, t.ID, t.Name, NormalizeName(t.Name), t.Type.String(), string(t.Status), t.ContactEmail,
		limits, policy, metadata, t.CreatedAt, nullTime(t.SuspendedAt), nullTime(t.TerminatedAt))
	if err != nil {
		return fmt.Errorf("tenants: insert tenant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tenants: insert tenant: %w", err)
	}
	if n == 0 {
		return ErrDuplicateTenant
	}
	return nil
}

// Get returns the tenant with the given ID, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, tenant_type, status, contact_email,
			limits, scaling_policy, metadata, created_at, suspended_at, terminated_at
		FROM tenants WHERE id = $1
	`, id)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("tenants: query tenant: %w", err)
	}
	return t, nil
}

// Update replaces an existing tenant record.
func (s *PostgresStore) Update(ctx context.Context, t Tenant) error {
	limits, policy, metadata, err := encodeTenantDocs(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET name = $2, status = $3, contact_email = $4,
			limits = $5, scaling_policy = $6, metadata = $7,
			suspended_at = $8, terminated_at = $9
		WHERE id = $1
	`, t.ID, t.Name, string(t.Status), t.ContactEmail,
		limits, policy, metadata, nullTime(t.SuspendedAt), nullTime(t.TerminatedAt))
	if err != nil {
		return fmt.Errorf("tenants: update tenant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tenants: update tenant: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every tenant, newest first.
func (s *PostgresStore) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, tenant_type, status, contact_email,
			limits, scaling_policy, metadata, created_at, suspended_at, terminated_at
		FROM tenants ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("tenants: query tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("tenants: scan tenant row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (Tenant, error) {
	var (
		t                        Tenant
		typ, status              string
		limits, policy, metadata []byte
		suspended, terminated    sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Name, &typ, &status, &t.ContactEmail,
		&limits, &policy, &metadata, &t.CreatedAt, &suspended, &terminated)
	if err != nil {
		return Tenant{}, err
	}
	t.Type = tiers.Type(typ)
	t.Status = Status(status)
	if err := json.Unmarshal(limits, &t.Limits); err != nil {
		return Tenant{}, fmt.Errorf("decode limits: %w", err)
	}
	if err := json.Unmarshal(policy, &t.Policy); err != nil {
		return Tenant{}, fmt.Errorf("decode scaling policy: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return Tenant{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if suspended.Valid {
		at := suspended.Time
		t.SuspendedAt = &at
	}
	if terminated.Valid {
		at := terminated.Time
		t.TerminatedAt = &at
	}
	return t, nil
}

func encodeTenantDocs(t Tenant) (limits, policy, metadata []byte, err error) {
	if limits, err = json.Marshal(t.Limits); err != nil {
		return nil, nil, nil, fmt.Errorf("tenants: encode limits: %w", err)
	}
	if policy, err = json.Marshal(t.Policy); err != nil {
		return nil, nil, nil, fmt.Errorf("tenants: encode scaling policy: %w", err)
	}
	if len(t.Metadata) > 0 {
		if metadata, err = json.Marshal(t.Metadata); err != nil {
			return nil, nil, nil, fmt.Errorf("tenants: encode metadata: %w", err)
		}
	}
	return limits, policy, metadata, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
