package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/tiers"
)

// SQLiteStore implements Store with SQLite, for lite mode. Timestamps are
// stored as RFC3339Nano text; the driver is registered by the caller
// (modernc.org/sqlite).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed tenant store and runs migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			normalized_name TEXT NOT NULL UNIQUE,
			tenant_type TEXT NOT NULL,
			status TEXT NOT NULL,
			contact_email TEXT NOT NULL DEFAULT '',
			limits TEXT NOT NULL,
			scaling_policy TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			suspended_at TEXT,
			terminated_at TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("tenants: migrate sqlite store: %w", err)
	}
	return nil
}

// Insert stores a new tenant. A normalized-name clash inserts nothing and
// returns ErrDuplicateTenant.
func (s *SQLiteStore) Insert(ctx context.Context, t Tenant) error {
	limits, policy, metadata, err := encodeTenantDocs(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, normalized_name, tenant_type, status, contact_email,
			limits, scaling_policy, metadata, created_at, suspended_at, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (normalized_name) DO NOTHING
	`, t.ID, t.Name, NormalizeName(t.Name), t.Type.String(), string(t.Status), t.ContactEmail,
		string(limits), string(policy), nullJSON(metadata),
		formatTime(t.CreatedAt), formatTimePtr(t.SuspendedAt), formatTimePtr(t.TerminatedAt))
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
func (s *SQLiteStore) Get(ctx context.Context, id string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, tenant_type, status, contact_email,
			limits, scaling_policy, metadata, created_at, suspended_at, terminated_at
		FROM tenants WHERE id = ?
	`, id)
	t, err := s.scanRow(row)
	if err == sql.ErrNoRows {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("tenants: query tenant: %w", err)
	}
	return t, nil
}

// Update replaces an existing tenant record.
func (s *SQLiteStore) Update(ctx context.Context, t Tenant) error {
	limits, policy, metadata, err := encodeTenantDocs(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET name = ?, status = ?, contact_email = ?,
			limits = ?, scaling_policy = ?, metadata = ?,
			suspended_at = ?, terminated_at = ?
		WHERE id = ?
	`, t.Name, string(t.Status), t.ContactEmail,
		string(limits), string(policy), nullJSON(metadata),
		formatTimePtr(t.SuspendedAt), formatTimePtr(t.TerminatedAt), t.ID)
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
func (s *SQLiteStore) List(ctx context.Context) ([]Tenant, error) {
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
		t, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("tenants: scan tenant row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanRow(row rowScanner) (Tenant, error) {
	var (
		t                      Tenant
		typ, status, createdAt string
		limits, policy         string
		metadata               sql.NullString
		suspended, terminated  sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &typ, &status, &t.ContactEmail,
		&limits, &policy, &metadata, &createdAt, &suspended, &terminated)
	if err != nil {
		return Tenant{}, err
	}
	t.Type = tiers.Type(typ)
	t.Status = Status(status)
	t.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(limits), &t.Limits); err != nil {
		return Tenant{}, fmt.Errorf("decode limits: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &t.Policy); err != nil {
		return Tenant{}, fmt.Errorf("decode scaling policy: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return Tenant{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if suspended.Valid {
		at := parseTime(suspended.String)
		t.SuspendedAt = &at
	}
	if terminated.Valid {
		at := parseTime(terminated.String)
		t.TerminatedAt = &at
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullJSON(doc []byte) any {
	if len(doc) == 0 {
		return nil
	}
	return string(doc)
}

// parseTime tolerates both RFC3339Nano and RFC3339 text.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
