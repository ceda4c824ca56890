package billing

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/strata/pkg/quota"
)

// PostgresRuleStore implements RuleStore with PostgreSQL. Versions are
// append-only rows ordered by a serial id, so registration order survives
// equal effective times.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a Postgres-backed rule store.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleSchema = `
CREATE TABLE IF NOT EXISTS cost_rules (
	id BIGSERIAL PRIMARY KEY,
	resource TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	unit TEXT NOT NULL,
	unit_cost_minor BIGINT NOT NULL,
	currency TEXT NOT NULL,
	free_units BIGINT NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL,
	effective_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_rules_scope ON cost_rules(resource, tenant_id, id);
`

// Init creates the necessary database tables.
func (s *PostgresRuleStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ruleSchema)
	return err
}

// Append adds a rule version to its scope chain.
func (s *PostgresRuleStore) Append(ctx context.Context, r CostRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_rules (resource, tenant_id, unit, unit_cost_minor, currency, free_units, enabled, effective_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.Resource.String(), r.TenantID, r.Unit.String(), r.UnitCostMinor, r.Currency, r.FreeUnits, r.Enabled, r.EffectiveAt)
	if err != nil {
		return fmt.Errorf("billing: insert rule: %w", err)
	}
	return nil
}

// Versions returns the scope's rule versions in registration order.
func (s *PostgresRuleStore) Versions(ctx context.Context, resource quota.Resource, tenantID string) ([]CostRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, tenant_id, unit, unit_cost_minor, currency, free_units, enabled, effective_at
		FROM cost_rules
		WHERE resource = $1 AND tenant_id = $2
		ORDER BY id
	`, resource.String(), tenantID)
	if err != nil {
		return nil, fmt.Errorf("billing: query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CostRule
	for rows.Next() {
		var (
			r         CostRule
			res, unit string
		)
		if err := rows.Scan(&res, &r.TenantID, &unit, &r.UnitCostMinor, &r.Currency, &r.FreeUnits, &r.Enabled, &r.EffectiveAt); err != nil {
			return nil, fmt.Errorf("billing: scan rule row: %w", err)
		}
		r.Resource = quota.Resource(res)
		r.Unit = Unit(unit)
		out = append(out, r)
	}
	return out, rows.Err()
}
