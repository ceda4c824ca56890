package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresMeter implements Meter with PostgreSQL storage.
type PostgresMeter struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresMeter creates a new PostgreSQL-backed meter.
func NewPostgresMeter(db *sql.DB) *PostgresMeter {
	return &PostgresMeter{db: db, clock: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (m *PostgresMeter) WithClock(clock func() time.Time) *PostgresMeter {
	m.clock = clock
	return m
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_time ON usage_events(tenant_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_resource ON usage_events(tenant_id, resource, occurred_at);
`

// Init creates the necessary database tables.
func (m *PostgresMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

// Record stores a single usage event.
func (m *PostgresMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock().UTC()
	}

	metadataJSON, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO usage_events (tenant_id, resource, quantity, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, event.TenantID, event.Resource, event.Quantity, event.Timestamp, metadataJSON)

	if err != nil {
		return fmt.Errorf("metering: failed to record event: %w", err)
	}
	return nil
}

// RecordBatch stores multiple events in a single transaction.
func (m *PostgresMeter) RecordBatch(ctx context.Context, events []Event) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events (tenant_id, resource, quantity, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("metering: failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := m.clock().UTC()
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}

		metadataJSON, err := marshalMetadata(event.Metadata)
		if err != nil {
			return err
		}

		if _, err := stmt.ExecContext(ctx, event.TenantID, event.Resource, event.Quantity, event.Timestamp, metadataJSON); err != nil {
			return fmt.Errorf("metering: failed to insert event: %w", err)
		}
	}

	return tx.Commit()
}

// Usage aggregates all resources for a tenant within the period.
func (m *PostgresMeter) Usage(ctx context.Context, tenantID string, period Period) (*Usage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT resource, SUM(quantity) as total
		FROM usage_events
		WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		GROUP BY resource
	`, tenantID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("metering: failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[string]int64),
		LastUpdate: m.clock().UTC(),
	}

	for rows.Next() {
		var resource string
		var total int64
		if err := rows.Scan(&resource, &total); err != nil {
			return nil, fmt.Errorf("metering: failed to scan row: %w", err)
		}
		usage.Totals[resource] = total
	}

	return usage, rows.Err()
}

// Count sums quantities for a single resource within the period.
func (m *PostgresMeter) Count(ctx context.Context, tenantID, resource string, period Period) (int64, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx, `
		SELECT SUM(quantity)
		FROM usage_events
		WHERE tenant_id = $1 AND resource = $2 AND occurred_at >= $3 AND occurred_at < $4
	`, tenantID, resource, period.Start, period.End).Scan(&total)

	if err != nil {
		return 0, fmt.Errorf("metering: failed to count usage: %w", err)
	}

	return total.Int64, nil
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("metering: failed to marshal metadata: %w", err)
	}
	return b, nil
}
