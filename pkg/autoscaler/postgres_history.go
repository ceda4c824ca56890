package autoscaler

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresHistory implements History with PostgreSQL. The BIGSERIAL id is
// the monotonic event index.
type PostgresHistory struct {
	db *sql.DB
}

// NewPostgresHistory creates a Postgres-backed history.
func NewPostgresHistory(db *sql.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

const historySchema = `
CREATE TABLE IF NOT EXISTS scaling_events (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	from_instances INT NOT NULL,
	to_instances INT NOT NULL,
	direction TEXT NOT NULL,
	trigger_metric TEXT NOT NULL,
	reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scaling_events_tenant ON scaling_events(tenant_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_scaling_events_tenant_dir ON scaling_events(tenant_id, direction, id DESC);
`

// Init creates the necessary database tables.
func (h *PostgresHistory) Init(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, historySchema)
	return err
}

// Append stores an event and assigns its ID.
func (h *PostgresHistory) Append(ctx context.Context, ev *ScalingEvent) error {
	err := h.db.QueryRowContext(ctx, `
		INSERT INTO scaling_events (tenant_id, occurred_at, from_instances, to_instances, direction, trigger_metric, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, ev.TenantID, ev.Timestamp, ev.FromInstances, ev.ToInstances, string(ev.Direction), ev.TriggerMetric, ev.Reason).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("autoscaler: insert scaling event: %w", err)
	}
	return nil
}

// LastInDirection returns the newest event in dir, or nil.
func (h *PostgresHistory) LastInDirection(ctx context.Context, tenantID string, dir Action) (*ScalingEvent, error) {
	ev, err := scanEvent(h.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, occurred_at, from_instances, to_instances, direction, trigger_metric, reason
		FROM scaling_events
		WHERE tenant_id = $1 AND direction = $2
		ORDER BY id DESC LIMIT 1
	`, tenantID, string(dir)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("autoscaler: query last event: %w", err)
	}
	return ev, nil
}

// List returns up to limit events, newest first.
func (h *PostgresHistory) List(ctx context.Context, tenantID string, limit int) ([]ScalingEvent, error) {
	query := `
		SELECT id, tenant_id, occurred_at, from_instances, to_instances, direction, trigger_metric, reason
		FROM scaling_events
		WHERE tenant_id = $1
		ORDER BY id DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("autoscaler: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ScalingEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("autoscaler: scan event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*ScalingEvent, error) {
	var ev ScalingEvent
	var direction string
	if err := row.Scan(&ev.ID, &ev.TenantID, &ev.Timestamp, &ev.FromInstances, &ev.ToInstances, &direction, &ev.TriggerMetric, &ev.Reason); err != nil {
		return nil, err
	}
	ev.Direction = Action(direction)
	return &ev, nil
}
