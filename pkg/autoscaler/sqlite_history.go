package autoscaler

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteHistory implements History with SQLite, for lite mode. Timestamps
// are stored as RFC3339Nano text; the driver is registered by the caller
// (modernc.org/sqlite).
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory creates a SQLite-backed history and runs migration.
func NewSQLiteHistory(db *sql.DB) (*SQLiteHistory, error) {
	h := &SQLiteHistory{db: db}
	if err := h.migrate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *SQLiteHistory) migrate() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS scaling_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			from_instances INTEGER NOT NULL,
			to_instances INTEGER NOT NULL,
			direction TEXT NOT NULL,
			trigger_metric TEXT NOT NULL,
			reason TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scaling_events_tenant ON scaling_events(tenant_id, id);
	`)
	if err != nil {
		return fmt.Errorf("autoscaler: migrate sqlite history: %w", err)
	}
	return nil
}

// Append stores an event and assigns its ID.
func (h *SQLiteHistory) Append(ctx context.Context, ev *ScalingEvent) error {
	res, err := h.db.ExecContext(ctx, `
		INSERT INTO scaling_events (tenant_id, occurred_at, from_instances, to_instances, direction, trigger_metric, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.TenantID, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.FromInstances, ev.ToInstances, string(ev.Direction), ev.TriggerMetric, ev.Reason)
	if err != nil {
		return fmt.Errorf("autoscaler: insert scaling event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("autoscaler: last insert id: %w", err)
	}
	ev.ID = uint64(id)
	return nil
}

// LastInDirection returns the newest event in dir, or nil.
func (h *SQLiteHistory) LastInDirection(ctx context.Context, tenantID string, dir Action) (*ScalingEvent, error) {
	ev, err := h.scanRow(h.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, occurred_at, from_instances, to_instances, direction, trigger_metric, reason
		FROM scaling_events
		WHERE tenant_id = ? AND direction = ?
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
func (h *SQLiteHistory) List(ctx context.Context, tenantID string, limit int) ([]ScalingEvent, error) {
	query := `
		SELECT id, tenant_id, occurred_at, from_instances, to_instances, direction, trigger_metric, reason
		FROM scaling_events
		WHERE tenant_id = ?
		ORDER BY id DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("autoscaler: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ScalingEvent
	for rows.Next() {
		ev, err := h.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("autoscaler: scan event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (h *SQLiteHistory) scanRow(row rowScanner) (*ScalingEvent, error) {
	var ev ScalingEvent
	var direction, occurredAt string
	if err := row.Scan(&ev.ID, &ev.TenantID, &occurredAt, &ev.FromInstances, &ev.ToInstances, &direction, &ev.TriggerMetric, &ev.Reason); err != nil {
		return nil, err
	}
	ev.Direction = Action(direction)
	ev.Timestamp = parseTime(occurredAt)
	return &ev, nil
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
