// Package metering records per-tenant usage events and aggregates them over
// time windows. The event stream is append-only; every aggregate is computed
// from recorded events, never cached, so quota counters and call-based billing
// read the same numbers.
package metering

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyTenantID is returned when an event has no tenant ID.
	ErrEmptyTenantID = errors.New("metering: tenant_id must not be empty")
	// ErrEmptyResource is returned when an event names no resource.
	ErrEmptyResource = errors.New("metering: resource must not be empty")
	// ErrBadQuantity is returned for zero or negative quantities.
	ErrBadQuantity = errors.New("metering: quantity must be positive")
)

// Event is a single usage increment for a tenant resource.
type Event struct {
	TenantID  string            `json:"tenant_id"`
	Resource  string            `json:"resource"`
	Quantity  int64             `json:"quantity"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks that the event has valid fields.
func (e Event) Validate() error {
	if e.TenantID == "" {
		return ErrEmptyTenantID
	}
	if e.Resource == "" {
		return ErrEmptyResource
	}
	if e.Quantity <= 0 {
		return ErrBadQuantity
	}
	return nil
}

// Period is a half-open aggregation window [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Duration returns the window length.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// DailyPeriod returns the UTC calendar day containing at.
func DailyPeriod(at time.Time) Period {
	t := at.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns the UTC calendar month containing at. Monthly call
// quotas and statement runs both use this window.
func MonthlyPeriod(at time.Time) Period {
	t := at.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Usage contains the aggregated totals for a tenant within a period.
type Usage struct {
	TenantID   string           `json:"tenant_id"`
	Period     Period           `json:"period"`
	Totals     map[string]int64 `json:"totals"`
	LastUpdate time.Time        `json:"last_update"`
}

// Meter records and aggregates usage events.
type Meter interface {
	// Record stores a usage event. A zero Timestamp is stamped at write time.
	Record(ctx context.Context, event Event) error

	// RecordBatch stores multiple events atomically where the backend allows.
	RecordBatch(ctx context.Context, events []Event) error

	// Usage aggregates all events for a tenant within the period.
	Usage(ctx context.Context, tenantID string, period Period) (*Usage, error)

	// Count sums quantities for a single resource within the period.
	Count(ctx context.Context, tenantID, resource string, period Period) (int64, error)
}
