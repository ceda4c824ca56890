package metering

import (
	"context"
	"sync"
	"time"
)

// MemoryMeter implements Meter with in-process storage. Used in lite mode
// and tests; events are kept for the life of the process.
type MemoryMeter struct {
	mu     sync.RWMutex
	events []Event
	clock  func() time.Time
}

// NewMemoryMeter creates an in-memory meter.
func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{clock: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (m *MemoryMeter) WithClock(clock func() time.Time) *MemoryMeter {
	m.clock = clock
	return m
}

// Record stores a single usage event.
func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock().UTC()
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// RecordBatch stores multiple events; all validate or none are stored.
func (m *MemoryMeter) RecordBatch(ctx context.Context, events []Event) error {
	now := m.clock().UTC()
	stamped := make([]Event, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		stamped = append(stamped, e)
	}
	m.mu.Lock()
	m.events = append(m.events, stamped...)
	m.mu.Unlock()
	return nil
}

// Usage aggregates all resources for a tenant within the period.
func (m *MemoryMeter) Usage(ctx context.Context, tenantID string, period Period) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[string]int64),
		LastUpdate: m.clock().UTC(),
	}
	for _, e := range m.events {
		if e.TenantID == tenantID && period.Contains(e.Timestamp) {
			usage.Totals[e.Resource] += e.Quantity
		}
	}
	return usage, nil
}

// Count sums quantities for a single resource within the period.
func (m *MemoryMeter) Count(ctx context.Context, tenantID, resource string, period Period) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.events {
		if e.TenantID == tenantID && e.Resource == resource && period.Contains(e.Timestamp) {
			total += e.Quantity
		}
	}
	return total, nil
}
