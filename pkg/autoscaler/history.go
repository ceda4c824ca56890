package autoscaler

import (
	"context"
	"sync"
)

// History is the append-only store of committed scaling events.
type History interface {
	// Append stores an event and assigns its monotonic ID.
	Append(ctx context.Context, ev *ScalingEvent) error
	// LastInDirection returns the newest event for the tenant in the given
	// direction, or nil when there is none.
	LastInDirection(ctx context.Context, tenantID string, dir Action) (*ScalingEvent, error)
	// List returns up to limit events for the tenant, newest first.
	// limit <= 0 returns everything.
	List(ctx context.Context, tenantID string, limit int) ([]ScalingEvent, error)
}

// MemoryHistory keeps events in process. The cooldown gate runs on every
// evaluation, so the last event per direction is indexed instead of scanned.
type MemoryHistory struct {
	mu        sync.RWMutex
	nextID    uint64
	events    map[string][]ScalingEvent
	lastByDir map[string]map[Action]ScalingEvent
}

// NewMemoryHistory creates an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		nextID:    1,
		events:    make(map[string][]ScalingEvent),
		lastByDir: make(map[string]map[Action]ScalingEvent),
	}
}

// Append stores an event and assigns its ID.
func (h *MemoryHistory) Append(ctx context.Context, ev *ScalingEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev.ID = h.nextID
	h.nextID++
	h.events[ev.TenantID] = append(h.events[ev.TenantID], *ev)

	byDir := h.lastByDir[ev.TenantID]
	if byDir == nil {
		byDir = make(map[Action]ScalingEvent)
		h.lastByDir[ev.TenantID] = byDir
	}
	byDir[ev.Direction] = *ev
	return nil
}

// LastInDirection returns the newest event in dir, or nil.
func (h *MemoryHistory) LastInDirection(ctx context.Context, tenantID string, dir Action) (*ScalingEvent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.lastByDir[tenantID][dir]
	if !ok {
		return nil, nil
	}
	out := ev
	return &out, nil
}

// List returns up to limit events, newest first.
func (h *MemoryHistory) List(ctx context.Context, tenantID string, limit int) ([]ScalingEvent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	all := h.events[tenantID]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ScalingEvent, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
