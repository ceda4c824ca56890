package allocator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process allocation log. Used in lite mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]Allocation
	byTenant map[string][]string // insertion order
}

// NewMemoryStore creates an empty in-memory allocation log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]Allocation),
		byTenant: make(map[string][]string),
	}
}

// Append adds a new allocation record.
func (s *MemoryStore) Append(ctx context.Context, a Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[a.ID]; exists {
		return fmt.Errorf("allocator: duplicate allocation id %s", a.ID)
	}
	s.byID[a.ID] = cloneAllocation(a)
	s.byTenant[a.TenantID] = append(s.byTenant[a.TenantID], a.ID)
	return nil
}

// Get returns the allocation with the given ID, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return Allocation{}, ErrNotFound
	}
	return cloneAllocation(a), nil
}

// SetReleased marks the allocation released at the given time.
func (s *MemoryStore) SetReleased(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if a.ReleasedAt != nil {
		return ErrAlreadyReleased
	}
	a.ReleasedAt = &at
	s.byID[id] = a
	return nil
}

// OpenForTenant returns the tenant's open allocations, oldest first.
func (s *MemoryStore) OpenForTenant(ctx context.Context, tenantID string) ([]Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Allocation
	for _, id := range s.byTenant[tenantID] {
		if a := s.byID[id]; a.ReleasedAt == nil {
			out = append(out, cloneAllocation(a))
		}
	}
	return out, nil
}

// OpenAll returns every open allocation across tenants, oldest grant first.
func (s *MemoryStore) OpenAll(ctx context.Context) ([]Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Allocation
	for _, a := range s.byID {
		if a.ReleasedAt == nil {
			out = append(out, cloneAllocation(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Overlapping returns allocations held at any point within [from, to),
// oldest grant first.
func (s *MemoryStore) Overlapping(ctx context.Context, tenantID string, from, to time.Time) ([]Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Allocation
	for _, id := range s.byTenant[tenantID] {
		a := s.byID[id]
		if !a.GrantedAt.Before(to) {
			continue
		}
		if a.ReleasedAt != nil && !a.ReleasedAt.After(from) {
			continue
		}
		out = append(out, cloneAllocation(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneAllocation(a Allocation) Allocation {
	out := a
	if a.ReleasedAt != nil {
		at := *a.ReleasedAt
		out.ReleasedAt = &at
	}
	return out
}
