package quota

import (
	"context"
	"sync"
)

// MemoryStore is an in-process quota store. Used in lite mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	limits map[string]Limits
	usage  map[string]map[Resource]Usage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits: make(map[string]Limits),
		usage:  make(map[string]map[Resource]Usage),
	}
}

// Limits returns the tenant's limit set. Not found is not an error: returns nil.
func (s *MemoryStore) Limits(ctx context.Context, tenantID string) (Limits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[tenantID]
	if !ok {
		return nil, nil
	}
	return l.Clone(), nil
}

// SetLimits stores a tenant's limit set.
func (s *MemoryStore) SetLimits(ctx context.Context, tenantID string, limits Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[tenantID] = limits.Clone()
	return nil
}

// Usage returns the usage row for one resource, found=false when absent.
func (s *MemoryStore) Usage(ctx context.Context, tenantID string, r Resource) (Usage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage[tenantID][r]
	return u, ok, nil
}

// SetUsage stores the usage row for one resource.
func (s *MemoryStore) SetUsage(ctx context.Context, tenantID string, r Resource, u Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRes := s.usage[tenantID]
	if byRes == nil {
		byRes = make(map[Resource]Usage)
		s.usage[tenantID] = byRes
	}
	byRes[r] = u
	return nil
}

// UsageAll returns a copy of every usage row for the tenant.
func (s *MemoryStore) UsageAll(ctx context.Context, tenantID string) (map[Resource]Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byRes := s.usage[tenantID]
	out := make(map[Resource]Usage, len(byRes))
	for r, u := range byRes {
		out[r] = u
	}
	return out, nil
}
