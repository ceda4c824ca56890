package tenants

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process tenant store. Used in lite mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Tenant
	byNName map[string]string // normalized name -> id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Tenant),
		byNName: make(map[string]string),
	}
}

// Insert stores a new tenant, rejecting normalized-name clashes.
func (s *MemoryStore) Insert(ctx context.Context, t Tenant) error {
	key := NormalizeName(t.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byNName[key]; taken {
		return ErrDuplicateTenant
	}
	s.byID[t.ID] = cloneTenant(t)
	s.byNName[key] = t.ID
	return nil
}

// Get returns the tenant with the given ID, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return cloneTenant(t), nil
}

// Update replaces an existing tenant record.
func (s *MemoryStore) Update(ctx context.Context, t Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; !ok {
		return ErrNotFound
	}
	s.byID[t.ID] = cloneTenant(t)
	return nil
}

// List returns every tenant, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tenant, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneTenant(t Tenant) Tenant {
	out := t
	out.Limits = t.Limits.Clone()
	out.Metadata = cloneMetadata(t.Metadata)
	if t.SuspendedAt != nil {
		at := *t.SuspendedAt
		out.SuspendedAt = &at
	}
	if t.TerminatedAt != nil {
		at := *t.TerminatedAt
		out.TerminatedAt = &at
	}
	return out
}
