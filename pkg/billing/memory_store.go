package billing

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/strata/pkg/quota"
)

// MemoryRuleStore is an in-process rule store. Used in lite mode and tests.
type MemoryRuleStore struct {
	mu     sync.RWMutex
	chains map[ruleScope][]CostRule
}

type ruleScope struct {
	resource quota.Resource
	tenantID string
}

// NewMemoryRuleStore creates an empty in-memory rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{chains: make(map[ruleScope][]CostRule)}
}

// Append adds a rule version to its scope chain.
func (s *MemoryRuleStore) Append(ctx context.Context, r CostRule) error {
	key := ruleScope{r.Resource, r.TenantID}
	s.mu.Lock()
	s.chains[key] = append(s.chains[key], r)
	s.mu.Unlock()
	return nil
}

// Versions returns the scope's rule versions in registration order.
func (s *MemoryRuleStore) Versions(ctx context.Context, resource quota.Resource, tenantID string) ([]CostRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[ruleScope{resource, tenantID}]
	out := make([]CostRule, len(chain))
	copy(out, chain)
	return out, nil
}
