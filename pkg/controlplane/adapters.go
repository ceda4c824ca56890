package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/strata/pkg/allocator"
	"github.com/Mindburn-Labs/strata/pkg/autoscaler"
	"github.com/Mindburn-Labs/strata/pkg/tenants"
)

// registryGate adapts the tenant registry into the allocator's eligibility
// gate. Unknown tenants surface as tenants.ErrNotFound; known but inactive
// tenants as *allocator.EligibilityError carrying the status.
type registryGate struct {
	registry *tenants.Registry
}

func (g *registryGate) Eligible(ctx context.Context, tenantID string) error {
	t, err := g.registry.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if !t.IsActive() {
		return &allocator.EligibilityError{TenantID: tenantID, Status: string(t.Status)}
	}
	return nil
}

// registrySource adapts the tenant registry into the autoscaler's tenant
// source. Unknown and inactive tenants both collapse into
// ErrTenantNotEligible so the sweep needs a single recoverable check.
type registrySource struct {
	registry *tenants.Registry
}

func (s *registrySource) PolicyFor(ctx context.Context, tenantID string) (autoscaler.TenantPolicy, error) {
	t, err := s.registry.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenants.ErrNotFound) {
			return autoscaler.TenantPolicy{}, fmt.Errorf("%w: tenant %s not found",
				autoscaler.ErrTenantNotEligible, tenantID)
		}
		return autoscaler.TenantPolicy{}, err
	}
	if !t.IsActive() {
		return autoscaler.TenantPolicy{}, fmt.Errorf("%w: tenant %s is %s",
			autoscaler.ErrTenantNotEligible, tenantID, t.Status)
	}
	return autoscaler.TenantPolicy{
		TenantID: t.ID,
		Type:     t.Type.String(),
		Policy:   t.Policy,
	}, nil
}

func (s *registrySource) ActiveTenants(ctx context.Context) ([]string, error) {
	all, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for i := range all {
		if all[i].IsActive() {
			ids = append(ids, all[i].ID)
		}
	}
	return ids, nil
}
