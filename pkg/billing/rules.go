// Package billing turns the allocation log and the call meter into money.
// Cost rules are versioned, never edited: registering or disabling a rule
// appends a new version, and each allocation is billed under the version
// effective when it was granted. A fixed log and rule set therefore always
// produces the same bill.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/quota"
)

var (
	// ErrUnknownUnit is returned for units outside hour|month|call.
	ErrUnknownUnit = errors.New("billing: unknown billing unit")
	// ErrBadPeriod is returned when a period does not end after it starts.
	ErrBadPeriod = errors.New("billing: period end must be after start")
)

// Unit is how a cost rule meters quantity.
type Unit string

const (
	// UnitHour bills held capacity per hour.
	UnitHour Unit = "hour"
	// UnitMonth bills held capacity pro rata over the statement period.
	UnitMonth Unit = "month"
	// UnitCall bills metered event counts in the period.
	UnitCall Unit = "call"
)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitHour, UnitMonth, UnitCall:
		return true
	}
	return false
}

func (u Unit) String() string { return string(u) }

// CostRule is one version of the price for a resource. TenantID scopes the
// rule: empty is the global default, a tenant-specific version overrides it.
// EffectiveAt is the registration time; allocations granted before it keep
// billing under the previous version.
type CostRule struct {
	Resource      quota.Resource `json:"resource"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Unit          Unit           `json:"unit"`
	UnitCostMinor int64          `json:"unit_cost_minor"`
	Currency      string         `json:"currency"`
	// FreeUnits is the per-period free quantity for call rules.
	FreeUnits   int64     `json:"free_units,omitempty"`
	Enabled     bool      `json:"enabled"`
	EffectiveAt time.Time `json:"effective_at"`
}

// Validate rejects unknown resources and units, and negative amounts.
func (r CostRule) Validate() error {
	if !r.Resource.Valid() {
		return fmt.Errorf("%w: %q", quota.ErrUnknownResource, r.Resource)
	}
	if !r.Unit.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownUnit, r.Unit)
	}
	if r.UnitCostMinor < 0 {
		return fmt.Errorf("billing: unit cost must not be negative, got %d", r.UnitCostMinor)
	}
	if r.FreeUnits < 0 {
		return fmt.Errorf("billing: free units must not be negative, got %d", r.FreeUnits)
	}
	return nil
}

// RuleStore persists rule versions. Versions returns every version for one
// (resource, tenant) scope in registration order; resolution picks from the
// end.
type RuleStore interface {
	Append(ctx context.Context, r CostRule) error
	Versions(ctx context.Context, resource quota.Resource, tenantID string) ([]CostRule, error)
}

// pickVersion returns the version effective at the given time, preferring
// later registrations. With recompute the newest version wins regardless of
// when it became effective.
func pickVersion(chain []CostRule, at time.Time, recompute bool) (CostRule, bool) {
	if len(chain) == 0 {
		return CostRule{}, false
	}
	if recompute {
		return chain[len(chain)-1], true
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if !chain[i].EffectiveAt.After(at) {
			return chain[i], true
		}
	}
	return CostRule{}, false
}
