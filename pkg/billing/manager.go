package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/allocator"
	"github.com/Mindburn-Labs/strata/pkg/finance"
	"github.com/Mindburn-Labs/strata/pkg/metering"
	"github.com/Mindburn-Labs/strata/pkg/quota"
)

// DefaultTaxBasisPoints is the statement tax rate when none is configured.
const DefaultTaxBasisPoints = 1000

// AllocationSource is the slice of the allocation log billing reads.
// The allocator's stores satisfy it.
type AllocationSource interface {
	Overlapping(ctx context.Context, tenantID string, from, to time.Time) ([]allocator.Allocation, error)
}

// Manager prices tenant usage. It owns no usage data: every computation
// walks the allocation log and the call meter fresh, so results follow the
// books with no cache to invalidate.
type Manager struct {
	rules    RuleStore
	allocs   AllocationSource
	meter    metering.Meter
	currency string
	taxBP    int
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager creates a Manager over the rule store and allocation source.
func NewManager(rules RuleStore, allocs AllocationSource) *Manager {
	return &Manager{
		rules:    rules,
		allocs:   allocs,
		currency: "USD",
		taxBP:    DefaultTaxBasisPoints,
		logger:   slog.Default(),
		clock:    time.Now,
	}
}

// WithMeter wires the call meter for call-unit rules. Without one,
// call-unit rules price nothing.
func (m *Manager) WithMeter(meter metering.Meter) *Manager {
	m.meter = meter
	return m
}

// WithCurrency sets the default currency for rules and statements.
func (m *Manager) WithCurrency(currency string) *Manager {
	if currency != "" {
		m.currency = currency
	}
	return m
}

// WithTaxBasisPoints sets the statement tax rate.
func (m *Manager) WithTaxBasisPoints(bp int) *Manager {
	if bp >= 0 {
		m.taxBP = bp
	}
	return m
}

// WithLogger replaces the logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// WithClock overrides the time source. Used in tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// RegisterRule appends a new enabled rule version. A zero EffectiveAt is
// stamped now; an empty currency takes the manager default. Existing
// allocations keep their old price.
func (m *Manager) RegisterRule(ctx context.Context, rule CostRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.Enabled = true
	if rule.EffectiveAt.IsZero() {
		rule.EffectiveAt = m.clock().UTC()
	}
	if rule.Currency == "" {
		rule.Currency = m.currency
	}
	if err := m.rules.Append(ctx, rule); err != nil {
		return fmt.Errorf("billing: store rule: %w", err)
	}
	m.logger.Info("cost rule registered",
		"resource", rule.Resource.String(),
		"tenant_id", rule.TenantID,
		"unit", rule.Unit.String(),
		"unit_cost_minor", rule.UnitCostMinor,
	)
	return nil
}

// DisableRule appends a tombstone version for the scope. A disabled
// tenant-specific scope falls back to the global rule; a disabled global
// scope leaves the resource unpriced.
func (m *Manager) DisableRule(ctx context.Context, resource quota.Resource, tenantID string) error {
	if !resource.Valid() {
		return fmt.Errorf("%w: %q", quota.ErrUnknownResource, resource)
	}
	tomb := CostRule{
		Resource:    resource,
		TenantID:    tenantID,
		Unit:        UnitHour,
		Currency:    m.currency,
		Enabled:     false,
		EffectiveAt: m.clock().UTC(),
	}
	if err := m.rules.Append(ctx, tomb); err != nil {
		return fmt.Errorf("billing: store rule: %w", err)
	}
	m.logger.Info("cost rule disabled", "resource", resource.String(), "tenant_id", tenantID)
	return nil
}

// ComputeBill returns the pre-tax charge for the tenant over the period,
// pricing each allocation under the rule effective at its grant.
func (m *Manager) ComputeBill(ctx context.Context, tenantID string, period metering.Period) (finance.Money, error) {
	st, err := m.compute(ctx, tenantID, period, false)
	if err != nil {
		return finance.Money{}, err
	}
	return finance.NewMoney(st.SubtotalMinor, st.Currency), nil
}

// RecomputeBill reprices the whole period under the newest rule versions.
// The explicit escape hatch from no-retroactivity.
func (m *Manager) RecomputeBill(ctx context.Context, tenantID string, period metering.Period) (finance.Money, error) {
	st, err := m.compute(ctx, tenantID, period, true)
	if err != nil {
		return finance.Money{}, err
	}
	return finance.NewMoney(st.SubtotalMinor, st.Currency), nil
}

// ComputeStatement returns the itemized, taxed, sealed statement for the
// period.
func (m *Manager) ComputeStatement(ctx context.Context, tenantID string, period metering.Period) (Statement, error) {
	st, err := m.compute(ctx, tenantID, period, false)
	if err != nil {
		return Statement{}, err
	}
	if err := st.Seal(); err != nil {
		return Statement{}, err
	}
	return st, nil
}

type lineKey struct {
	resource quota.Resource
	unit     Unit
	cost     int64
}

func (m *Manager) compute(ctx context.Context, tenantID string, period metering.Period, recompute bool) (Statement, error) {
	if !period.End.After(period.Start) {
		return Statement{}, ErrBadPeriod
	}

	allocs, err := m.allocs.Overlapping(ctx, tenantID, period.Start, period.End)
	if err != nil {
		return Statement{}, fmt.Errorf("billing: load allocations: %w", err)
	}

	lines := make(map[lineKey]*LineItem)
	add := func(rule CostRule, quantity, amount int64) {
		k := lineKey{rule.Resource, rule.Unit, rule.UnitCostMinor}
		li, ok := lines[k]
		if !ok {
			li = &LineItem{Resource: rule.Resource, Unit: rule.Unit, UnitCostMinor: rule.UnitCostMinor}
			lines[k] = li
		}
		li.Quantity += quantity
		li.AmountMinor += amount
	}

	periodSeconds := int64(period.Duration() / time.Second)
	for i := range allocs {
		al := &allocs[i]
		rule, ok, err := m.resolve(ctx, al.Resource, tenantID, al.GrantedAt, recompute)
		if err != nil {
			return Statement{}, err
		}
		if !ok || rule.Unit == UnitCall {
			// Unpriced resource, or one metered by calls instead of time.
			continue
		}
		seconds := overlapSeconds(al, period)
		if seconds <= 0 {
			continue
		}
		quantity := al.Amount * seconds
		var amount int64
		switch rule.Unit {
		case UnitHour:
			amount = rule.UnitCostMinor * quantity / 3600
		case UnitMonth:
			amount = rule.UnitCostMinor * quantity / periodSeconds
		}
		add(rule, quantity, amount)
	}

	if m.meter != nil {
		if err := m.addCallLines(ctx, tenantID, period, recompute, add); err != nil {
			return Statement{}, err
		}
	}

	st := Statement{
		TenantID:       tenantID,
		Period:         period,
		TaxBasisPoints: m.taxBP,
		Currency:       m.currency,
		GeneratedAt:    m.clock().UTC(),
	}
	for _, li := range lines {
		st.LineItems = append(st.LineItems, *li)
		st.SubtotalMinor += li.AmountMinor
	}
	sortLineItems(st.LineItems)
	st.TaxMinor = st.SubtotalMinor * int64(m.taxBP) / 10000
	st.TotalMinor = st.SubtotalMinor + st.TaxMinor
	return st, nil
}

// addCallLines prices metered counts for every resource whose governing
// rule at period end is call-based.
func (m *Manager) addCallLines(ctx context.Context, tenantID string, period metering.Period, recompute bool, add func(CostRule, int64, int64)) error {
	for _, r := range quota.AllResources {
		rule, ok, err := m.resolve(ctx, r, tenantID, period.End, recompute)
		if err != nil {
			return err
		}
		if !ok || rule.Unit != UnitCall {
			continue
		}
		count, err := m.meter.Count(ctx, tenantID, r.String(), period)
		if err != nil {
			return fmt.Errorf("billing: count %s events: %w", r, err)
		}
		billable := count - rule.FreeUnits
		if billable <= 0 {
			continue
		}
		add(rule, billable, rule.UnitCostMinor*billable)
	}
	return nil
}

// resolve finds the governing rule for a resource at a point in time.
// Tenant scope first; a missing or tombstoned version there falls back to
// the global scope.
func (m *Manager) resolve(ctx context.Context, r quota.Resource, tenantID string, at time.Time, recompute bool) (CostRule, bool, error) {
	scopes := []string{tenantID, ""}
	if tenantID == "" {
		scopes = scopes[1:]
	}
	for _, scope := range scopes {
		chain, err := m.rules.Versions(ctx, r, scope)
		if err != nil {
			return CostRule{}, false, fmt.Errorf("billing: load rules: %w", err)
		}
		rule, found := pickVersion(chain, at, recompute)
		if !found || !rule.Enabled {
			continue
		}
		return rule, true, nil
	}
	return CostRule{}, false, nil
}

// overlapSeconds is the whole seconds the allocation was held inside the
// period. Open allocations run to the period end.
func overlapSeconds(a *allocator.Allocation, p metering.Period) int64 {
	start := a.GrantedAt
	if start.Before(p.Start) {
		start = p.Start
	}
	end := p.End
	if a.ReleasedAt != nil && a.ReleasedAt.Before(end) {
		end = *a.ReleasedAt
	}
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
