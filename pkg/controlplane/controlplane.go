// Package controlplane wires the tenant registry, quota manager, resource
// allocator, autoscaler, and billing manager into one service surface. The
// facade holds no domain state of its own: it enforces call ordering across
// the modules, adapts the registry into the allocator's eligibility gate and
// the autoscaler's tenant source, and records every successful mutation on
// the audit trail.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/strata/pkg/allocator"
	"github.com/Mindburn-Labs/strata/pkg/audit"
	"github.com/Mindburn-Labs/strata/pkg/autoscaler"
	"github.com/Mindburn-Labs/strata/pkg/billing"
	"github.com/Mindburn-Labs/strata/pkg/export"
	"github.com/Mindburn-Labs/strata/pkg/finance"
	"github.com/Mindburn-Labs/strata/pkg/metering"
	"github.com/Mindburn-Labs/strata/pkg/observability"
	"github.com/Mindburn-Labs/strata/pkg/quota"
	"github.com/Mindburn-Labs/strata/pkg/tenants"
)

// ErrCallRateLimited is returned when the distributed call bucket denies a
// batch of API calls. Distinct from quota exhaustion: the monthly quota may
// still have room.
var ErrCallRateLimited = errors.New("controlplane: api call rate exceeded")

// ControlPlane is the composition root for the allocation domain. Construct
// with New, then attach the optional collaborators before serving.
type ControlPlane struct {
	registry *tenants.Registry
	quotas   *quota.Manager
	alloc    *allocator.Allocator
	engine   *autoscaler.Engine
	bills    *billing.Manager

	meter     metering.Meter
	calls     quota.CallLimiter
	trail     *audit.Trail
	telemetry *observability.Provider
	archive   export.Store
	logger    *slog.Logger
	clock     func() time.Time
}

// New builds the plane over the given stores. The allocator is gated on the
// registry so only active tenants take capacity, and the autoscaler resolves
// policies through the same registry.
func New(registry *tenants.Registry, quotas *quota.Manager, allocs allocator.Store, rules billing.RuleStore, history autoscaler.History) *ControlPlane {
	cp := &ControlPlane{
		registry: registry,
		quotas:   quotas,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	cp.alloc = allocator.NewAllocator(allocs, quotas).WithGate(&registryGate{registry: registry})
	cp.engine = autoscaler.NewEngine(&registrySource{registry: registry}, history)
	cp.bills = billing.NewManager(rules, allocs)
	return cp
}

// WithMeter installs the usage meter. Call-unit billing and API call
// accounting stay disabled without one.
func (cp *ControlPlane) WithMeter(meter metering.Meter) *ControlPlane {
	cp.meter = meter
	cp.bills.WithMeter(meter)
	return cp
}

// WithCallLimiter installs the distributed API call bucket.
func (cp *ControlPlane) WithCallLimiter(calls quota.CallLimiter) *ControlPlane {
	cp.calls = calls
	return cp
}

// WithAudit installs the audit trail. Mutations are recorded after they
// commit; a failed audit write is logged, never propagated.
func (cp *ControlPlane) WithAudit(trail *audit.Trail) *ControlPlane {
	cp.trail = trail
	return cp
}

// WithTelemetry installs the tracing and metrics provider.
func (cp *ControlPlane) WithTelemetry(telemetry *observability.Provider) *ControlPlane {
	cp.telemetry = telemetry
	return cp
}

// WithArchive installs the statement archive. Each computed statement is
// written to it; an archive failure is logged, never propagated.
func (cp *ControlPlane) WithArchive(archive export.Store) *ControlPlane {
	cp.archive = archive
	return cp
}

// WithLogger replaces the logger on the plane and its owned components.
func (cp *ControlPlane) WithLogger(logger *slog.Logger) *ControlPlane {
	if logger == nil {
		return cp
	}
	cp.logger = logger
	cp.alloc.WithLogger(logger)
	cp.engine.WithLogger(logger)
	cp.bills.WithLogger(logger)
	return cp
}

// WithClock overrides the time source everywhere the plane stamps time.
// Used in tests.
func (cp *ControlPlane) WithClock(clock func() time.Time) *ControlPlane {
	cp.clock = clock
	cp.registry.WithClock(clock)
	cp.quotas.WithClock(clock)
	cp.alloc.WithClock(clock)
	cp.engine.WithClock(clock)
	cp.bills.WithClock(clock)
	return cp
}

// WithEventSink subscribes a sink to allocation usage events.
func (cp *ControlPlane) WithEventSink(sink allocator.EventSink) *ControlPlane {
	cp.alloc.WithEventSink(sink)
	return cp
}

// WithGuard installs a veto expression on scaling commits.
func (cp *ControlPlane) WithGuard(guard *autoscaler.Guard) *ControlPlane {
	cp.engine.WithGuard(guard)
	return cp
}

// Allocator exposes the owned allocator for startup reconciliation.
func (cp *ControlPlane) Allocator() *allocator.Allocator { return cp.alloc }

// Engine exposes the owned autoscaling engine for sweeper wiring.
func (cp *ControlPlane) Engine() *autoscaler.Engine { return cp.engine }

// Billing exposes the owned billing manager.
func (cp *ControlPlane) Billing() *billing.Manager { return cp.bills }

// TenantSource returns the registry adapted for sweeper wiring.
func (cp *ControlPlane) TenantSource() autoscaler.TenantSource {
	return &registrySource{registry: cp.registry}
}

// CreateTenant provisions a tenant and registers its effective limits with
// the quota manager. A tenant whose limits failed to register denies all
// allocations until limits land, so the error is returned.
func (cp *ControlPlane) CreateTenant(ctx context.Context, req tenants.CreateRequest) (tenants.Tenant, error) {
	ctx, done := cp.track(ctx, "controlplane.tenant.create",
		observability.AttrTenantType.String(string(req.Type)))
	var err error
	defer func() { done(err) }()

	var t tenants.Tenant
	t, err = cp.registry.Create(ctx, req)
	if err != nil {
		return tenants.Tenant{}, err
	}
	if err = cp.quotas.SetLimits(ctx, t.ID, t.Limits); err != nil {
		err = fmt.Errorf("controlplane: register limits for tenant %s: %w", t.ID, err)
		return tenants.Tenant{}, err
	}

	observability.AddSpanEvent(ctx, "tenant.created",
		observability.TenantOperation(t.ID, t.Type.String(), string(t.Status))...)
	cp.record(ctx, "tenant.create", t.ID, map[string]interface{}{
		"name": t.Name,
		"type": t.Type.String(),
	})
	return t, nil
}

// GetTenant returns one tenant by ID.
func (cp *ControlPlane) GetTenant(ctx context.Context, id string) (tenants.Tenant, error) {
	ctx, done := cp.track(ctx, "controlplane.tenant.get", observability.AttrTenantID.String(id))
	t, err := cp.registry.Get(ctx, id)
	done(err)
	return t, err
}

// ListTenants returns every tenant.
func (cp *ControlPlane) ListTenants(ctx context.Context) ([]tenants.Tenant, error) {
	ctx, done := cp.track(ctx, "controlplane.tenant.list")
	list, err := cp.registry.List(ctx)
	done(err)
	return list, err
}

// SuspendTenant pauses a tenant. Existing allocations stay open; new ones
// are rejected by the gate and autoscaling skips the tenant.
func (cp *ControlPlane) SuspendTenant(ctx context.Context, id string) (tenants.Tenant, error) {
	ctx, done := cp.track(ctx, "controlplane.tenant.suspend", observability.AttrTenantID.String(id))
	var err error
	defer func() { done(err) }()

	var t tenants.Tenant
	t, err = cp.registry.Suspend(ctx, id)
	if err != nil {
		return tenants.Tenant{}, err
	}
	cp.record(ctx, "tenant.suspend", id, nil)
	return t, nil
}

// ResumeTenant reactivates a suspended tenant.
func (cp *ControlPlane) ResumeTenant(ctx context.Context, id string) (tenants.Tenant, error) {
	ctx, done := cp.track(ctx, "controlplane.tenant.resume", observability.AttrTenantID.String(id))
	var err error
	defer func() { done(err) }()

	var t tenants.Tenant
	t, err = cp.registry.Resume(ctx, id)
	if err != nil {
		return tenants.Tenant{}, err
	}
	cp.record(ctx, "tenant.resume", id, nil)
	return t, nil
}

// TerminateTenant retires a tenant. Runs under the tenant's allocation lock
// so an in-flight allocate cannot slip past the open-allocation check; a
// tenant holding capacity is rejected with ErrHasActiveAllocations.
func (cp *ControlPlane) TerminateTenant(ctx context.Context, id string) (tenants.Tenant, error) {
	ctx, done := cp.track(ctx, "controlplane.tenant.terminate", observability.AttrTenantID.String(id))
	var err error
	defer func() { done(err) }()

	var t tenants.Tenant
	err = cp.alloc.WhileIdle(ctx, id, func() error {
		var terr error
		t, terr = cp.registry.Terminate(ctx, id)
		return terr
	})
	if err != nil {
		return tenants.Tenant{}, err
	}
	cp.record(ctx, "tenant.terminate", id, nil)
	return t, nil
}

// AllocateResources grants capacity to a tenant. Eligibility, the quota
// check, and the usage commit happen in the allocator's per-tenant critical
// section; denials come back as *allocator.EligibilityError or
// *quota.QuotaError.
func (cp *ControlPlane) AllocateResources(ctx context.Context, tenantID string, r quota.Resource, amount int64) (allocator.Allocation, error) {
	ctx, done := cp.track(ctx, "controlplane.allocation.grant",
		observability.AttrTenantID.String(tenantID),
		observability.AttrResource.String(r.String()),
		observability.AttrAmount.Int64(amount))
	var err error
	defer func() { done(err) }()

	var a allocator.Allocation
	a, err = cp.alloc.Allocate(ctx, tenantID, r, amount)
	if err != nil {
		return allocator.Allocation{}, err
	}

	observability.AddSpanEvent(ctx, "allocation.granted",
		observability.AllocationOperation(a.TenantID, a.ID, a.Resource.String(), a.Amount)...)
	cp.record(ctx, "allocation.grant", a.TenantID, map[string]interface{}{
		"allocation_id": a.ID,
		"resource":      a.Resource.String(),
		"amount":        a.Amount,
	})
	return a, nil
}

// ReleaseAllocation returns an allocation's capacity. A second release of
// the same allocation is ErrAlreadyReleased.
func (cp *ControlPlane) ReleaseAllocation(ctx context.Context, allocationID string) error {
	ctx, done := cp.track(ctx, "controlplane.allocation.release",
		observability.AttrAllocationID.String(allocationID))
	var err error
	defer func() { done(err) }()

	var rel allocator.Allocation
	rel, err = cp.alloc.Release(ctx, allocationID)
	if err != nil {
		return err
	}

	observability.AddSpanEvent(ctx, "allocation.released",
		observability.AllocationOperation(rel.TenantID, rel.ID, rel.Resource.String(), rel.Amount)...)
	cp.record(ctx, "allocation.release", rel.TenantID, map[string]interface{}{
		"allocation_id": rel.ID,
		"resource":      rel.Resource.String(),
		"amount":        rel.Amount,
	})
	return nil
}

// GetQuotaUsage returns the tenant's per-resource usage against its limits.
// Unknown tenants are tenants.ErrNotFound; the snapshot itself never tears.
func (cp *ControlPlane) GetQuotaUsage(ctx context.Context, tenantID string) (quota.Snapshot, error) {
	ctx, done := cp.track(ctx, "controlplane.quota.snapshot", observability.AttrTenantID.String(tenantID))
	var err error
	defer func() { done(err) }()

	if _, err = cp.registry.Get(ctx, tenantID); err != nil {
		return nil, err
	}
	var snap quota.Snapshot
	snap, err = cp.quotas.Snapshot(ctx, tenantID)
	return snap, err
}

// CheckAutoScaling evaluates one tenant against its scaling policy. Scaling
// actions are committed to history by the engine; the caller provisions the
// target and reports realized counts back through the engine.
func (cp *ControlPlane) CheckAutoScaling(ctx context.Context, tenantID string, m autoscaler.Metrics) (autoscaler.Evaluation, error) {
	ctx, done := cp.track(ctx, "controlplane.scaling.evaluate", observability.AttrTenantID.String(tenantID))
	var err error
	defer func() { done(err) }()

	var ev autoscaler.Evaluation
	ev, err = cp.engine.Evaluate(ctx, tenantID, m)
	if err != nil {
		return autoscaler.Evaluation{}, err
	}

	if ev.Action != autoscaler.NoAction {
		observability.AddSpanEvent(ctx, "scaling.committed",
			observability.ScalingOperation(tenantID, string(ev.Action), ev.Target, ev.TriggerMetric)...)
		cp.record(ctx, "scaling."+string(ev.Action), tenantID, map[string]interface{}{
			"target":         ev.Target,
			"trigger_metric": ev.TriggerMetric,
			"reason":         ev.Reason,
		})
	}
	return ev, nil
}

// GetScalingHistory returns the tenant's scaling events, most recent first.
func (cp *ControlPlane) GetScalingHistory(ctx context.Context, tenantID string, limit int) ([]autoscaler.ScalingEvent, error) {
	ctx, done := cp.track(ctx, "controlplane.scaling.history", observability.AttrTenantID.String(tenantID))
	var err error
	defer func() { done(err) }()

	if _, err = cp.registry.Get(ctx, tenantID); err != nil {
		return nil, err
	}
	var events []autoscaler.ScalingEvent
	events, err = cp.engine.History(ctx, tenantID, limit)
	return events, err
}

// GetTenantBill computes the tenant's bill for the period from the
// allocation log and metered calls. Works for terminated tenants; the log
// outlives the tenant.
func (cp *ControlPlane) GetTenantBill(ctx context.Context, tenantID string, period metering.Period) (finance.Money, error) {
	ctx, done := cp.track(ctx, "controlplane.billing.bill", observability.AttrTenantID.String(tenantID))
	var err error
	defer func() { done(err) }()

	if _, err = cp.registry.Get(ctx, tenantID); err != nil {
		return finance.Money{}, err
	}
	var total finance.Money
	total, err = cp.bills.ComputeBill(ctx, tenantID, period)
	if err != nil {
		return finance.Money{}, err
	}

	observability.AddSpanEvent(ctx, "bill.computed",
		observability.BillingOperation(tenantID, period.Start.UTC().Format("2006-01"), total.Currency)...)
	return total, nil
}

// RecomputeTenantBill prices every allocation under the latest enabled
// rules, ignoring EffectiveAt boundaries.
func (cp *ControlPlane) RecomputeTenantBill(ctx context.Context, tenantID string, period metering.Period) (finance.Money, error) {
	ctx, done := cp.track(ctx, "controlplane.billing.recompute", observability.AttrTenantID.String(tenantID))
	var err error
	defer func() { done(err) }()

	if _, err = cp.registry.Get(ctx, tenantID); err != nil {
		return finance.Money{}, err
	}
	var total finance.Money
	total, err = cp.bills.RecomputeBill(ctx, tenantID, period)
	return total, err
}

// GetTenantStatement computes the itemized, checksummed statement for the
// period and archives it when an archive store is installed.
func (cp *ControlPlane) GetTenantStatement(ctx context.Context, tenantID string, period metering.Period) (billing.Statement, error) {
	ctx, done := cp.track(ctx, "controlplane.billing.statement", observability.AttrTenantID.String(tenantID))
	var err error
	defer func() { done(err) }()

	if _, err = cp.registry.Get(ctx, tenantID); err != nil {
		return billing.Statement{}, err
	}
	var st billing.Statement
	st, err = cp.bills.ComputeStatement(ctx, tenantID, period)
	if err != nil {
		return billing.Statement{}, err
	}
	cp.archiveStatement(ctx, st)
	return st, nil
}

// archiveStatement writes the statement to the archive under its tenant and
// period key. Statements are recomputed on demand, so a newer write for the
// same period replaces the older one.
func (cp *ControlPlane) archiveStatement(ctx context.Context, st billing.Statement) {
	if cp.archive == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		cp.logger.Warn("statement archive encode failed", "tenant_id", st.TenantID, "error", err)
		return
	}
	key := export.StatementKey(st.TenantID, st.Period.Start)
	if err := cp.archive.Put(ctx, key, data); err != nil {
		cp.logger.Warn("statement archive write failed", "tenant_id", st.TenantID, "key", key, "error", err)
	}
}

// RegisterCostRule registers a pricing rule, effective from now.
func (cp *ControlPlane) RegisterCostRule(ctx context.Context, rule billing.CostRule) error {
	ctx, done := cp.track(ctx, "controlplane.billing.rule.register",
		observability.AttrResource.String(rule.Resource.String()))
	var err error
	defer func() { done(err) }()

	if err = cp.bills.RegisterRule(ctx, rule); err != nil {
		return err
	}
	cp.record(ctx, "billing.rule.register", rule.TenantID, map[string]interface{}{
		"resource":        rule.Resource.String(),
		"unit":            rule.Unit.String(),
		"unit_cost_minor": rule.UnitCostMinor,
		"currency":        rule.Currency,
	})
	return nil
}

// DisableCostRule retires the current rule version for a resource scope.
func (cp *ControlPlane) DisableCostRule(ctx context.Context, r quota.Resource, tenantID string) error {
	ctx, done := cp.track(ctx, "controlplane.billing.rule.disable",
		observability.AttrResource.String(r.String()))
	var err error
	defer func() { done(err) }()

	if err = cp.bills.DisableRule(ctx, r, tenantID); err != nil {
		return err
	}
	cp.record(ctx, "billing.rule.disable", tenantID, map[string]interface{}{
		"resource": r.String(),
	})
	return nil
}

// RecordAPICalls admits and accounts a batch of API calls for a tenant:
// rate bucket first, then the monthly quota, then the meter and the usage
// books. The limiter fails open when its backend is unreachable; quota
// denial is a *quota.QuotaError. Not audited: per-call entries would bury
// the trail.
func (cp *ControlPlane) RecordAPICalls(ctx context.Context, tenantID string, n int64) error {
	ctx, done := cp.track(ctx, "controlplane.calls.record",
		observability.AttrTenantID.String(tenantID),
		observability.AttrAmount.Int64(n))
	var err error
	defer func() { done(err) }()

	if n <= 0 {
		err = quota.ErrBadAmount
		return err
	}

	var t tenants.Tenant
	t, err = cp.registry.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if !t.IsActive() {
		err = &allocator.EligibilityError{TenantID: tenantID, Status: string(t.Status)}
		return err
	}

	if cp.calls != nil {
		ok, lerr := cp.calls.Allow(ctx, tenantID, int(n))
		if lerr != nil {
			cp.logger.Warn("call limiter unavailable, admitting",
				"tenant_id", tenantID, "error", lerr)
		} else if !ok {
			err = ErrCallRateLimited
			return err
		}
	}

	var d quota.Decision
	d, err = cp.quotas.Check(ctx, tenantID, quota.APICallsPerMonth, n)
	if err != nil {
		return err
	}
	if !d.Allowed {
		err = &quota.QuotaError{
			Resource:  quota.APICallsPerMonth,
			Requested: n,
			Current:   d.Current,
			Limit:     d.Limit,
		}
		return err
	}

	if cp.meter != nil {
		mev := metering.Event{
			TenantID:  tenantID,
			Resource:  quota.APICallsPerMonth.String(),
			Quantity:  n,
			Timestamp: cp.clock().UTC(),
		}
		if merr := cp.meter.Record(ctx, mev); merr != nil {
			cp.logger.Warn("metering record failed",
				"tenant_id", tenantID, "quantity", n, "error", merr)
		}
	}

	err = cp.quotas.RecordDelta(ctx, tenantID, quota.APICallsPerMonth, n)
	return err
}

// track starts a telemetry span for one facade operation. No-op without a
// provider.
func (cp *ControlPlane) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if cp.telemetry == nil {
		return ctx, func(error) {}
	}
	return cp.telemetry.TrackOperation(ctx, name, attrs...)
}

// record appends one audit entry. Failures are logged; the mutation already
// committed and is not rolled back for a broken trail.
func (cp *ControlPlane) record(ctx context.Context, action, tenantID string, details map[string]interface{}) {
	if cp.trail == nil {
		return
	}
	if _, err := cp.trail.Record(ctx, action, tenantID, details); err != nil {
		cp.logger.Warn("audit record failed",
			"action", action, "tenant_id", tenantID, "error", err)
	}
}
