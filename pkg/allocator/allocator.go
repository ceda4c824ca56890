// Package allocator grants and releases resource capacity against tenant
// quotas. The allocation log is append-only; a release marks the record,
// never deletes it, so billing can reconstruct any period. Per-tenant
// critical sections close the check-then-act gap between the quota check
// and the usage commit.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/strata/pkg/quota"
)

var (
	// ErrNotFound is returned for unknown allocation IDs.
	ErrNotFound = errors.New("allocator: allocation not found")
	// ErrAlreadyReleased is returned when releasing a released allocation.
	ErrAlreadyReleased = errors.New("allocator: allocation already released")
	// ErrTenantNotEligible is the sentinel behind EligibilityError.
	ErrTenantNotEligible = errors.New("allocator: tenant not eligible")
	// ErrHasActiveAllocations blocks tenant teardown while capacity is held.
	ErrHasActiveAllocations = errors.New("allocator: tenant has active allocations")
)

// EligibilityError reports why a tenant may not allocate.
type EligibilityError struct {
	TenantID string
	Status   string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("allocator: tenant %s not eligible: %s", e.TenantID, e.Status)
}

// Is makes errors.Is(err, ErrTenantNotEligible) match.
func (e *EligibilityError) Is(target error) bool {
	return target == ErrTenantNotEligible
}

// Allocation is one grant of capacity. Open until ReleasedAt is set.
type Allocation struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Resource   quota.Resource `json:"resource"`
	Amount     int64          `json:"amount"`
	GrantedAt  time.Time      `json:"granted_at"`
	ReleasedAt *time.Time     `json:"released_at,omitempty"`
}

// Open reports whether the allocation still holds capacity.
func (a *Allocation) Open() bool { return a.ReleasedAt == nil }

// EventKind tags a usage event.
type EventKind string

const (
	EventGranted  EventKind = "granted"
	EventReleased EventKind = "released"
)

// UsageEvent is published after a grant or release commits. Events for one
// tenant arrive in commit order; there is no cross-tenant order.
type UsageEvent struct {
	Kind         EventKind      `json:"kind"`
	TenantID     string         `json:"tenant_id"`
	Resource     quota.Resource `json:"resource"`
	Delta        int64          `json:"delta"`
	AllocationID string         `json:"allocation_id"`
	At           time.Time      `json:"at"`
}

// EventSink receives committed usage events.
type EventSink interface {
	Publish(UsageEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(UsageEvent)

func (f EventSinkFunc) Publish(ev UsageEvent) { f(ev) }

// NopSink drops events. The default when no sink is wired.
type NopSink struct{}

func (NopSink) Publish(UsageEvent) {}

// TenantGate answers whether a tenant may take new capacity. The control
// plane adapts the tenant registry into one; nil means no gating.
type TenantGate interface {
	Eligible(ctx context.Context, tenantID string) error
}

// QuotaKeeper is the slice of the quota manager the allocator drives.
type QuotaKeeper interface {
	Check(ctx context.Context, tenantID string, r quota.Resource, amount int64) (quota.Decision, error)
	RecordDelta(ctx context.Context, tenantID string, r quota.Resource, delta int64) error
	Snapshot(ctx context.Context, tenantID string) (quota.Snapshot, error)
}

// Store persists the allocation log. Append-only: SetReleased is the only
// mutation, and it must refuse a second release.
type Store interface {
	Append(ctx context.Context, a Allocation) error
	Get(ctx context.Context, id string) (Allocation, error)
	SetReleased(ctx context.Context, id string, at time.Time) error
	OpenForTenant(ctx context.Context, tenantID string) ([]Allocation, error)
	OpenAll(ctx context.Context) ([]Allocation, error)
	// Overlapping returns allocations whose held window intersects
	// [from, to). Billing reads periods through this.
	Overlapping(ctx context.Context, tenantID string, from, to time.Time) ([]Allocation, error)
}

// Allocator runs the grant/release lifecycle. One critical section per
// tenant covers eligibility, the quota check, the log append, and the
// usage commit; different tenants proceed fully in parallel. Events are
// queued inside the section and dispatched FIFO outside it, so sinks
// never run under the allocation lock.
type Allocator struct {
	store  Store
	quotas QuotaKeeper
	gate   TenantGate
	sink   EventSink
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantState
}

type tenantState struct {
	mu sync.Mutex

	queueMu  sync.Mutex
	queue    []UsageEvent
	draining bool
}

// NewAllocator creates an Allocator over store and quotas.
func NewAllocator(store Store, quotas QuotaKeeper) *Allocator {
	return &Allocator{
		store:   store,
		quotas:  quotas,
		sink:    NopSink{},
		logger:  slog.Default(),
		clock:   time.Now,
		tenants: make(map[string]*tenantState),
	}
}

// WithGate sets the tenant eligibility gate.
func (a *Allocator) WithGate(gate TenantGate) *Allocator {
	a.gate = gate
	return a
}

// WithEventSink replaces the event sink.
func (a *Allocator) WithEventSink(sink EventSink) *Allocator {
	if sink != nil {
		a.sink = sink
	}
	return a
}

// WithLogger replaces the logger.
func (a *Allocator) WithLogger(logger *slog.Logger) *Allocator {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// WithClock overrides the time source. Used in tests.
func (a *Allocator) WithClock(clock func() time.Time) *Allocator {
	a.clock = clock
	return a
}

// Allocate grants amount of r to the tenant. Denials come back as
// *quota.QuotaError with the exact numbers; ineligible tenants as
// *EligibilityError. Nothing is retried internally.
func (a *Allocator) Allocate(ctx context.Context, tenantID string, r quota.Resource, amount int64) (Allocation, error) {
	if !r.Valid() {
		return Allocation{}, fmt.Errorf("%w: %q", quota.ErrUnknownResource, r)
	}
	if amount <= 0 {
		return Allocation{}, quota.ErrBadAmount
	}

	ts := a.stateFor(tenantID)
	ts.mu.Lock()
	alloc, err := a.allocateLocked(ctx, ts, tenantID, r, amount)
	ts.mu.Unlock()
	if err != nil {
		return Allocation{}, err
	}

	a.drain(ts)
	return alloc, nil
}

func (a *Allocator) allocateLocked(ctx context.Context, ts *tenantState, tenantID string, r quota.Resource, amount int64) (Allocation, error) {
	if a.gate != nil {
		if err := a.gate.Eligible(ctx, tenantID); err != nil {
			return Allocation{}, err
		}
	}

	d, err := a.quotas.Check(ctx, tenantID, r, amount)
	if err != nil {
		return Allocation{}, err
	}
	if !d.Allowed {
		return Allocation{}, &quota.QuotaError{
			Resource:  r,
			Requested: amount,
			Current:   d.Current,
			Limit:     d.Limit,
		}
	}

	now := a.clock().UTC()
	alloc := Allocation{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Resource:  r,
		Amount:    amount,
		GrantedAt: now,
	}
	if err := a.store.Append(ctx, alloc); err != nil {
		return Allocation{}, fmt.Errorf("allocator: append allocation: %w", err)
	}
	if err := a.quotas.RecordDelta(ctx, tenantID, r, amount); err != nil {
		// The grant never becomes visible as held capacity; close the
		// record so the log and the books agree.
		if serr := a.store.SetReleased(ctx, alloc.ID, now); serr != nil {
			a.logger.Error("orphaned allocation after usage failure",
				"allocation_id", alloc.ID, "tenant_id", tenantID, "error", serr)
		}
		return Allocation{}, fmt.Errorf("allocator: record usage: %w", err)
	}

	a.enqueue(ts, UsageEvent{
		Kind:         EventGranted,
		TenantID:     tenantID,
		Resource:     r,
		Delta:        amount,
		AllocationID: alloc.ID,
		At:           now,
	})
	return alloc, nil
}

// Release returns an allocation's capacity and reports the released record.
// Idempotence is an error so callers notice double releases: the second
// call gets ErrAlreadyReleased.
func (a *Allocator) Release(ctx context.Context, allocationID string) (Allocation, error) {
	pre, err := a.store.Get(ctx, allocationID)
	if err != nil {
		return Allocation{}, err
	}

	ts := a.stateFor(pre.TenantID)
	ts.mu.Lock()
	alloc, err := a.releaseLocked(ctx, ts, allocationID)
	ts.mu.Unlock()
	if err != nil {
		return Allocation{}, err
	}

	a.drain(ts)
	return alloc, nil
}

func (a *Allocator) releaseLocked(ctx context.Context, ts *tenantState, id string) (Allocation, error) {
	// Re-read under the lock; the pre-lock read only resolved the tenant.
	alloc, err := a.store.Get(ctx, id)
	if err != nil {
		return Allocation{}, err
	}
	if alloc.ReleasedAt != nil {
		return Allocation{}, fmt.Errorf("%w: %s", ErrAlreadyReleased, id)
	}

	now := a.clock().UTC()
	if err := a.store.SetReleased(ctx, id, now); err != nil {
		return Allocation{}, fmt.Errorf("allocator: mark released: %w", err)
	}
	if err := a.quotas.RecordDelta(ctx, alloc.TenantID, alloc.Resource, -alloc.Amount); err != nil {
		return Allocation{}, fmt.Errorf("allocator: record usage: %w", err)
	}

	a.enqueue(ts, UsageEvent{
		Kind:         EventReleased,
		TenantID:     alloc.TenantID,
		Resource:     alloc.Resource,
		Delta:        -alloc.Amount,
		AllocationID: alloc.ID,
		At:           now,
	})

	alloc.ReleasedAt = &now
	return alloc, nil
}

// Snapshot returns the tenant's usage against limits. Point-in-time: it may
// trail in-flight operations but is never torn within a resource.
func (a *Allocator) Snapshot(ctx context.Context, tenantID string) (quota.Snapshot, error) {
	return a.quotas.Snapshot(ctx, tenantID)
}

// Open returns the tenant's open allocations, oldest first.
func (a *Allocator) Open(ctx context.Context, tenantID string) ([]Allocation, error) {
	return a.store.OpenForTenant(ctx, tenantID)
}

// OpenCount returns how many allocations the tenant currently holds.
func (a *Allocator) OpenCount(ctx context.Context, tenantID string) (int, error) {
	open, err := a.store.OpenForTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

// WhileIdle runs fn while holding the tenant's allocation lock, after
// verifying no capacity is held. The control plane wraps terminate in it so
// an in-flight allocate cannot slip past the teardown check.
func (a *Allocator) WhileIdle(ctx context.Context, tenantID string, fn func() error) error {
	ts := a.stateFor(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	open, err := a.store.OpenForTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("allocator: count open allocations: %w", err)
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %d open", ErrHasActiveAllocations, len(open))
	}
	return fn()
}

// Reconcile replays every open allocation into the quota books. Run once at
// startup when the usage store is not durable (lite mode); the allocation
// log is the authority, usage follows it.
func (a *Allocator) Reconcile(ctx context.Context) error {
	open, err := a.store.OpenAll(ctx)
	if err != nil {
		return fmt.Errorf("allocator: load open allocations: %w", err)
	}
	for i := range open {
		al := &open[i]
		if err := a.quotas.RecordDelta(ctx, al.TenantID, al.Resource, al.Amount); err != nil {
			return fmt.Errorf("allocator: replay allocation %s: %w", al.ID, err)
		}
	}
	if len(open) > 0 {
		a.logger.Info("replayed open allocations", "count", len(open))
	}
	return nil
}

func (a *Allocator) stateFor(tenantID string) *tenantState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.tenants[tenantID]
	if !ok {
		ts = &tenantState{}
		a.tenants[tenantID] = ts
	}
	return ts
}

// enqueue records an event in commit order. Callers hold ts.mu, so the
// queue order matches the order usage changed.
func (a *Allocator) enqueue(ts *tenantState, ev UsageEvent) {
	ts.queueMu.Lock()
	ts.queue = append(ts.queue, ev)
	ts.queueMu.Unlock()
}

// drain delivers queued events FIFO. One drainer per tenant at a time: a
// second caller finding the flag set leaves its events to the active one.
func (a *Allocator) drain(ts *tenantState) {
	ts.queueMu.Lock()
	if ts.draining {
		ts.queueMu.Unlock()
		return
	}
	ts.draining = true
	for len(ts.queue) > 0 {
		batch := ts.queue
		ts.queue = nil
		ts.queueMu.Unlock()

		for _, ev := range batch {
			a.sink.Publish(ev)
		}

		ts.queueMu.Lock()
	}
	ts.draining = false
	ts.queueMu.Unlock()
}
