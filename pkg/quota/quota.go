package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoLimits is returned when a tenant has no registered limit set.
	ErrNoLimits = errors.New("quota: no limits registered for tenant")
	// ErrBadAmount is returned for zero or negative check amounts.
	ErrBadAmount = errors.New("quota: amount must be positive")
	// ErrQuotaInvariant signals that allocated usage moved past the limit.
	// A guarded caller can never produce this; seeing it means a commit
	// bypassed the check.
	ErrQuotaInvariant = errors.New("quota: allocated usage exceeds limit")
)

// QuotaError carries the numbers behind a denied allocation.
type QuotaError struct {
	Resource  Resource
	Requested int64
	Current   int64
	Limit     int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota: %s exceeded: requested %d with %d of %d allocated",
		e.Resource, e.Requested, e.Current, e.Limit)
}

// Usage is the accounted state of one tenant resource. Allocated tracks held
// capacity; Used tracks consumption for counter-style resources.
type Usage struct {
	Allocated int64     `json:"allocated"`
	Used      int64     `json:"used"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageReport pairs usage with its limit for snapshots.
type UsageReport struct {
	Allocated int64 `json:"allocated"`
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
}

// Snapshot is a point-in-time view of every limited resource for a tenant.
type Snapshot map[Resource]UsageReport

// Decision is the result of a quota check.
type Decision struct {
	Allowed  bool
	Resource Resource
	Current  int64 // allocated at decision time
	Limit    int64
	Reason   string
}

// Store persists limits and usage. Not-found is not an error: a tenant
// without limits yields a nil map, a resource without usage yields found=false.
type Store interface {
	Limits(ctx context.Context, tenantID string) (Limits, error)
	SetLimits(ctx context.Context, tenantID string, limits Limits) error
	Usage(ctx context.Context, tenantID string, r Resource) (Usage, bool, error)
	SetUsage(ctx context.Context, tenantID string, r Resource, u Usage) error
	UsageAll(ctx context.Context, tenantID string) (map[Resource]Usage, error)
}

// Manager enforces quotas for all tenants. Check is a pure read; RecordDelta
// mutates usage and emits threshold alerts. Callers serialize check-then-record
// per tenant themselves (the allocator runs both inside one critical section);
// the manager only guarantees its own internal consistency.
type Manager struct {
	store  Store
	alerts AlertSink
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	crossed map[string]map[Resource]float64 // highest threshold currently exceeded
}

// NewManager creates a Manager over store with a logging alert sink.
func NewManager(store Store) *Manager {
	return &Manager{
		store:   store,
		alerts:  NewLogSink(nil),
		logger:  slog.Default(),
		clock:   time.Now,
		crossed: make(map[string]map[Resource]float64),
	}
}

// WithAlertSink replaces the alert sink.
func (m *Manager) WithAlertSink(sink AlertSink) *Manager {
	if sink != nil {
		m.alerts = sink
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

// SetLimits registers or replaces a tenant's limit set.
func (m *Manager) SetLimits(ctx context.Context, tenantID string, limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	return m.store.SetLimits(ctx, tenantID, limits.Clone())
}

// LimitsFor returns the tenant's registered limits, or ErrNoLimits.
func (m *Manager) LimitsFor(ctx context.Context, tenantID string) (Limits, error) {
	limits, err := m.store.Limits(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota: load limits: %w", err)
	}
	if limits == nil {
		return nil, ErrNoLimits
	}
	return limits.Clone(), nil
}

// Check reports whether tenantID may take amount more of r. It changes no
// state and emits no alerts. Store failures deny: when quota state cannot be
// read, nothing is granted.
func (m *Manager) Check(ctx context.Context, tenantID string, r Resource, amount int64) (Decision, error) {
	if !r.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownResource, r)
	}
	if amount <= 0 {
		return Decision{}, ErrBadAmount
	}

	limits, err := m.store.Limits(ctx, tenantID)
	if err != nil {
		m.logger.Warn("quota limits unavailable, denying", "tenant_id", tenantID, "resource", r.String(), "error", err)
		return Decision{Resource: r, Reason: "quota state unavailable"}, nil
	}
	if limits == nil {
		return Decision{Resource: r, Reason: "no limits registered"}, nil
	}
	limit, ok := limits[r]
	if !ok {
		return Decision{Resource: r, Reason: "no capacity for resource"}, nil
	}

	usage, _, err := m.store.Usage(ctx, tenantID, r)
	if err != nil {
		m.logger.Warn("quota usage unavailable, denying", "tenant_id", tenantID, "resource", r.String(), "error", err)
		return Decision{Resource: r, Limit: limit, Reason: "quota state unavailable"}, nil
	}
	usage, _ = rollover(r, usage, m.clock().UTC())

	d := Decision{Resource: r, Current: usage.Allocated, Limit: limit}
	if usage.Allocated+amount <= limit {
		d.Allowed = true
		d.Reason = "within quota"
	} else {
		d.Reason = "quota exceeded"
	}
	return d, nil
}

// RecordDelta applies a committed usage change: positive after a grant,
// negative after a release. Counter resources additionally accumulate Used
// and reset when the calendar month turns. At most one alert is emitted per
// call, for the highest threshold newly crossed upward.
func (m *Manager) RecordDelta(ctx context.Context, tenantID string, r Resource, delta int64) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownResource, r)
	}
	if delta == 0 {
		return nil
	}

	now := m.clock().UTC()
	limits, err := m.store.Limits(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("quota: load limits: %w", err)
	}
	limit := limits[r]

	usage, _, err := m.store.Usage(ctx, tenantID, r)
	if err != nil {
		return fmt.Errorf("quota: load usage: %w", err)
	}
	usage, rolled := rollover(r, usage, now)

	usage.Allocated += delta
	if usage.Allocated < 0 {
		m.logger.Warn("allocated usage went negative, clamping",
			"tenant_id", tenantID, "resource", r.String(), "allocated", usage.Allocated)
		usage.Allocated = 0
	}
	if r.IsCounter() && delta > 0 {
		usage.Used += delta
	}
	usage.UpdatedAt = now

	if err := m.store.SetUsage(ctx, tenantID, r, usage); err != nil {
		return fmt.Errorf("quota: save usage: %w", err)
	}

	if rolled {
		m.resetWatermark(tenantID, r)
	}
	m.alertOnCrossing(tenantID, r, usage, limit, now)

	if delta > 0 && limit > 0 && usage.Allocated > limit {
		m.alerts.Notify(Alert{
			TenantID:  tenantID,
			Resource:  r,
			Ratio:     usageRatio(usage, limit),
			Allocated: usage.Allocated,
			Used:      usage.Used,
			Limit:     limit,
			At:        now,
			Critical:  true,
		})
		return fmt.Errorf("%w: %s at %d of %d for tenant %s",
			ErrQuotaInvariant, r, usage.Allocated, limit, tenantID)
	}
	return nil
}

// Ratio returns usage over limit for one resource, 0 when unlimited state
// is missing or the limit is zero.
func (m *Manager) Ratio(ctx context.Context, tenantID string, r Resource) (float64, error) {
	if !r.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownResource, r)
	}
	limits, err := m.store.Limits(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("quota: load limits: %w", err)
	}
	usage, _, err := m.store.Usage(ctx, tenantID, r)
	if err != nil {
		return 0, fmt.Errorf("quota: load usage: %w", err)
	}
	usage, _ = rollover(r, usage, m.clock().UTC())
	return usageRatio(usage, limits[r]), nil
}

// Snapshot returns usage against limits for every limited resource. Each
// entry is consistent with itself; the set is not a cross-resource
// transaction.
func (m *Manager) Snapshot(ctx context.Context, tenantID string) (Snapshot, error) {
	limits, err := m.store.Limits(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota: load limits: %w", err)
	}
	if limits == nil {
		return nil, ErrNoLimits
	}
	usage, err := m.store.UsageAll(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota: load usage: %w", err)
	}

	now := m.clock().UTC()
	snap := make(Snapshot, len(limits))
	for r, limit := range limits {
		u := usage[r]
		u, _ = rollover(r, u, now)
		snap[r] = UsageReport{Allocated: u.Allocated, Used: u.Used, Limit: limit}
	}
	return snap, nil
}

func (m *Manager) resetWatermark(tenantID string, r Resource) {
	m.mu.Lock()
	if byRes := m.crossed[tenantID]; byRes != nil {
		delete(byRes, r)
	}
	m.mu.Unlock()
}

// alertOnCrossing tracks the highest exceeded threshold per tenant resource
// and alerts only when that watermark rises.
func (m *Manager) alertOnCrossing(tenantID string, r Resource, u Usage, limit int64, now time.Time) {
	ratio := usageRatio(u, limit)

	var highest float64
	for _, t := range AlertThresholds {
		if ratio >= t {
			highest = t
		}
	}

	m.mu.Lock()
	byRes := m.crossed[tenantID]
	if byRes == nil {
		byRes = make(map[Resource]float64)
		m.crossed[tenantID] = byRes
	}
	last := byRes[r]
	byRes[r] = highest
	m.mu.Unlock()

	if highest > last {
		m.alerts.Notify(Alert{
			TenantID:  tenantID,
			Resource:  r,
			Threshold: highest,
			Ratio:     ratio,
			Allocated: u.Allocated,
			Used:      u.Used,
			Limit:     limit,
			At:        now,
		})
	}
}

// usageRatio is consumption over limit, taking the larger of held and used.
func usageRatio(u Usage, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	n := u.Allocated
	if u.Used > n {
		n = u.Used
	}
	return float64(n) / float64(limit)
}

// rollover resets counter-style usage once the calendar month turns.
func rollover(r Resource, u Usage, now time.Time) (Usage, bool) {
	if !r.IsCounter() || u.UpdatedAt.IsZero() {
		return u, false
	}
	prev := u.UpdatedAt.UTC()
	if prev.Year() == now.Year() && prev.Month() == now.Month() {
		return u, false
	}
	return Usage{UpdatedAt: now}, true
}
