package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/strata/pkg/tiers"
)

// Registry owns tenant provisioning and the lifecycle state machine.
// Transitions are read-modify-write under a per-tenant lock, so two
// concurrent suspends of the same tenant serialize instead of racing.
type Registry struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithLogger replaces the logger.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithClock overrides the time source. Used in tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// NormalizeName folds a display name into the form used for duplicate
// detection: trimmed, NFC normalized, lowercased. "Acme Corp" and
// "acme corp" are the same tenant.
func NormalizeName(name string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(name)))
}

// Create provisions a tenant from its class preset with any overrides
// applied. The new tenant starts active. Names clashing after
// normalization are rejected with ErrDuplicateTenant.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Tenant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Tenant{}, ErrEmptyName
	}
	preset := tiers.Get(req.Type)
	if preset == nil {
		return Tenant{}, fmt.Errorf("%w: %q", tiers.ErrUnknownType, req.Type)
	}

	if err := req.QuotaOverrides.Validate(); err != nil {
		return Tenant{}, err
	}
	limits := preset.Limits.Merge(req.QuotaOverrides)

	policy := preset.Policy
	if req.PolicyOverrides != nil {
		policy = *req.PolicyOverrides
		if err := policy.Validate(); err != nil {
			return Tenant{}, err
		}
	}

	t := Tenant{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         req.Type,
		Status:       StatusActive,
		ContactEmail: strings.TrimSpace(req.ContactEmail),
		Limits:       limits,
		Policy:       policy,
		Metadata:     cloneMetadata(req.Metadata),
		CreatedAt:    r.clock().UTC(),
	}

	if err := r.store.Insert(ctx, t); err != nil {
		return Tenant{}, err
	}

	r.logger.Info("tenant created",
		"tenant_id", t.ID,
		"name", t.Name,
		"type", t.Type.String(),
	)
	return t, nil
}

// Get returns the tenant with the given ID.
func (r *Registry) Get(ctx context.Context, id string) (Tenant, error) {
	return r.store.Get(ctx, id)
}

// List returns every tenant, newest first.
func (r *Registry) List(ctx context.Context) ([]Tenant, error) {
	return r.store.List(ctx)
}

// Suspend moves an active tenant into suspended. Suspended tenants keep
// their allocations but may not take new ones or scale.
func (r *Registry) Suspend(ctx context.Context, id string) (Tenant, error) {
	return r.transition(ctx, id, StatusSuspended,
		func(from Status) bool { return from == StatusActive },
		func(t *Tenant, now time.Time) {
			t.SuspendedAt = &now
		})
}

// Resume moves a suspended tenant back to active.
func (r *Registry) Resume(ctx context.Context, id string) (Tenant, error) {
	return r.transition(ctx, id, StatusActive,
		func(from Status) bool { return from == StatusSuspended },
		func(t *Tenant, now time.Time) {
			t.SuspendedAt = nil
		})
}

// Terminate retires a tenant permanently. Terminated is terminal; a second
// terminate fails with a TransitionError. Callers must have released or
// drained the tenant's allocations first.
func (r *Registry) Terminate(ctx context.Context, id string) (Tenant, error) {
	return r.transition(ctx, id, StatusTerminated,
		func(from Status) bool { return from != StatusTerminated },
		func(t *Tenant, now time.Time) {
			t.TerminatedAt = &now
		})
}

func (r *Registry) transition(ctx context.Context, id string, to Status, allowed func(Status) bool, apply func(*Tenant, time.Time)) (Tenant, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := r.store.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	if !allowed(t.Status) {
		return Tenant{}, &TransitionError{From: t.Status, To: to}
	}

	from := t.Status
	apply(&t, r.clock().UTC())
	t.Status = to

	if err := r.store.Update(ctx, t); err != nil {
		return Tenant{}, fmt.Errorf("tenants: save transition: %w", err)
	}

	r.logger.Info("tenant transitioned",
		"tenant_id", t.ID,
		"from", string(from),
		"to", string(to),
	)
	return t, nil
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
