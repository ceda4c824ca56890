// Package tenants is the source of truth for tenant identity and lifecycle.
// Every other part of the plane references tenants by ID; nothing outside
// this package mutates a tenant record.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/autoscaler"
	"github.com/Mindburn-Labs/strata/pkg/quota"
	"github.com/Mindburn-Labs/strata/pkg/tiers"
)

var (
	// ErrNotFound is returned for unknown tenant IDs.
	ErrNotFound = errors.New("tenants: tenant not found")
	// ErrDuplicateTenant is returned when a tenant with the same normalized
	// name already exists.
	ErrDuplicateTenant = errors.New("tenants: duplicate tenant name")
	// ErrEmptyName is returned for blank tenant names.
	ErrEmptyName = errors.New("tenants: name must not be empty")
	// ErrInvalidStateTransition is the sentinel behind TransitionError.
	ErrInvalidStateTransition = errors.New("tenants: invalid state transition")
)

// TransitionError reports a rejected lifecycle transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("tenants: cannot transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidStateTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// Status is a tenant's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Tenant is one customer account. Limits and Policy are the effective
// configuration attached at creation (preset merged with overrides); the
// quota manager owns the live usage accounting against Limits.
type Tenant struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         tiers.Type        `json:"type"`
	Status       Status            `json:"status"`
	ContactEmail string            `json:"contact_email,omitempty"`
	Limits       quota.Limits      `json:"limits"`
	Policy       autoscaler.Policy `json:"scaling_policy"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	SuspendedAt  *time.Time        `json:"suspended_at,omitempty"`
	TerminatedAt *time.Time        `json:"terminated_at,omitempty"`
}

// IsActive reports whether the tenant may allocate and scale.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// CreateRequest carries everything needed to provision a tenant.
// Quota and policy overrides merge over the type's preset; absent fields
// inherit the preset values.
type CreateRequest struct {
	Name            string             `json:"name"`
	Type            tiers.Type         `json:"type"`
	ContactEmail    string             `json:"contact_email,omitempty"`
	QuotaOverrides  quota.Limits       `json:"quota_overrides,omitempty"`
	PolicyOverrides *autoscaler.Policy `json:"scaling_policy,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
}

// Store persists tenant records. Insert derives the duplicate-detection key
// with NormalizeName and rejects clashes with ErrDuplicateTenant; Get and
// Update report unknown IDs as ErrNotFound.
type Store interface {
	Insert(ctx context.Context, t Tenant) error
	Get(ctx context.Context, id string) (Tenant, error)
	Update(ctx context.Context, t Tenant) error
	List(ctx context.Context) ([]Tenant, error)
}
