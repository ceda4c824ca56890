// Package tiers defines the preset catalog: every tenant class maps to a
// default quota limit set and scaling policy. Presets are merged with
// per-tenant overrides at creation time. Deployment profiles may replace
// catalog entries at boot via Override; after that the catalog is fixed.
package tiers

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/autoscaler"
	"github.com/Mindburn-Labs/strata/pkg/quota"
)

// ErrUnknownType is returned when a tenant type is not in the catalog.
var ErrUnknownType = errors.New("tiers: unknown tenant type")

// Type identifies a tenant class.
type Type string

const (
	TypeIndividual    Type = "individual"
	TypeSmallBusiness Type = "small_business"
	TypeEnterprise    Type = "enterprise"
	TypeGovernment    Type = "government"
	TypeEducation     Type = "education"
)

// AllTypes lists every tenant class in catalog order.
var AllTypes = []Type{
	TypeIndividual,
	TypeSmallBusiness,
	TypeEnterprise,
	TypeGovernment,
	TypeEducation,
}

// ParseType converts a raw string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Valid reports whether t is a known tenant class.
func (t Type) Valid() bool {
	switch t {
	case TypeIndividual, TypeSmallBusiness, TypeEnterprise, TypeGovernment, TypeEducation:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// Preset bundles the defaults for one tenant class.
type Preset struct {
	Type   Type
	Name   string
	Limits quota.Limits
	Policy autoscaler.Policy
}

func defaultPolicy(maxInstances int) autoscaler.Policy {
	return autoscaler.Policy{
		MinInstances:      1,
		MaxInstances:      maxInstances,
		CPUThreshold:      0.8,
		MemoryThreshold:   0.8,
		ScaleUpCooldown:   5 * time.Minute,
		ScaleDownCooldown: 10 * time.Minute,
		Step:              1,
	}
}

var (
	Individual = Preset{
		Type: TypeIndividual,
		Name: "Individual",
		Limits: quota.Limits{
			quota.CPUCores:              2,
			quota.MemoryGB:              4,
			quota.StorageGB:             100,
			quota.APICallsPerMonth:      10_000,
			quota.BandwidthMbps:         100,
			quota.ConcurrentConnections: 100,
			quota.MaxUsers:              1,
		},
		Policy: defaultPolicy(3),
	}

	SmallBusiness = Preset{
		Type: TypeSmallBusiness,
		Name: "Small Business",
		Limits: quota.Limits{
			quota.CPUCores:              8,
			quota.MemoryGB:              16,
			quota.StorageGB:             1_000,
			quota.APICallsPerMonth:      100_000,
			quota.BandwidthMbps:         100,
			quota.ConcurrentConnections: 100,
			quota.MaxUsers:              50,
		},
		Policy: defaultPolicy(10),
	}

	Enterprise = Preset{
		Type: TypeEnterprise,
		Name: "Enterprise",
		Limits: quota.Limits{
			quota.CPUCores:              32,
			quota.MemoryGB:              128,
			quota.StorageGB:             10_000,
			quota.APICallsPerMonth:      1_000_000,
			quota.BandwidthMbps:         100,
			quota.ConcurrentConnections: 100,
			quota.MaxUsers:              1_000,
		},
		Policy: defaultPolicy(50),
	}

	Government = Preset{
		Type: TypeGovernment,
		Name: "Government",
		Limits: quota.Limits{
			quota.CPUCores:              64,
			quota.MemoryGB:              256,
			quota.StorageGB:             50_000,
			quota.APICallsPerMonth:      5_000_000,
			quota.BandwidthMbps:         100,
			quota.ConcurrentConnections: 100,
			quota.MaxUsers:              5_000,
		},
		Policy: defaultPolicy(100),
	}

	Education = Preset{
		Type: TypeEducation,
		Name: "Education",
		Limits: quota.Limits{
			quota.CPUCores:              16,
			quota.MemoryGB:              64,
			quota.StorageGB:             5_000,
			quota.APICallsPerMonth:      500_000,
			quota.BandwidthMbps:         100,
			quota.ConcurrentConnections: 100,
			quota.MaxUsers:              500,
		},
		Policy: defaultPolicy(20),
	}

	// AllPresets indexes the catalog by tenant class.
	AllPresets = map[Type]Preset{
		TypeIndividual:    Individual,
		TypeSmallBusiness: SmallBusiness,
		TypeEnterprise:    Enterprise,
		TypeGovernment:    Government,
		TypeEducation:     Education,
	}
)

// Get returns a copy of the preset for the given class, or nil when unknown.
// Mutating the returned preset never touches the catalog.
func Get(t Type) *Preset {
	p, ok := AllPresets[t]
	if !ok {
		return nil
	}
	p.Limits = p.Limits.Clone()
	return &p
}

// Override replaces the catalog entry for p.Type. Intended for boot-time
// profile application, before any tenant is created; not safe to call
// concurrently with Get.
func Override(p Preset) error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	if err := p.Limits.Validate(); err != nil {
		return fmt.Errorf("tiers: override %s: %w", p.Type, err)
	}
	if err := p.Policy.Validate(); err != nil {
		return fmt.Errorf("tiers: override %s: %w", p.Type, err)
	}
	if p.Name == "" {
		p.Name = AllPresets[p.Type].Name
	}
	p.Limits = p.Limits.Clone()
	AllPresets[p.Type] = p
	return nil
}
