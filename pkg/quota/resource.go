// Package quota enforces per-tenant resource limits. Checks are pure reads;
// usage mutation happens through RecordDelta after the caller has committed
// the matching allocation. Threshold alerts are emitted, never stored.
package quota

import (
	"errors"
	"fmt"
)

// ErrUnknownResource is returned when a resource name is not in the catalog.
var ErrUnknownResource = errors.New("quota: unknown resource type")

// Resource identifies one of the fixed resource types the plane manages.
// Raw strings are parsed at the API boundary; the core only handles these.
type Resource string

const (
	CPUCores              Resource = "cpu_cores"
	MemoryGB              Resource = "memory_gb"
	StorageGB             Resource = "storage_gb"
	APICallsPerMonth      Resource = "api_calls_per_month"
	BandwidthMbps         Resource = "bandwidth_mbps"
	ConcurrentConnections Resource = "concurrent_connections"
	MaxUsers              Resource = "max_users"
)

// AllResources lists every resource type in catalog order.
var AllResources = []Resource{
	CPUCores,
	MemoryGB,
	StorageGB,
	APICallsPerMonth,
	BandwidthMbps,
	ConcurrentConnections,
	MaxUsers,
}

// ParseResource converts a raw string into a Resource.
func ParseResource(s string) (Resource, error) {
	r := Resource(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownResource, s)
	}
	return r, nil
}

// Valid reports whether r is a known resource type.
func (r Resource) Valid() bool {
	switch r {
	case CPUCores, MemoryGB, StorageGB, APICallsPerMonth, BandwidthMbps, ConcurrentConnections, MaxUsers:
		return true
	}
	return false
}

func (r Resource) String() string { return string(r) }

// IsCounter reports whether r is consumed (counted per window) rather than
// held. Counter usage resets at the start of each calendar month.
func (r Resource) IsCounter() bool {
	return r == APICallsPerMonth
}

// Limits maps each resource to its cap. A missing entry means no capacity:
// checks against it deny.
type Limits map[Resource]int64

// Clone returns a copy of the limit set.
func (l Limits) Clone() Limits {
	if l == nil {
		return nil
	}
	out := make(Limits, len(l))
	for r, v := range l {
		out[r] = v
	}
	return out
}

// Merge returns a copy of l with overrides applied on top. Resources absent
// from overrides keep their base value.
func (l Limits) Merge(overrides Limits) Limits {
	out := l.Clone()
	if out == nil {
		out = make(Limits, len(overrides))
	}
	for r, v := range overrides {
		out[r] = v
	}
	return out
}

// Validate rejects unknown resources and negative caps.
func (l Limits) Validate() error {
	for r, v := range l {
		if !r.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownResource, r)
		}
		if v < 0 {
			return fmt.Errorf("quota: limit for %s must not be negative, got %d", r, v)
		}
	}
	return nil
}
