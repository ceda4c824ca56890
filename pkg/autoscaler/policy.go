// Package autoscaler decides per-tenant instance scaling from externally
// observed utilization. Decisions run a fixed pipeline: candidate direction,
// cooldown gate, bounds clamp, then commit to the append-only event history.
// The plane never moves instances itself; callers act on the decision and
// report realized counts back.
package autoscaler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTenantNotEligible is returned for suspended or unknown tenants.
	// Sweeps treat it as recoverable; direct callers see it as a failure.
	ErrTenantNotEligible = errors.New("autoscaler: tenant not eligible for scaling")
	// ErrBadMetrics is returned for negative utilization or instance counts.
	ErrBadMetrics = errors.New("autoscaler: invalid metrics")
)

// Action is the outcome of an evaluation.
type Action string

const (
	NoAction        Action = "no_action"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// Trigger metric names recorded on scaling events.
const (
	MetricCPU    = "cpu_utilization"
	MetricMemory = "memory_utilization"
)

// Policy bounds and paces scaling for one tenant.
type Policy struct {
	MinInstances      int           `json:"min_instances"`
	MaxInstances      int           `json:"max_instances"`
	CPUThreshold      float64       `json:"cpu_threshold"`
	MemoryThreshold   float64       `json:"memory_threshold"`
	ScaleUpCooldown   time.Duration `json:"scale_up_cooldown"`
	ScaleDownCooldown time.Duration `json:"scale_down_cooldown"`
	// Step is how many instances one action moves. Zero falls back to 1.
	Step int `json:"step,omitempty"`
}

// Validate rejects inverted bounds, out-of-range thresholds, and negative
// cooldowns.
func (p Policy) Validate() error {
	if p.MinInstances < 0 {
		return fmt.Errorf("autoscaler: min_instances must not be negative, got %d", p.MinInstances)
	}
	if p.MaxInstances < p.MinInstances {
		return fmt.Errorf("autoscaler: max_instances %d below min_instances %d", p.MaxInstances, p.MinInstances)
	}
	if p.CPUThreshold <= 0 || p.CPUThreshold > 1 {
		return fmt.Errorf("autoscaler: cpu_threshold must be in (0, 1], got %v", p.CPUThreshold)
	}
	if p.MemoryThreshold <= 0 || p.MemoryThreshold > 1 {
		return fmt.Errorf("autoscaler: memory_threshold must be in (0, 1], got %v", p.MemoryThreshold)
	}
	if p.ScaleUpCooldown < 0 || p.ScaleDownCooldown < 0 {
		return errors.New("autoscaler: cooldowns must not be negative")
	}
	if p.Step < 0 {
		return fmt.Errorf("autoscaler: step must not be negative, got %d", p.Step)
	}
	return nil
}

// step returns the effective step size.
func (p Policy) step() int {
	if p.Step <= 0 {
		return 1
	}
	return p.Step
}

// cooldown returns the window for the given direction.
func (p Policy) cooldown(dir Action) time.Duration {
	if dir == ActionScaleDown {
		return p.ScaleDownCooldown
	}
	return p.ScaleUpCooldown
}

// Metrics are the observed signals for one evaluation. They come from the
// deployment's monitoring, not from the plane.
type Metrics struct {
	CPUUtilization    float64 `json:"cpu_utilization"`
	MemoryUtilization float64 `json:"memory_utilization"`
	CurrentInstances  int     `json:"current_instances"`
}

// Validate rejects negative inputs. Utilization above 1.0 is accepted; an
// oversubscribed node still reads as pressure.
func (m Metrics) Validate() error {
	if m.CPUUtilization < 0 || m.MemoryUtilization < 0 {
		return fmt.Errorf("%w: utilization must not be negative", ErrBadMetrics)
	}
	if m.CurrentInstances < 0 {
		return fmt.Errorf("%w: current_instances must not be negative", ErrBadMetrics)
	}
	return nil
}

// Evaluation is the result of one scaling decision.
type Evaluation struct {
	TenantID      string    `json:"tenant_id"`
	Action        Action    `json:"action"`
	Target        int       `json:"target"` // instances after the action; current when no action
	TriggerMetric string    `json:"trigger_metric,omitempty"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// ScalingEvent is one committed decision in a tenant's history. Events are
// append-only; realized instance counts are reported separately.
type ScalingEvent struct {
	ID            uint64    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Timestamp     time.Time `json:"timestamp"`
	FromInstances int       `json:"from_instances"`
	ToInstances   int       `json:"to_instances"`
	Direction     Action    `json:"direction"`
	TriggerMetric string    `json:"trigger_metric"`
	Reason        string    `json:"reason"`
}
