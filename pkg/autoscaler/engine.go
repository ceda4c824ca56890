package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TenantPolicy is what the engine needs to know about a tenant: its class
// (for guard expressions) and its effective scaling policy.
type TenantPolicy struct {
	TenantID string
	Type     string
	Policy   Policy
}

// TenantSource resolves tenants for evaluation. Implementations return
// ErrTenantNotEligible for suspended or unknown tenants so a single check
// covers both.
type TenantSource interface {
	PolicyFor(ctx context.Context, tenantID string) (TenantPolicy, error)
	ActiveTenants(ctx context.Context) ([]string, error)
}

// Engine evaluates scaling decisions. It holds no per-tenant locks: history
// appends are ordered by the store, and concurrent evaluations for one
// tenant are expected to be prevented by the caller's sweep schedule.
type Engine struct {
	source  TenantSource
	history History
	guard   *Guard
	logger  *slog.Logger
	clock   func() time.Time

	mu        sync.RWMutex
	instances map[string]int // realized counts reported by the orchestrator
}

// NewEngine creates an engine over the tenant source and event history.
func NewEngine(source TenantSource, history History) *Engine {
	return &Engine{
		source:    source,
		history:   history,
		logger:    slog.Default(),
		clock:     time.Now,
		instances: make(map[string]int),
	}
}

// WithGuard installs a veto expression evaluated before each commit.
func (e *Engine) WithGuard(guard *Guard) *Engine {
	e.guard = guard
	return e
}

// WithLogger replaces the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithClock overrides the time source. Used in tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate runs the decision pipeline for one tenant and commits the result
// when it is a scaling action. The returned target is what the caller should
// move the tenant to; the plane does not provision anything.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, m Metrics) (Evaluation, error) {
	if err := m.Validate(); err != nil {
		return Evaluation{}, err
	}
	tp, err := e.source.PolicyFor(ctx, tenantID)
	if err != nil {
		return Evaluation{}, err
	}
	policy := tp.Policy
	if err := policy.Validate(); err != nil {
		return Evaluation{}, fmt.Errorf("autoscaler: policy for %s: %w", tenantID, err)
	}

	now := e.clock().UTC()
	eval := Evaluation{TenantID: tenantID, Action: NoAction, Target: m.CurrentInstances, At: now}

	// Candidate direction. Scale-up wins when both sides would trigger.
	dir, metric, reason := candidate(policy, m)
	if dir == NoAction {
		eval.Reason = reason
		return eval, nil
	}

	// Cooldown gate on the newest event in the candidate direction.
	last, err := e.history.LastInDirection(ctx, tenantID, dir)
	if err != nil {
		return Evaluation{}, fmt.Errorf("autoscaler: history lookup: %w", err)
	}
	cooldown := policy.cooldown(dir)
	if last != nil && now.Sub(last.Timestamp) < cooldown {
		eval.Reason = fmt.Sprintf("%s in cooldown until %s", dir, last.Timestamp.Add(cooldown).UTC().Format(time.RFC3339))
		return eval, nil
	}

	// Bounds clamp. A move that clamps back to current is no action.
	target := clampTarget(policy, m.CurrentInstances, dir)
	if target == m.CurrentInstances {
		if dir == ActionScaleUp {
			eval.Reason = fmt.Sprintf("already at max_instances %d", policy.MaxInstances)
		} else {
			eval.Reason = fmt.Sprintf("already at min_instances %d", policy.MinInstances)
		}
		return eval, nil
	}

	if e.guard != nil {
		ok, gerr := e.guard.Permit(GuardInput{
			Action:     dir,
			TenantType: tp.Type,
			Current:    m.CurrentInstances,
			Target:     target,
			Hour:       now.Hour(),
		})
		if gerr != nil {
			// A broken guard blocks scaling rather than bypassing it.
			e.logger.Error("scaling guard failed, holding", "tenant_id", tenantID, "error", gerr)
			eval.Reason = "scaling guard unavailable"
			return eval, nil
		}
		if !ok {
			eval.Reason = "vetoed by scaling guard"
			return eval, nil
		}
	}

	// Commit.
	ev := ScalingEvent{
		TenantID:      tenantID,
		Timestamp:     now,
		FromInstances: m.CurrentInstances,
		ToInstances:   target,
		Direction:     dir,
		TriggerMetric: metric,
		Reason:        reason,
	}
	if err := e.history.Append(ctx, &ev); err != nil {
		return Evaluation{}, fmt.Errorf("autoscaler: append event: %w", err)
	}

	eval.Action = dir
	eval.Target = target
	eval.TriggerMetric = metric
	eval.Reason = reason
	return eval, nil
}

// History returns up to limit committed events for the tenant, newest first.
// It does not gate on eligibility: suspended tenants keep a readable history.
func (e *Engine) History(ctx context.Context, tenantID string, limit int) ([]ScalingEvent, error) {
	return e.history.List(ctx, tenantID, limit)
}

// ReportInstances records the realized instance count after the caller acted
// on a decision.
func (e *Engine) ReportInstances(tenantID string, n int) {
	if n < 0 {
		return
	}
	e.mu.Lock()
	e.instances[tenantID] = n
	e.mu.Unlock()
}

// Instances returns the last reported count for the tenant.
func (e *Engine) Instances(tenantID string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.instances[tenantID]
	return n, ok
}

// candidate picks the raw direction before cooldown and bounds.
func candidate(p Policy, m Metrics) (Action, string, string) {
	cpuHigh := m.CPUUtilization > p.CPUThreshold
	memHigh := m.MemoryUtilization > p.MemoryThreshold

	if cpuHigh || memHigh {
		metric := MetricCPU
		value, threshold := m.CPUUtilization, p.CPUThreshold
		if memHigh && !cpuHigh {
			metric = MetricMemory
			value, threshold = m.MemoryUtilization, p.MemoryThreshold
		}
		return ActionScaleUp, metric, fmt.Sprintf("%s %.2f above threshold %.2f", metric, value, threshold)
	}

	cpuIdle := m.CPUUtilization < p.CPUThreshold/2
	memIdle := m.MemoryUtilization < p.MemoryThreshold/2
	if cpuIdle && memIdle && m.CurrentInstances > p.MinInstances {
		// Record whichever signal is further under its half-threshold.
		metric := MetricCPU
		value, threshold := m.CPUUtilization, p.CPUThreshold
		if m.MemoryUtilization/p.MemoryThreshold < m.CPUUtilization/p.CPUThreshold {
			metric = MetricMemory
			value, threshold = m.MemoryUtilization, p.MemoryThreshold
		}
		return ActionScaleDown, metric, fmt.Sprintf("%s %.2f below half threshold %.2f", metric, value, threshold/2)
	}

	return NoAction, "", "utilization within thresholds"
}

// clampTarget applies the step in the given direction and clamps to the
// policy bounds.
func clampTarget(p Policy, current int, dir Action) int {
	target := current
	switch dir {
	case ActionScaleUp:
		target = current + p.step()
		if target > p.MaxInstances {
			target = p.MaxInstances
		}
	case ActionScaleDown:
		target = current - p.step()
		if target < p.MinInstances {
			target = p.MinInstances
		}
	}
	// Out-of-band current counts clamp toward the bounds, never away.
	if target > p.MaxInstances && dir != ActionScaleUp {
		target = p.MaxInstances
	}
	if target < p.MinInstances && dir != ActionScaleDown {
		target = p.MinInstances
	}
	return target
}
