package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/autoscaler"
	"github.com/Mindburn-Labs/strata/pkg/billing"
	"github.com/Mindburn-Labs/strata/pkg/config"
	"github.com/Mindburn-Labs/strata/pkg/controlplane"
	"github.com/Mindburn-Labs/strata/pkg/quota"
	"github.com/Mindburn-Labs/strata/pkg/tiers"
)

// applyProfiles rewrites the tier catalog and registers pricing from the
// deployment's profile directory. Runs before the server takes traffic so
// every tenant created afterwards picks up the adjusted presets.
func applyProfiles(ctx context.Context, cp *controlplane.ControlPlane, dir string, logger *slog.Logger) error {
	profiles, err := config.LoadAllProfiles(dir)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		preset, err := presetFromProfile(p)
		if err != nil {
			return err
		}
		if err := tiers.Override(*preset); err != nil {
			return err
		}
		for _, r := range p.CostRules {
			rule, err := costRuleFromProfile(r)
			if err != nil {
				return fmt.Errorf("profile %s: %w", p.Type, err)
			}
			if err := cp.RegisterCostRule(ctx, rule); err != nil {
				return fmt.Errorf("profile %s: %w", p.Type, err)
			}
		}
		logger.Info("tier profile applied",
			"type", p.Type,
			"limit_overrides", len(p.Limits),
			"cost_rules", len(p.CostRules))
	}
	return nil
}

// presetFromProfile starts from the built-in preset for the profile's tier:
// limits merge over it, a scaling policy replaces it whole.
func presetFromProfile(p *config.Profile) (*tiers.Preset, error) {
	typ, err := tiers.ParseType(p.Type)
	if err != nil {
		return nil, err
	}
	preset := tiers.Get(typ)
	if p.Name != "" {
		preset.Name = p.Name
	}
	if len(p.Limits) > 0 {
		overrides := make(quota.Limits, len(p.Limits))
		for name, v := range p.Limits {
			r, err := quota.ParseResource(name)
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", p.Type, err)
			}
			overrides[r] = v
		}
		preset.Limits = preset.Limits.Merge(overrides)
	}
	if p.ScalingPolicy != nil {
		policy, err := policyFromProfile(p.ScalingPolicy)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Type, err)
		}
		preset.Policy = policy
	}
	return preset, nil
}

func policyFromProfile(p *config.PolicyProfile) (autoscaler.Policy, error) {
	up, err := time.ParseDuration(p.ScaleUpCooldown)
	if err != nil {
		return autoscaler.Policy{}, fmt.Errorf("scale_up_cooldown: %w", err)
	}
	down, err := time.ParseDuration(p.ScaleDownCooldown)
	if err != nil {
		return autoscaler.Policy{}, fmt.Errorf("scale_down_cooldown: %w", err)
	}
	return autoscaler.Policy{
		MinInstances:      p.MinInstances,
		MaxInstances:      p.MaxInstances,
		CPUThreshold:      p.CPUThreshold,
		MemoryThreshold:   p.MemoryThreshold,
		ScaleUpCooldown:   up,
		ScaleDownCooldown: down,
		Step:              p.Step,
	}, nil
}

// costRuleFromProfile leaves TenantID empty (a global rule) and EffectiveAt
// zero; the billing manager stamps registration time.
func costRuleFromProfile(r config.CostRuleProfile) (billing.CostRule, error) {
	res, err := quota.ParseResource(r.Resource)
	if err != nil {
		return billing.CostRule{}, err
	}
	return billing.CostRule{
		Resource:      res,
		Unit:          billing.Unit(r.Unit),
		UnitCostMinor: r.UnitCostMinor,
		Currency:      r.Currency,
		FreeUnits:     r.FreeUnits,
		Enabled:       true,
	}, nil
}
