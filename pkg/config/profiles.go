package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Profile adjusts the preset catalog for one tenant class at boot. Limits
// merge over the preset; a scaling policy replaces it whole. Cost rules are
// registered with the billing manager on top of whatever the deployment
// already has.
type Profile struct {
	SchemaVersion string            `yaml:"schema_version" json:"schema_version"`
	Type          string            `yaml:"type" json:"type"`
	Name          string            `yaml:"name,omitempty" json:"name,omitempty"`
	Limits        map[string]int64  `yaml:"limits,omitempty" json:"limits,omitempty"`
	ScalingPolicy *PolicyProfile    `yaml:"scaling_policy,omitempty" json:"scaling_policy,omitempty"`
	CostRules     []CostRuleProfile `yaml:"cost_rules,omitempty" json:"cost_rules,omitempty"`
}

// PolicyProfile is the YAML shape of a scaling policy. Cooldowns are Go
// duration strings ("5m", "1h30m").
type PolicyProfile struct {
	MinInstances      int     `yaml:"min_instances" json:"min_instances"`
	MaxInstances      int     `yaml:"max_instances" json:"max_instances"`
	CPUThreshold      float64 `yaml:"cpu_threshold" json:"cpu_threshold"`
	MemoryThreshold   float64 `yaml:"memory_threshold" json:"memory_threshold"`
	ScaleUpCooldown   string  `yaml:"scale_up_cooldown" json:"scale_up_cooldown"`
	ScaleDownCooldown string  `yaml:"scale_down_cooldown" json:"scale_down_cooldown"`
	Step              int     `yaml:"step" json:"step"`
}

// CostRuleProfile is the YAML shape of a billing cost rule.
type CostRuleProfile struct {
	Resource      string `yaml:"resource" json:"resource"`
	Unit          string `yaml:"unit" json:"unit"` // "hour" | "month" | "call"
	UnitCostMinor int64  `yaml:"unit_cost_minor" json:"unit_cost_minor"`
	Currency      string `yaml:"currency,omitempty" json:"currency,omitempty"`
	FreeUnits     int64  `yaml:"free_units,omitempty" json:"free_units,omitempty"`
}

// supportedProfileSchema is the schema_version range this build accepts.
const supportedProfileSchema = ">= 1.0.0, < 2.0.0"

const profileSchemaURL = "https://strata.mindburn.dev/schemas/profile.schema.json"

const profileSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://strata.mindburn.dev/schemas/profile.schema.json",
  "title": "Strata tier profile",
  "type": "object",
  "required": ["schema_version", "type"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "type": {
      "enum": ["individual", "small_business", "enterprise", "government", "education"]
    },
    "name": {"type": "string", "minLength": 1},
    "limits": {
      "type": "object",
      "propertyNames": {
        "enum": ["cpu_cores", "memory_gb", "storage_gb", "api_calls_per_month", "bandwidth_mbps", "concurrent_connections", "max_users"]
      },
      "additionalProperties": {"type": "integer", "minimum": 0}
    },
    "scaling_policy": {
      "type": "object",
      "required": ["min_instances", "max_instances", "cpu_threshold", "memory_threshold", "scale_up_cooldown", "scale_down_cooldown", "step"],
      "additionalProperties": false,
      "properties": {
        "min_instances": {"type": "integer", "minimum": 0},
        "max_instances": {"type": "integer", "minimum": 1},
        "cpu_threshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
        "memory_threshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
        "scale_up_cooldown": {"type": "string", "minLength": 1},
        "scale_down_cooldown": {"type": "string", "minLength": 1},
        "step": {"type": "integer", "minimum": 1}
      }
    },
    "cost_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["resource", "unit", "unit_cost_minor"],
        "additionalProperties": false,
        "properties": {
          "resource": {
            "enum": ["cpu_cores", "memory_gb", "storage_gb", "api_calls_per_month", "bandwidth_mbps", "concurrent_connections", "max_users"]
          },
          "unit": {"enum": ["hour", "month", "call"]},
          "unit_cost_minor": {"type": "integer", "minimum": 0},
          "currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
          "free_units": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var (
	profileOnce       sync.Once
	profileCompiled   *jsonschema.Schema
	profileCompileErr error
)

func profileSchema() (*jsonschema.Schema, error) {
	profileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(profileSchemaURL, strings.NewReader(profileSchemaJSON)); err != nil {
			profileCompileErr = fmt.Errorf("config: load profile schema: %w", err)
			return
		}
		profileCompiled, profileCompileErr = c.Compile(profileSchemaURL)
		if profileCompileErr != nil {
			profileCompileErr = fmt.Errorf("config: compile profile schema: %w", profileCompileErr)
		}
	})
	return profileCompiled, profileCompileErr
}

// parseProfile validates raw YAML against the profile schema and decodes it.
// The schema validator wants JSON-decoded values, so the document is run
// through a JSON round trip first.
func parseProfile(data []byte) (*Profile, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: encode profile for validation: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("config: decode profile for validation: %w", err)
	}

	sch, err := profileSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("config: profile does not match schema: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	if err := checkProfileVersion(p.SchemaVersion); err != nil {
		return nil, err
	}
	if p.ScalingPolicy != nil {
		if err := checkCooldown("scale_up_cooldown", p.ScalingPolicy.ScaleUpCooldown); err != nil {
			return nil, err
		}
		if err := checkCooldown("scale_down_cooldown", p.ScalingPolicy.ScaleDownCooldown); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func checkProfileVersion(raw string) error {
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("config: invalid schema_version %q: %w", raw, err)
	}
	constraint, err := semver.NewConstraint(supportedProfileSchema)
	if err != nil {
		return fmt.Errorf("config: invalid schema version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config: schema_version %s outside supported range %s", raw, supportedProfileSchema)
	}
	return nil
}

func checkCooldown(field, raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative, got %s", field, raw)
	}
	return nil
}

// LoadProfile loads the profile for one tenant class from
// dir/profile_<type>.yaml. The declared type must match the filename.
func LoadProfile(dir, tenantType string) (*Profile, error) {
	tenantType = strings.ToLower(tenantType)
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", tenantType))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", tenantType, err)
	}
	p, err := parseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if p.Type != tenantType {
		return nil, fmt.Errorf("config: profile %s declares type %q, want %q", filepath.Base(path), p.Type, tenantType)
	}
	return p, nil
}

// LoadAllProfiles loads every profile_*.yaml in dir, keyed by tenant type.
func LoadAllProfiles(dir string) (map[string]*Profile, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("config: profiles directory: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("config: scan profiles: %w", err)
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		typ := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		p, err := LoadProfile(dir, typ)
		if err != nil {
			return nil, err
		}
		profiles[typ] = p
	}
	return profiles, nil
}
