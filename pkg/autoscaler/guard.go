package autoscaler

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Guard is a deployment-wide veto over scaling commits, written as a CEL
// expression. The expression sees the proposed action and must evaluate to
// true for the commit to proceed. Example:
//
//	action != "scale_down" || hour >= 6
//
// holds scale-downs during the night window.
type Guard struct {
	expr string
	prg  cel.Program
}

// NewGuard compiles the expression once. An empty expression is a
// configuration error; callers wanting no guard pass no guard.
func NewGuard(expr string) (*Guard, error) {
	if expr == "" {
		return nil, fmt.Errorf("autoscaler: empty guard expression")
	}

	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("tenant_type", cel.StringType),
		cel.Variable("current", cel.IntType),
		cel.Variable("target", cel.IntType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("autoscaler: cel environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("autoscaler: compile guard %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("autoscaler: guard %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("autoscaler: build guard program: %w", err)
	}

	return &Guard{expr: expr, prg: prg}, nil
}

// GuardInput is the activation for one veto check.
type GuardInput struct {
	Action     Action
	TenantType string
	Current    int
	Target     int
	Hour       int
}

// Permit evaluates the expression against the proposed action.
func (g *Guard) Permit(input GuardInput) (bool, error) {
	out, _, err := g.prg.Eval(map[string]any{
		"action":      string(input.Action),
		"tenant_type": input.TenantType,
		"current":     input.Current,
		"target":      input.Target,
		"hour":        input.Hour,
	})
	if err != nil {
		return false, fmt.Errorf("autoscaler: evaluate guard: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("autoscaler: guard %q returned %T, want bool", g.expr, out.Value())
	}
	return ok, nil
}

// Expression returns the compiled source, for logging.
func (g *Guard) Expression() string { return g.expr }
