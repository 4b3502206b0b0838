package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// Default Rego containment policy. Reuse always contains; a suspicious score
// contains only when it is very high on a low-trust device. Operators can
// replace the module wholesale via NewOPA.
const defaultRegoPolicy = `package tokenkin.containment

default contain = false
default reason = ""

contain if {
	input.trigger == "concurrent_reuse"
}

contain if {
	input.trigger == "suspicion"
	input.suspicion_score > 75
	input.trust_level <= 2
}

reason = "consumed token replayed" if {
	input.trigger == "concurrent_reuse"
}

reason = "high suspicion on low-trust device" if {
	input.trigger == "suspicion"
	input.suspicion_score > 75
	input.trust_level <= 2
}
`

// OPA evaluates containment decisions with an embedded Rego module.
type OPA struct {
	compiler *ast.Compiler
}

// NewOPA returns an OPA-based evaluator. An empty module selects the
// compiled-in default policy. The module must define
// data.tokenkin.containment.contain and .reason.
func NewOPA(module string) (*OPA, error) {
	if module == "" {
		module = defaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"containment.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile containment policy: %w", err)
	}
	return &OPA{compiler: compiler}, nil
}

// Decide evaluates the policy against the signal input.
func (e *OPA) Decide(ctx context.Context, in Input) (Decision, error) {
	input := map[string]interface{}{
		"trigger":         string(in.Trigger),
		"suspicion_score": in.SuspicionScore,
		"indicators":      in.Indicators,
		"generation":      in.Generation,
		"trust_level":     in.TrustLevel,
		"strict_binding":  in.StrictBinding,
	}
	if input["indicators"] == nil {
		input["indicators"] = []string{}
	}

	var out Decision
	containRS, err := rego.New(
		rego.Query("data.tokenkin.containment.contain"),
		rego.Compiler(e.compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("eval contain: %w", err)
	}
	if len(containRS) == 0 || len(containRS[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("containment query returned no result")
	}
	if v, ok := containRS[0].Expressions[0].Value.(bool); ok {
		out.Contain = v
	}

	reasonRS, err := rego.New(
		rego.Query("data.tokenkin.containment.reason"),
		rego.Compiler(e.compiler),
		rego.Input(input),
	).Eval(ctx)
	if err == nil && len(reasonRS) > 0 && len(reasonRS[0].Expressions) > 0 {
		if v, ok := reasonRS[0].Expressions[0].Value.(string); ok {
			out.Reason = v
		}
	}
	return out, nil
}

// HealthCheck verifies the in-process Rego engine can evaluate the loaded
// policy against a minimal input. Returns nil on success.
func (e *OPA) HealthCheck(ctx context.Context) error {
	_, err := e.Decide(ctx, Input{Trigger: TriggerSuspicion, SuspicionScore: 0, TrustLevel: 3})
	return err
}
