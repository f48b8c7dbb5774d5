// Package policy evaluates guardrail rules before a run may be queued.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA guardrail engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a guardrail engine from rego policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.repricer.guardrails.result"),
		rego.Module("guardrails.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the guardrail policy. Input carries op, target_count,
// max_change_pct and max_allowed_change_pct.
// Returns: decision (allow, block), reason (optional), error.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines a default, so an empty result means the module
		// is broken rather than permissive.
		return "", "", fmt.Errorf("policy returned no result")
	}

	val, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return "", "", fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}

	decision, _ := val["decision"].(string)
	reason, _ := val["reason"].(string)
	if decision == "" {
		return "", "", fmt.Errorf("policy result missing decision")
	}
	return decision, reason, nil
}

// DefaultPolicy is the default guardrail policy content.
const DefaultPolicy = `
package repricer.guardrails

default result = {"decision": "allow", "reason": ""}

# Block when the batch's worst relative change exceeds the configured limit
result = {"decision": "block", "reason": "relative price change exceeds configured limit"} {
	input.max_change_pct > input.max_allowed_change_pct
}

# Block oversized batches; the change-limit rule wins when both apply
result = {"decision": "block", "reason": "batch exceeds 50000 targets"} {
	input.max_change_pct <= input.max_allowed_change_pct
	input.target_count > 50000
}
`
