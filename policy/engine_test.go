package policy

import (
	"context"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	engine, err := NewEngine(context.Background(), DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestEvaluateAllowsWithinLimits(t *testing.T) {
	engine := newTestEngine(t)

	decision, reason, err := engine.Evaluate(context.Background(), map[string]interface{}{
		"op":                     "percent",
		"target_count":           100,
		"max_change_pct":         10.0,
		"max_allowed_change_pct": 50.0,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != "allow" {
		t.Fatalf("expected allow, got %q (%q)", decision, reason)
	}
}

func TestEvaluateBlocksExcessiveChange(t *testing.T) {
	engine := newTestEngine(t)

	decision, reason, err := engine.Evaluate(context.Background(), map[string]interface{}{
		"op":                     "percent",
		"target_count":           100,
		"max_change_pct":         60.0,
		"max_allowed_change_pct": 50.0,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != "block" {
		t.Fatalf("expected block, got %q", decision)
	}
	if reason == "" {
		t.Fatal("expected a reason on block")
	}
}

func TestEvaluateBlocksOversizedBatch(t *testing.T) {
	engine := newTestEngine(t)

	decision, _, err := engine.Evaluate(context.Background(), map[string]interface{}{
		"op":                     "percent",
		"target_count":           60000,
		"max_change_pct":         5.0,
		"max_allowed_change_pct": 50.0,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != "block" {
		t.Fatalf("expected block, got %q", decision)
	}
}

func TestEvaluateChangeLimitWinsWhenBothApply(t *testing.T) {
	engine := newTestEngine(t)

	decision, reason, err := engine.Evaluate(context.Background(), map[string]interface{}{
		"op":                     "percent",
		"target_count":           60000,
		"max_change_pct":         60.0,
		"max_allowed_change_pct": 50.0,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != "block" {
		t.Fatalf("expected block, got %q", decision)
	}
	if reason != "relative price change exceeds configured limit" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestEvaluateExactLimitAllows(t *testing.T) {
	engine := newTestEngine(t)

	decision, _, err := engine.Evaluate(context.Background(), map[string]interface{}{
		"op":                     "percent",
		"target_count":           100,
		"max_change_pct":         50.0,
		"max_allowed_change_pct": 50.0,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != "allow" {
		t.Fatalf("expected allow at the exact limit, got %q", decision)
	}
}
