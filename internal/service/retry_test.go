package service

import (
	"context"
	"errors"
	"testing"

	"github.com/priceops/repricer/internal/domain"
)

func TestRetryFailedTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	env.conn.FailNext("prod_1", "", "rate limited")

	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.ApplyRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	retried, err := env.svc.RetryFailed(ctx, run.RunID, "tester")
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected 1 retried, got %d", retried)
	}

	final, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if final.Status != domain.RunStatusApplied {
		t.Fatalf("expected APPLIED after retry, got %s (%s)", final.Status, final.ErrorMessage)
	}

	price, ok := env.conn.Price("prod_1", "")
	if !ok || price.UnitAmount != 900 {
		t.Fatalf("expected prod_1 at 900 after retry, got %+v", price)
	}

	// Initial pass pushed both targets, the retry only the failed one.
	if pushes := env.conn.Pushes(); len(pushes) != 3 {
		t.Fatalf("expected 3 pushes, got %d", len(pushes))
	}
}

func TestRetryWithNothingFailedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.ApplyRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	retried, err := env.svc.RetryFailed(ctx, run.RunID, "tester")
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if retried != 0 {
		t.Fatalf("expected 0 retried, got %d", retried)
	}

	final, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if final.Status != domain.RunStatusApplied {
		t.Fatalf("no-op retry must not change status, got %s", final.Status)
	}
	if pushes := env.conn.Pushes(); len(pushes) != 2 {
		t.Fatalf("no-op retry must not push, got %d pushes", len(pushes))
	}

	actions := env.auditActions(run.RunID)
	if actions[len(actions)-1] != domain.AuditRetryRequested {
		t.Fatalf("expected retry_requested recorded, got %v", actions)
	}
}

func TestRetryRejectsReversingRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.ApplyRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	// The inverse push for prod_1 fails, leaving a FAILED reversing run.
	env.conn.FailNext("prod_1", "", "down")
	result, err := env.svc.RollbackRun(ctx, run.RunID, "tester")
	if err != nil {
		t.Fatalf("RollbackRun failed: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed inverse push, got %+v", result)
	}

	pushesBefore := len(env.conn.Pushes())

	// Retrying the reversing run itself must be rejected: it would push the
	// inverse price without flipping the original target.
	_, err = env.svc.RetryFailed(ctx, result.ReversingRunID, "tester")
	var tErr *domain.TransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if len(env.conn.Pushes()) != pushesBefore {
		t.Fatalf("rejected retry must not push, got %d new pushes", len(env.conn.Pushes())-pushesBefore)
	}

	// The original target still reads APPLIED, consistent with the platform.
	remaining, err := env.store.ListTargetsByStatus(ctx, run.RunID, domain.TargetStatusApplied)
	if err != nil {
		t.Fatalf("ListTargetsByStatus failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ProductID != "prod_1" {
		t.Fatalf("unexpected remaining targets: %+v", remaining)
	}
	price, ok := env.conn.Price("prod_1", "")
	if !ok || price.UnitAmount != 900 {
		t.Fatalf("expected prod_1 still at 900, got %+v", price)
	}

	// The recovery path is another rollback of the original run.
	result, err = env.svc.RollbackRun(ctx, run.RunID, "tester")
	if err != nil {
		t.Fatalf("second RollbackRun failed: %v", err)
	}
	if result.RolledBack != 1 || result.Failed != 0 {
		t.Fatalf("unexpected second result: %+v", result)
	}
	final, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if final.Status != domain.RunStatusRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", final.Status)
	}
}

func TestRetrySurvivesRepeatedFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	env.conn.FailNext("prod_1", "", "down", "still down")

	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.ApplyRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	// First retry hits the second scripted failure.
	if _, err := env.svc.RetryFailed(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	mid, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if mid.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED after retry, got %s", mid.Status)
	}

	// Second retry succeeds.
	if _, err := env.svc.RetryFailed(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	final, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if final.Status != domain.RunStatusApplied {
		t.Fatalf("expected APPLIED, got %s", final.Status)
	}
}
