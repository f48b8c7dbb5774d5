package service

import (
	"context"
	"testing"

	"github.com/priceops/repricer/internal/domain"
)

func TestProgressLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)

	progress, err := env.svc.GetProgress(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if progress.Progress != 0 || progress.TotalTargets != 2 {
		t.Fatalf("unexpected preview progress: %+v", progress)
	}

	applyRun(t, env, run.RunID)

	progress, err = env.svc.GetProgress(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if progress.Progress != 100 {
		t.Fatalf("expected 100%% after apply, got %d", progress.Progress)
	}
	if progress.Status != domain.RunStatusApplied {
		t.Fatalf("expected APPLIED, got %s", progress.Status)
	}

	// Counts always sum to the total, across every status.
	sum := 0
	for _, c := range progress.TargetCounts {
		sum += c
	}
	if sum != progress.TotalTargets {
		t.Fatalf("counts sum %d != total %d", sum, progress.TotalTargets)
	}
}

func TestProgressPartialFailureCountsAsComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	env.conn.FailNext("prod_1", "", "down")
	applyRun(t, env, run.RunID)

	// Failed targets are terminal, so a fully attempted run reads 100%.
	progress, err := env.svc.GetProgress(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if progress.Progress != 100 {
		t.Fatalf("expected 100%%, got %d", progress.Progress)
	}
	if progress.TargetCounts[domain.TargetStatusFailed] != 1 {
		t.Fatalf("expected 1 failed target, got %+v", progress.TargetCounts)
	}

	// A retry dips progress while targets sit QUEUED, then recovers. With the
	// in-process apply loop the dip is not observable here, only the recovery.
	if _, err := env.svc.RetryFailed(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	progress, err = env.svc.GetProgress(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if progress.Progress != 100 || progress.Status != domain.RunStatusApplied {
		t.Fatalf("expected recovered run at 100%%, got %+v", progress)
	}
}

func TestProgressEmptyTerminalRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'nobody'`)
	applyRun(t, env, run.RunID)

	progress, err := env.svc.GetProgress(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if progress.TotalTargets != 0 || progress.Progress != 100 {
		t.Fatalf("expected empty terminal run at 100%%, got %+v", progress)
	}
}

func TestProgressNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetProgress(context.Background(), "run_missing")
	if err == nil {
		t.Fatal("expected error for missing run")
	}
}
