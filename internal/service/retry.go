package service

import (
	"context"
	"fmt"
	"log"

	"github.com/priceops/repricer/internal/domain"
)

// RetryFailed resets every FAILED target on the run to QUEUED and re-runs
// the apply loop scoped to just those targets. APPLIED targets are never
// touched; their frozen after snapshots are re-pushed as-is on a retried
// target, computed once at materialization from the recorded before snapshot
// (the connector boundary has no price-read operation, so the engine never
// consults a live price). Calling this with nothing failed is a no-op.
// Reversing runs are rejected; a failed rollback is retried by calling
// RollbackRun on the original run again.
func (s *Service) RetryFailed(ctx context.Context, runID, actor string) (int, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.ReversesRunID != "" {
		// A reversing run's recovery path is another rollback of the original
		// run, which scopes a fresh reversing batch to the still-APPLIED
		// targets and flips each one as its inverse push lands. Retrying the
		// reversing run directly would push inverse prices without flipping
		// the originals.
		return 0, domain.NewRunTransitionError(run.Status, domain.RunStatusApplying)
	}

	failed, err := s.store.ListTargetsByStatus(ctx, runID, domain.TargetStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed targets: %w", err)
	}
	if len(failed) == 0 {
		if err := s.recorder.Record(ctx, runID, domain.AuditRetryRequested, actor, map[string]int{"retried_count": 0}); err != nil {
			log.Printf("ERROR: failed to record retry_requested for %s: %v", runID, err)
		}
		return 0, nil
	}

	if !run.Status.CanTransition(domain.RunStatusApplying) {
		return 0, domain.NewRunTransitionError(run.Status, domain.RunStatusApplying)
	}
	claimed, err := s.store.TransitionRun(ctx, runID, run.Status, domain.RunStatusApplying)
	if err != nil {
		return 0, fmt.Errorf("failed to claim run for retry: %w", err)
	}
	if !claimed {
		return 0, domain.NewRunTransitionError(run.Status, domain.RunStatusApplying)
	}

	retried, err := s.store.QueueTargets(ctx, runID, domain.TargetStatusFailed)
	if err != nil {
		return 0, s.failRun(ctx, runID, actor, fmt.Errorf("failed to requeue targets: %w", err))
	}

	if err := s.recorder.Record(ctx, runID, domain.AuditRetryRequested, actor, map[string]int64{"retried_count": retried}); err != nil {
		log.Printf("ERROR: failed to record retry_requested for %s: %v", runID, err)
	}

	transform, err := s.runTransform(ctx, run)
	if err != nil {
		return int(retried), s.failRun(ctx, runID, actor, err)
	}

	targets, err := s.store.ListTargetsByStatus(ctx, runID, domain.TargetStatusQueued)
	if err != nil {
		return int(retried), s.failRun(ctx, runID, actor, fmt.Errorf("failed to list requeued targets: %w", err))
	}

	outcome := s.processTargets(ctx, runID, targets, transform, nil)
	if err := s.finalizeApply(ctx, runID, actor, outcome); err != nil {
		return int(retried), err
	}
	return int(retried), nil
}
