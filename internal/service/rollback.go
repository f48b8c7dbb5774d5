package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/priceops/repricer/internal/domain"
)

// RollbackResult summarizes one rollback pass.
type RollbackResult struct {
	ReversingRunID string `json:"reversing_run_id"`
	RolledBack     int    `json:"rolled_back"`
	Failed         int    `json:"failed"`
}

// RollbackRun reverses an APPLIED run by creating a reversing run whose
// targets swap before and after, then pushing each original price back.
// History is appended, never rewritten: original targets flip
// APPLIED -> ROLLED_BACK only when their inverse push succeeds. A rollback
// that fails part-way leaves a mixed APPLIED/ROLLED_BACK set; calling
// rollback again retries just the remaining APPLIED targets.
func (s *Service) RollbackRun(ctx context.Context, runID, actor string) (*RollbackResult, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunStatusApplied {
		return nil, domain.NewRunTransitionError(run.Status, domain.RunStatusRolledBack)
	}

	applied, err := s.store.ListTargetsByStatus(ctx, runID, domain.TargetStatusApplied)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied targets: %w", err)
	}

	now := time.Now().UTC()
	reversing := &domain.RuleRun{
		RunID:         "run_" + uuid.New().String()[:8],
		RuleID:        run.RuleID,
		Status:        domain.RunStatusQueued,
		ReversesRunID: runID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRun(ctx, reversing); err != nil {
		return nil, fmt.Errorf("failed to create reversing run: %w", err)
	}

	reversingTargets := make([]domain.RuleTarget, 0, len(applied))
	originalBySKU := make(map[string]string, len(applied))
	for _, t := range applied {
		originalBySKU[t.SKU()] = t.TargetID
		reversingTargets = append(reversingTargets, domain.RuleTarget{
			TargetID:  "tgt_" + uuid.New().String()[:8],
			RunID:     reversing.RunID,
			ProductID: t.ProductID,
			VariantID: t.VariantID,
			Before:    t.After,
			After:     t.Before,
			Status:    domain.TargetStatusQueued,
			CreatedAt: now,
		})
	}
	if err := s.store.CreateTargets(ctx, reversingTargets); err != nil {
		return nil, fmt.Errorf("failed to create reversing targets: %w", err)
	}

	if err := s.recorder.Record(ctx, runID, domain.AuditRollbackStarted, actor, map[string]interface{}{
		"reversing_run_id": reversing.RunID,
		"target_count":     len(reversingTargets),
	}); err != nil {
		log.Printf("ERROR: failed to record rollback_started for %s: %v", runID, err)
	}

	claimed, err := s.store.TransitionRun(ctx, reversing.RunID, domain.RunStatusQueued, domain.RunStatusApplying)
	if err != nil {
		return nil, fmt.Errorf("failed to claim reversing run: %w", err)
	}
	if !claimed {
		return nil, domain.NewRunTransitionError(domain.RunStatusQueued, domain.RunStatusApplying)
	}

	// The reversing run is its own partial-failure batch: push the stored
	// after (the original before), flipping the original target on success.
	outcome := s.processTargets(ctx, reversing.RunID, reversingTargets, nil, func(cbCtx context.Context, reversed *domain.RuleTarget) {
		originalID, ok := originalBySKU[reversed.SKU()]
		if !ok {
			return
		}
		if err := s.store.UpdateTargetStatus(cbCtx, originalID, domain.TargetStatusRolledBack, ""); err != nil {
			log.Printf("ERROR: failed to mark original target %s rolled back: %v", originalID, err)
		}
	})
	if err := s.finalizeApply(ctx, reversing.RunID, actor, outcome); err != nil {
		return nil, err
	}

	result := &RollbackResult{
		ReversingRunID: reversing.RunID,
		RolledBack:     outcome.Succeeded,
		Failed:         outcome.Failed,
	}

	remaining, err := s.store.ListTargetsByStatus(ctx, runID, domain.TargetStatusApplied)
	if err != nil {
		return nil, fmt.Errorf("failed to re-check applied targets: %w", err)
	}
	if len(remaining) == 0 && outcome.SystemError == "" {
		ok, err := s.store.TransitionRun(ctx, runID, domain.RunStatusApplied, domain.RunStatusRolledBack)
		if err != nil {
			return nil, fmt.Errorf("failed to mark run rolled back: %w", err)
		}
		if ok {
			if err := s.recorder.Record(ctx, runID, domain.AuditRollbackFinished, actor, result); err != nil {
				log.Printf("ERROR: failed to record rollback_finished for %s: %v", runID, err)
			}
		}
		return result, nil
	}

	// Partial rollback is surfaced, never hidden: the run stays APPLIED with
	// a mixed target set until a later rollback finishes the job.
	if err := s.recorder.Record(ctx, runID, domain.AuditRollbackPartial, actor, result); err != nil {
		log.Printf("ERROR: failed to record rollback_partial for %s: %v", runID, err)
	}
	return result, nil
}
