package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/priceops/repricer/internal/domain"
	"github.com/priceops/repricer/internal/pricing"
)

// runExplain is the run-level explain document stored at materialization.
type runExplain struct {
	TargetCount   int     `json:"target_count"`
	AppliedCount  int     `json:"applied_count"`
	MaxChangePct  float64 `json:"max_change_pct"`
	TotalBefore   int64   `json:"total_before"`
	TotalAfter    int64   `json:"total_after"`
	SkippedCount  int     `json:"skipped_count"`
	SelectorMatch int     `json:"selector_match"`
}

// CreateRun materializes a PREVIEW run for a rule: the selector's match set
// becomes one target per product/variant, with before/after computed up
// front so the preview is reviewable. A ValidationError on the transform
// means no run is created at all.
func (s *Service) CreateRun(ctx context.Context, ruleID string, scheduledFor *time.Time, actor string) (*domain.RuleRun, error) {
	rule, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	transform, err := pricing.Validate(rule.Transform)
	if err != nil {
		return nil, err
	}

	refs, err := s.selector.MatchTargets(ctx, rule)
	if err != nil {
		return nil, fmt.Errorf("selector failed: %w", err)
	}

	now := time.Now().UTC()
	run := &domain.RuleRun{
		RunID:        "run_" + uuid.New().String()[:8],
		RuleID:       rule.RuleID,
		Status:       domain.RunStatusPreview,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	targets := make([]domain.RuleTarget, 0, len(refs))
	explain := runExplain{SelectorMatch: len(refs)}
	for _, ref := range refs {
		snapshot, err := s.catalog.GetPrice(ctx, ref.ProductID, ref.VariantID)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot price for %s: %w", ref.ProductID, err)
		}
		result := pricing.Apply(snapshot, transform)

		targets = append(targets, domain.RuleTarget{
			TargetID:  "tgt_" + uuid.New().String()[:8],
			RunID:     run.RunID,
			ProductID: ref.ProductID,
			VariantID: ref.VariantID,
			Before:    result.Before,
			After:     result.After,
			Status:    domain.TargetStatusPreview,
			CreatedAt: now,
		})

		explain.TargetCount++
		explain.TotalBefore += result.Before.UnitAmount
		explain.TotalAfter += result.After.UnitAmount
		if result.Applied {
			explain.AppliedCount++
		} else {
			explain.SkippedCount++
		}
		if pct := changePct(result.Before.UnitAmount, result.After.UnitAmount); pct > explain.MaxChangePct {
			explain.MaxChangePct = pct
		}
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	if err := s.store.CreateTargets(ctx, targets); err != nil {
		return nil, fmt.Errorf("failed to create targets: %w", err)
	}

	explainJSON, _ := json.Marshal(explain)
	if err := s.store.SetRunExplain(ctx, run.RunID, explainJSON); err != nil {
		log.Printf("WARN: failed to store run explain for %s: %v", run.RunID, err)
	}
	run.Explain = explainJSON

	if err := s.recorder.Record(ctx, run.RunID, domain.AuditRunMaterialized, actor, explain); err != nil {
		log.Printf("ERROR: failed to record run_materialized for %s: %v", run.RunID, err)
	}

	return run, nil
}

// changePct is the absolute relative price change in percent.
func changePct(before, after int64) float64 {
	if before == 0 {
		if after == 0 {
			return 0
		}
		return 100
	}
	pct := float64(after-before) / float64(before) * 100
	if pct < 0 {
		pct = -pct
	}
	return pct
}
