package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/priceops/repricer/internal/connector"
	"github.com/priceops/repricer/internal/domain"
	"github.com/priceops/repricer/internal/pricing"
)

// QueueRun confirms a PREVIEW run for execution after the guardrail policy
// allows it. All targets move to QUEUED with the run.
func (s *Service) QueueRun(ctx context.Context, runID, actor string) error {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.CanTransition(domain.RunStatusQueued) {
		return domain.NewRunTransitionError(run.Status, domain.RunStatusQueued)
	}

	rule, err := s.GetRule(ctx, run.RuleID)
	if err != nil {
		return err
	}
	transform, err := pricing.Validate(rule.Transform)
	if err != nil {
		return err
	}

	var explain runExplain
	if len(run.Explain) > 0 {
		if err := json.Unmarshal(run.Explain, &explain); err != nil {
			log.Printf("WARN: unreadable explain for run %s: %v", runID, err)
		}
	}

	decision, reason, err := s.policy.Evaluate(ctx, map[string]interface{}{
		"op":                     string(transform.Op),
		"target_count":           explain.TargetCount,
		"max_change_pct":         explain.MaxChangePct,
		"max_allowed_change_pct": s.config.MaxChangePct,
	})
	if err != nil {
		return fmt.Errorf("guardrail evaluation failed: %w", err)
	}
	if decision == "block" {
		if reason == "" {
			reason = "change exceeds guardrail limits"
		}
		if err := s.recorder.Record(ctx, runID, domain.AuditRunQueueBlocked, actor, map[string]string{"reason": reason}); err != nil {
			log.Printf("ERROR: failed to record run_queue_blocked for %s: %v", runID, err)
		}
		return &QueueBlockedError{Reason: reason}
	}

	ok, err := s.store.TransitionRun(ctx, runID, domain.RunStatusPreview, domain.RunStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to queue run: %w", err)
	}
	if !ok {
		return domain.NewRunTransitionError(run.Status, domain.RunStatusQueued)
	}
	if _, err := s.store.QueueTargets(ctx, runID, domain.TargetStatusPreview); err != nil {
		return fmt.Errorf("failed to queue targets: %w", err)
	}

	if err := s.recorder.Record(ctx, runID, domain.AuditRunQueued, actor, map[string]int{"target_count": explain.TargetCount}); err != nil {
		log.Printf("ERROR: failed to record run_queued for %s: %v", runID, err)
	}
	return nil
}

// ApplyRun claims a QUEUED run (single-writer) and drives every QUEUED
// target to a terminal state. One target's failure never aborts the run;
// only a persistence fault does.
func (s *Service) ApplyRun(ctx context.Context, runID, actor string) error {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}

	claimed, err := s.store.TransitionRun(ctx, runID, domain.RunStatusQueued, domain.RunStatusApplying)
	if err != nil {
		return fmt.Errorf("failed to claim run: %w", err)
	}
	if !claimed {
		return domain.NewRunTransitionError(run.Status, domain.RunStatusApplying)
	}

	transform, err := s.runTransform(ctx, run)
	if err != nil {
		return s.failRun(ctx, runID, actor, err)
	}

	targets, err := s.store.ListTargetsByStatus(ctx, runID, domain.TargetStatusQueued)
	if err != nil {
		return s.failRun(ctx, runID, actor, fmt.Errorf("failed to list queued targets: %w", err))
	}

	if err := s.recorder.Record(ctx, runID, domain.AuditApplyStarted, actor, map[string]int{"target_count": len(targets)}); err != nil {
		log.Printf("ERROR: failed to record apply_started for %s: %v", runID, err)
	}

	outcome := s.processTargets(ctx, runID, targets, transform, nil)
	return s.finalizeApply(ctx, runID, actor, outcome)
}

// runTransform resolves the transform an apply pass recomputes prices with.
// Reversing runs return nil: they push the stored after snapshots as-is.
func (s *Service) runTransform(ctx context.Context, run *domain.RuleRun) (*pricing.Transform, error) {
	if run.ReversesRunID != "" {
		return nil, nil
	}
	rule, err := s.GetRule(ctx, run.RuleID)
	if err != nil {
		return nil, err
	}
	parsed, err := pricing.Validate(rule.Transform)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// failRun finalizes a claimed run as FAILED with a system-level message. A
// run that was moved to APPLYING must always reach a terminal status, even
// when the fault happens before the target loop starts.
func (s *Service) failRun(ctx context.Context, runID, actor string, cause error) error {
	if err := s.finalizeApply(ctx, runID, actor, applyOutcome{SystemError: cause.Error()}); err != nil {
		log.Printf("ERROR: failed to finalize run %s after system error: %v", runID, err)
	}
	return cause
}

// applyOutcome is the fold result of one apply pass.
type applyOutcome struct {
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Cancelled   bool   `json:"cancelled,omitempty"`
	SystemError string `json:"system_error,omitempty"`
}

// cancelPollInterval is how often the apply loop refreshes the run's cancel
// flag from the store. Workers still observe cancellation between targets;
// only the store read is throttled.
const cancelPollInterval = 200 * time.Millisecond

// runReader is the store slice a cancelWatcher needs.
type runReader interface {
	GetRun(ctx context.Context, runID string) (*domain.RuleRun, error)
}

// cancelWatcher answers "has cancellation been requested" for one run,
// shared across the worker pool. Reads are rate-limited so a large batch
// does not turn into one GetRun per target.
type cancelWatcher struct {
	store runReader
	runID string

	mu        sync.Mutex
	checkedAt time.Time
	cancelled bool
}

func (w *cancelWatcher) requested(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return true, nil
	}
	if !w.checkedAt.IsZero() && time.Since(w.checkedAt) < cancelPollInterval {
		return false, nil
	}
	w.checkedAt = time.Now()

	run, err := w.store.GetRun(ctx, w.runID)
	if err != nil {
		return false, fmt.Errorf("failed to re-read run: %w", err)
	}
	if run != nil && run.Status == domain.RunStatusCancelling {
		w.cancelled = true
	}
	return w.cancelled, nil
}

// processTargets pushes every target, collecting succeeded/failed counts.
// Targets are partitioned across a bounded worker pool keyed by SKU hash, so
// two targets addressing the same SKU are always processed by the same
// worker, in order. A non-nil transform is recomputed per target from its
// before snapshot; reversing runs pass nil and push the stored after.
func (s *Service) processTargets(ctx context.Context, runID string, targets []domain.RuleTarget, transform *pricing.Transform, onApplied func(context.Context, *domain.RuleTarget)) applyOutcome {
	workers := s.config.PushConcurrency
	if workers < 1 {
		workers = 1
	}

	buckets := make([][]domain.RuleTarget, workers)
	for _, t := range targets {
		h := fnv.New32a()
		h.Write([]byte(t.SKU()))
		i := int(h.Sum32() % uint32(workers))
		buckets[i] = append(buckets[i], t)
	}

	var (
		mu      sync.Mutex
		outcome applyOutcome
		stop    atomic.Bool
		wg      sync.WaitGroup
	)
	watch := &cancelWatcher{store: s.store, runID: runID}

	for _, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		wg.Add(1)
		go func(bucket []domain.RuleTarget) {
			defer wg.Done()
			for i := range bucket {
				if stop.Load() {
					return
				}
				target := &bucket[i]

				// Cancellation is observed between targets, never mid-push.
				cancelled, err := watch.requested(ctx)
				if err != nil {
					s.recordSystemError(&mu, &outcome, &stop, err)
					return
				}
				if cancelled {
					mu.Lock()
					outcome.Cancelled = true
					mu.Unlock()
					stop.Store(true)
					return
				}

				price := target.After
				if transform != nil {
					price = pricing.Apply(target.Before, *transform).After
				}

				push, err := s.connector.PushPrice(ctx, target.ProductID, target.VariantID, price)
				if err != nil {
					push = connector.PushResult{OK: false, Message: err.Error()}
				}

				if push.OK {
					if err := s.store.UpdateTargetStatus(ctx, target.TargetID, domain.TargetStatusApplied, ""); err != nil {
						s.recordSystemError(&mu, &outcome, &stop, fmt.Errorf("failed to mark target applied: %w", err))
						return
					}
					if onApplied != nil {
						onApplied(ctx, target)
					}
					mu.Lock()
					outcome.Succeeded++
					mu.Unlock()
				} else {
					message := push.Message
					if message == "" {
						message = "connector rejected price push"
					}
					if err := s.store.UpdateTargetStatus(ctx, target.TargetID, domain.TargetStatusFailed, message); err != nil {
						s.recordSystemError(&mu, &outcome, &stop, fmt.Errorf("failed to mark target failed: %w", err))
						return
					}
					mu.Lock()
					outcome.Failed++
					mu.Unlock()
				}
			}
		}(bucket)
	}

	wg.Wait()
	return outcome
}

func (s *Service) recordSystemError(mu *sync.Mutex, outcome *applyOutcome, stop *atomic.Bool, err error) {
	mu.Lock()
	if outcome.SystemError == "" {
		outcome.SystemError = err.Error()
	}
	mu.Unlock()
	stop.Store(true)
	log.Printf("ERROR: aborting batch: %v", err)
}

// finalizeApply moves the run to its summary status and records the outcome.
func (s *Service) finalizeApply(ctx context.Context, runID, actor string, outcome applyOutcome) error {
	var err error
	switch {
	case outcome.SystemError != "":
		err = s.store.CompleteRun(ctx, runID, domain.RunStatusFailed, "system error: "+outcome.SystemError)
	case outcome.Cancelled:
		err = s.store.CompleteRun(ctx, runID, domain.RunStatusCancelled, "")
		if err == nil {
			if recErr := s.recorder.Record(ctx, runID, domain.AuditRunCancelled, actor, outcome); recErr != nil {
				log.Printf("ERROR: failed to record run_cancelled for %s: %v", runID, recErr)
			}
		}
	case outcome.Failed > 0:
		err = s.store.CompleteRun(ctx, runID, domain.RunStatusFailed, fmt.Sprintf("%d target(s) failed", outcome.Failed))
	default:
		err = s.store.CompleteRun(ctx, runID, domain.RunStatusApplied, "")
	}
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	if recErr := s.recorder.Record(ctx, runID, domain.AuditApplyFinished, actor, outcome); recErr != nil {
		log.Printf("ERROR: failed to record apply_finished for %s: %v", runID, recErr)
	}
	return nil
}

// CancelRun requests cancellation. A QUEUED run cancels immediately; an
// APPLYING run moves to CANCELLING and the apply loop stops between targets,
// leaving unattempted targets QUEUED.
func (s *Service) CancelRun(ctx context.Context, runID, actor string) error {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case domain.RunStatusQueued:
		ok, err := s.store.TransitionRun(ctx, runID, domain.RunStatusQueued, domain.RunStatusCancelled)
		if err != nil {
			return fmt.Errorf("failed to cancel run: %w", err)
		}
		if !ok {
			return domain.NewRunTransitionError(run.Status, domain.RunStatusCancelled)
		}
		if err := s.store.CompleteRun(ctx, runID, domain.RunStatusCancelled, ""); err != nil {
			return fmt.Errorf("failed to finalize cancelled run: %w", err)
		}
		if err := s.recorder.Record(ctx, runID, domain.AuditRunCancelled, actor, nil); err != nil {
			log.Printf("ERROR: failed to record run_cancelled for %s: %v", runID, err)
		}
		return nil
	case domain.RunStatusApplying:
		ok, err := s.store.TransitionRun(ctx, runID, domain.RunStatusApplying, domain.RunStatusCancelling)
		if err != nil {
			return fmt.Errorf("failed to request cancellation: %w", err)
		}
		if !ok {
			return domain.NewRunTransitionError(run.Status, domain.RunStatusCancelling)
		}
		if err := s.recorder.Record(ctx, runID, domain.AuditRunCancelRequested, actor, nil); err != nil {
			log.Printf("ERROR: failed to record run_cancel_requested for %s: %v", runID, err)
		}
		return nil
	default:
		return domain.NewRunTransitionError(run.Status, domain.RunStatusCancelled)
	}
}

func (s *Service) getRun(ctx context.Context, runID string) (*domain.RuleRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrNotFound
	}
	return run, nil
}
