package service

import (
	"context"
	"errors"
	"log"
	"time"
)

// RunScheduler sweeps for due scheduled runs on a fixed interval and pushes
// them through the normal guarded queue path. Blocks until ctx is done.
func (s *Service) RunScheduler(ctx context.Context) {
	interval := s.config.SchedulerInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepScheduledRuns(ctx)
		}
	}
}

func (s *Service) sweepScheduledRuns(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	due, err := s.store.ListDueScheduledRuns(sweepCtx, time.Now().UTC())
	if err != nil {
		log.Printf("WARN: scheduled run sweep failed: %v", err)
		return
	}

	for _, run := range due {
		if err := s.QueueRun(sweepCtx, run.RunID, "scheduler"); err != nil {
			var blocked *QueueBlockedError
			if errors.As(err, &blocked) {
				log.Printf("WARN: scheduled run %s blocked by guardrail: %s", run.RunID, blocked.Reason)
			} else {
				log.Printf("ERROR: failed to queue scheduled run %s: %v", run.RunID, err)
			}
			continue
		}
		go func(runID string) {
			if err := s.ApplyRun(context.Background(), runID, "scheduler"); err != nil {
				log.Printf("ERROR: scheduled run %s failed to apply: %v", runID, err)
			}
		}(run.RunID)
	}
}
