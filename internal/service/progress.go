package service

import (
	"context"
	"fmt"
	"math"

	"github.com/priceops/repricer/internal/domain"
)

// GetProgress derives the live completion read model for a run. It is
// recomputed on demand and never transitions state. Progress is monotonic
// across polls except for an explicit retry, which re-queues failed targets
// and shows as a visible dip followed by recovery; that is expected
// behavior, not a bug.
func (s *Service) GetProgress(ctx context.Context, runID string) (*domain.Progress, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	counts, err := s.store.CountTargets(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count targets: %w", err)
	}

	total := 0
	completed := 0
	for status, count := range counts {
		total += count
		if status.Terminal() {
			completed += count
		}
	}

	progress := 0
	switch {
	case total > 0:
		progress = int(math.Round(float64(completed) / float64(total) * 100))
	case run.Status.Terminal():
		// An empty run that has finished is fully complete.
		progress = 100
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	return &domain.Progress{
		Status:       run.Status,
		Progress:     progress,
		TargetCounts: counts,
		TotalTargets: total,
		Completed:    completed,
	}, nil
}
