package service

import (
	"context"
	"fmt"

	"github.com/priceops/repricer/internal/domain"
)

// RunDetail is one run with its targets and audit history.
type RunDetail struct {
	Run     *domain.RuleRun     `json:"run"`
	Targets []domain.RuleTarget `json:"targets"`
	Events  []domain.AuditEvent `json:"events"`
}

// ListRuns retrieves runs newest first, optionally filtered by status.
func (s *Service) ListRuns(ctx context.Context, status domain.RunStatus, limit, offset int) ([]domain.RuleRun, error) {
	runs, err := s.store.ListRuns(ctx, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GetRunDetail retrieves one run with its targets and audit events.
func (s *Service) GetRunDetail(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	targets, err := s.store.ListTargets(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	events, err := s.store.ListAuditEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return &RunDetail{Run: run, Targets: targets, Events: events}, nil
}
