// Package repository defines the storage interface and its SQLite
// implementation.
package repository

import (
	"context"
	"time"

	"github.com/priceops/repricer/internal/domain"
)

// Store is the persistence boundary for rules, runs, targets and audit
// events. Runs and targets are mutated only by the orchestrator and retry
// coordinator; everything else reads.
type Store interface {
	// Rule operations
	CreateRule(ctx context.Context, rule *domain.PriceRule) error
	GetRule(ctx context.Context, ruleID string) (*domain.PriceRule, error)
	ListRules(ctx context.Context) ([]domain.PriceRule, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.RuleRun) error
	GetRun(ctx context.Context, runID string) (*domain.RuleRun, error)
	ListRuns(ctx context.Context, status domain.RunStatus, limit, offset int) ([]domain.RuleRun, error)
	ListDueScheduledRuns(ctx context.Context, now time.Time) ([]domain.RuleRun, error)
	// TransitionRun moves a run from one status to another in a single
	// conditional update. Returns false when the run was not in the expected
	// status, which is how the QUEUED -> APPLYING claim stays single-writer.
	TransitionRun(ctx context.Context, runID string, from, to domain.RunStatus) (bool, error)
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string) error
	SetRunExplain(ctx context.Context, runID string, explain []byte) error

	// Target operations
	CreateTargets(ctx context.Context, targets []domain.RuleTarget) error
	ListTargets(ctx context.Context, runID string) ([]domain.RuleTarget, error)
	ListTargetsByStatus(ctx context.Context, runID string, status domain.TargetStatus) ([]domain.RuleTarget, error)
	UpdateTargetStatus(ctx context.Context, targetID string, status domain.TargetStatus, errorMessage string) error
	// QueueTargets bulk-moves every target in from-status to QUEUED,
	// returning how many rows moved.
	QueueTargets(ctx context.Context, runID string, from domain.TargetStatus) (int64, error)
	CountTargets(ctx context.Context, runID string) (map[domain.TargetStatus]int, error)

	// Audit operations (append-only)
	CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, runID string) ([]domain.AuditEvent, error)

	// Lifecycle
	Close() error
}
