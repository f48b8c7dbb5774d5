package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by services when a rule, run or target does not exist.
var ErrNotFound = errors.New("not found")

// PriceSnapshot is a price at a point in time, in minor currency units.
// Snapshots are never mutated, only superseded.
type PriceSnapshot struct {
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	CompareAt  *int64 `json:"compare_at,omitempty"`
}

// PriceRule is an operator-defined pricing rule: a transform plus a CEL
// selector expression deciding which products it applies to.
type PriceRule struct {
	RuleID       string          `json:"rule_id"`
	Name         string          `json:"name"`
	Transform    json.RawMessage `json:"transform"`
	SelectorExpr string          `json:"selector_expr"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RuleRun is one execution attempt of a rule across a batch of targets.
// ReversesRunID is set on rollback runs and points at the run being reversed.
type RuleRun struct {
	RunID         string          `json:"run_id"`
	RuleID        string          `json:"rule_id"`
	Status        RunStatus       `json:"status"`
	ReversesRunID string          `json:"reverses_run_id,omitempty"`
	ScheduledFor  *time.Time      `json:"scheduled_for,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Explain       json.RawMessage `json:"explain,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RuleTarget is one product/variant within a run. Before and After are frozen
// once the target reaches APPLIED; rollbacks append new records on a
// reversing run instead of rewriting them.
type RuleTarget struct {
	TargetID     string        `json:"target_id"`
	RunID        string        `json:"run_id"`
	ProductID    string        `json:"product_id"`
	VariantID    string        `json:"variant_id,omitempty"`
	Before       PriceSnapshot `json:"before"`
	After        PriceSnapshot `json:"after"`
	Status       TargetStatus  `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SKU identifies the underlying stock unit a target addresses. Two targets
// with the same SKU must never be pushed concurrently.
func (t *RuleTarget) SKU() string {
	if t.VariantID != "" {
		return t.ProductID + ":" + t.VariantID
	}
	return t.ProductID
}

// AuditAction names a state-changing action recorded in the audit log.
type AuditAction string

const (
	AuditRunMaterialized    AuditAction = "run_materialized"
	AuditRunQueued          AuditAction = "run_queued"
	AuditRunQueueBlocked    AuditAction = "run_queue_blocked"
	AuditApplyStarted       AuditAction = "apply_started"
	AuditApplyFinished      AuditAction = "apply_finished"
	AuditRetryRequested     AuditAction = "retry_requested"
	AuditRollbackStarted    AuditAction = "rollback_started"
	AuditRollbackFinished   AuditAction = "rollback_finished"
	AuditRollbackPartial    AuditAction = "rollback_partial"
	AuditRunCancelRequested AuditAction = "run_cancel_requested"
	AuditRunCancelled       AuditAction = "run_cancelled"
)

// AuditEvent is an immutable entry in a run's history. Ordering by CreatedAt
// is the canonical history.
type AuditEvent struct {
	EventID   string          `json:"event_id"`
	RunID     string          `json:"run_id"`
	Action    AuditAction     `json:"action"`
	Actor     string          `json:"actor"`
	Explain   json.RawMessage `json:"explain,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ProductRef identifies one product/variant matched by a selector.
type ProductRef struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

// Progress is the derived read model for a run's completion.
type Progress struct {
	Status       RunStatus            `json:"status"`
	Progress     int                  `json:"progress"`
	TargetCounts map[TargetStatus]int `json:"target_counts"`
	TotalTargets int                  `json:"total_targets"`
	Completed    int                  `json:"completed"`
}
