// Package domain defines the core domain models for the repricer.
package domain

import "fmt"

// RunStatus represents the lifecycle status of a rule run.
type RunStatus string

const (
	RunStatusPreview    RunStatus = "PREVIEW"
	RunStatusQueued     RunStatus = "QUEUED"
	RunStatusApplying   RunStatus = "APPLYING"
	RunStatusApplied    RunStatus = "APPLIED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusRolledBack RunStatus = "ROLLED_BACK"
	RunStatusCancelling RunStatus = "CANCELLING"
	RunStatusCancelled  RunStatus = "CANCELLED"
)

// runTransitions is the closed transition table for runs. FAILED -> APPLYING
// is the retry edge; APPLIED -> ROLLED_BACK is the only edge out of a
// terminal state.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPreview:    {RunStatusQueued},
	RunStatusQueued:     {RunStatusApplying, RunStatusCancelled},
	RunStatusApplying:   {RunStatusApplied, RunStatusFailed, RunStatusCancelling},
	RunStatusCancelling: {RunStatusCancelled},
	RunStatusFailed:     {RunStatusApplying},
	RunStatusApplied:    {RunStatusRolledBack},
}

// CanTransition reports whether a run may move from one status to another.
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, next := range runTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the run status is terminal. APPLIED counts as
// terminal even though an explicit rollback may still leave it.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusApplied, RunStatusFailed, RunStatusRolledBack, RunStatusCancelled:
		return true
	}
	return false
}

// TargetStatus represents the per-target status within a run.
type TargetStatus string

const (
	TargetStatusPreview    TargetStatus = "PREVIEW"
	TargetStatusQueued     TargetStatus = "QUEUED"
	TargetStatusApplied    TargetStatus = "APPLIED"
	TargetStatusFailed     TargetStatus = "FAILED"
	TargetStatusRolledBack TargetStatus = "ROLLED_BACK"
)

// TargetStatuses lists every target status in a stable order, for count maps.
var TargetStatuses = []TargetStatus{
	TargetStatusPreview,
	TargetStatusQueued,
	TargetStatusApplied,
	TargetStatusFailed,
	TargetStatusRolledBack,
}

var targetTransitions = map[TargetStatus][]TargetStatus{
	TargetStatusPreview: {TargetStatusQueued},
	TargetStatusQueued:  {TargetStatusApplied, TargetStatusFailed},
	TargetStatusFailed:  {TargetStatusQueued},
	TargetStatusApplied: {TargetStatusRolledBack},
}

// CanTransition reports whether a target may move from one status to another.
// FAILED -> QUEUED is the retry edge.
func (s TargetStatus) CanTransition(to TargetStatus) bool {
	for _, next := range targetTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the target status counts toward run completion.
func (s TargetStatus) Terminal() bool {
	switch s {
	case TargetStatusApplied, TargetStatusFailed, TargetStatusRolledBack:
		return true
	}
	return false
}

// TransitionError is returned when a requested status change is not in the
// transition table.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot transition from %s to %s", e.Entity, e.From, e.To)
}

// NewRunTransitionError builds a TransitionError for a run.
func NewRunTransitionError(from, to RunStatus) *TransitionError {
	return &TransitionError{Entity: "run", From: string(from), To: string(to)}
}
