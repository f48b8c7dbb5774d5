// Package audit records immutable, ordered events for every state-changing
// action. The Recorder is an injected dependency so tests can substitute an
// in-memory recorder.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/priceops/repricer/internal/domain"
)

// Recorder appends audit events. Implementations never update or delete
// existing events.
type Recorder interface {
	Record(ctx context.Context, runID string, action domain.AuditAction, actor string, explain any) error
}

// EventWriter is the persistence slice a StoreRecorder needs.
type EventWriter interface {
	CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error
}

// StoreRecorder persists audit events through an EventWriter.
type StoreRecorder struct {
	writer EventWriter
}

// NewStoreRecorder creates a store-backed recorder.
func NewStoreRecorder(writer EventWriter) *StoreRecorder {
	return &StoreRecorder{writer: writer}
}

// Record appends one event.
func (r *StoreRecorder) Record(ctx context.Context, runID string, action domain.AuditAction, actor string, explain any) error {
	event, err := newEvent(runID, action, actor, explain)
	if err != nil {
		return err
	}
	return r.writer.CreateAuditEvent(ctx, event)
}

// MemoryRecorder collects events in memory, for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends one event.
func (r *MemoryRecorder) Record(ctx context.Context, runID string, action domain.AuditAction, actor string, explain any) error {
	event, err := newEvent(runID, action, actor, explain)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

// Events returns recorded events in append order, optionally filtered by run.
func (r *MemoryRecorder) Events(runID string) []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range r.events {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func newEvent(runID string, action domain.AuditAction, actor string, explain any) (*domain.AuditEvent, error) {
	explainJSON, err := json.Marshal(explain)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal explain payload: %w", err)
	}
	return &domain.AuditEvent{
		EventID:   "evt_" + uuid.New().String()[:8],
		RunID:     runID,
		Action:    action,
		Actor:     actor,
		Explain:   explainJSON,
		CreatedAt: time.Now().UTC(),
	}, nil
}
