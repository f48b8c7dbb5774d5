package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/priceops/repricer/config"
	"github.com/priceops/repricer/internal/audit"
	"github.com/priceops/repricer/internal/connector"
	"github.com/priceops/repricer/internal/domain"
	"github.com/priceops/repricer/internal/repository"
	"github.com/priceops/repricer/internal/selector"
	"github.com/priceops/repricer/policy"
	"github.com/priceops/repricer/tests/helpers"
)

type testEnv struct {
	svc      *Service
	store    *repository.SQLiteStore
	conn     *connector.MemoryConnector
	recorder *audit.MemoryRecorder
	catalog  *selector.MemoryCatalog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := helpers.NewTestSQLiteStore(t)
	catalog := selector.NewMemoryCatalog(
		selector.Product{
			ProductID: "prod_1",
			SKU:       "HAT-1",
			Vendor:    "acme",
			Tags:      []string{"sale"},
			Price:     domain.PriceSnapshot{UnitAmount: 1000, Currency: "USD"},
		},
		selector.Product{
			ProductID: "prod_2",
			VariantID: "v1",
			SKU:       "MUG-1",
			Vendor:    "acme",
			Price:     domain.PriceSnapshot{UnitAmount: 2000, Currency: "USD"},
		},
		selector.Product{
			ProductID: "prod_3",
			SKU:       "PEN-1",
			Vendor:    "other",
			Price:     domain.PriceSnapshot{UnitAmount: 3000, Currency: "USD"},
		},
	)
	sel, err := selector.NewCELSelector(catalog)
	if err != nil {
		t.Fatalf("NewCELSelector failed: %v", err)
	}
	policyEngine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	conn := connector.NewMemoryConnector()
	recorder := audit.NewMemoryRecorder()
	cfg := &config.Config{PushConcurrency: 2, MaxChangePct: 50, SchedulerInterval: time.Second}

	return &testEnv{
		svc:      New(db, sel, catalog, conn, recorder, policyEngine, cfg),
		store:    db,
		conn:     conn,
		recorder: recorder,
		catalog:  catalog,
	}
}

// materializeRun creates a rule and a PREVIEW run for it.
func (env *testEnv) materializeRun(t *testing.T, transform, selectorExpr string) *domain.RuleRun {
	t.Helper()

	rule, err := env.svc.CreateRule(context.Background(), "test rule", json.RawMessage(transform), selectorExpr)
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	run, err := env.svc.CreateRun(context.Background(), rule.RuleID, nil, "tester")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func (env *testEnv) auditActions(runID string) []domain.AuditAction {
	var actions []domain.AuditAction
	for _, e := range env.recorder.Events(runID) {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestFullRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	if run.Status != domain.RunStatusPreview {
		t.Fatalf("expected PREVIEW, got %s", run.Status)
	}

	targets, err := env.store.ListTargets(ctx, run.RunID)
	if err != nil {
		t.Fatalf("ListTargets failed: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	for _, target := range targets {
		if target.Status != domain.TargetStatusPreview {
			t.Fatalf("expected PREVIEW target, got %s", target.Status)
		}
	}

	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.ApplyRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	final, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if final.Status != domain.RunStatusApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Fatal("expected started_at and finished_at to be stamped")
	}

	price, ok := env.conn.Price("prod_1", "")
	if !ok || price.UnitAmount != 900 {
		t.Fatalf("expected prod_1 pushed at 900, got %+v", price)
	}
	price, ok = env.conn.Price("prod_2", "v1")
	if !ok || price.UnitAmount != 1800 {
		t.Fatalf("expected prod_2:v1 pushed at 1800, got %+v", price)
	}

	want := []domain.AuditAction{
		domain.AuditRunMaterialized,
		domain.AuditRunQueued,
		domain.AuditApplyStarted,
		domain.AuditApplyFinished,
	}
	got := env.auditActions(run.RunID)
	if len(got) != len(want) {
		t.Fatalf("expected %d audit events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPartialFailureKeepsSuccesses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	env.conn.FailNext("prod_1", "", "rate limited")

	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.ApplyRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	final, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.ErrorMessage != "1 target(s) failed" {
		t.Fatalf("unexpected error message: %q", final.ErrorMessage)
	}

	// The other target's push stands; partial failure never rolls back work.
	price, ok := env.conn.Price("prod_2", "v1")
	if !ok || price.UnitAmount != 1800 {
		t.Fatalf("expected prod_2:v1 pushed at 1800, got %+v", price)
	}

	failed, err := env.store.ListTargetsByStatus(ctx, run.RunID, domain.TargetStatusFailed)
	if err != nil {
		t.Fatalf("ListTargetsByStatus failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ProductID != "prod_1" {
		t.Fatalf("unexpected failed targets: %+v", failed)
	}
	if failed[0].ErrorMessage != "rate limited" {
		t.Fatalf("expected connector message on target, got %q", failed[0].ErrorMessage)
	}
}

func TestQueueBlockedByGuardrail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-60}`, `product.vendor == 'acme'`)

	err := env.svc.QueueRun(ctx, run.RunID, "tester")
	var blocked *QueueBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected QueueBlockedError, got %v", err)
	}

	got, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusPreview {
		t.Fatalf("blocked run should stay PREVIEW, got %s", got.Status)
	}

	actions := env.auditActions(run.RunID)
	if len(actions) != 2 || actions[1] != domain.AuditRunQueueBlocked {
		t.Fatalf("expected run_queue_blocked recorded, got %v", actions)
	}
}

func TestApplyClaimIsSingleWriter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.ApplyRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	err := env.svc.ApplyRun(ctx, run.RunID, "tester")
	var tErr *domain.TransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransitionError on second apply, got %v", err)
	}

	// The first pass pushed each target exactly once.
	if pushes := env.conn.Pushes(); len(pushes) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(pushes))
	}
}

func TestCancelQueuedRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.CancelRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	got, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if pushes := env.conn.Pushes(); len(pushes) != 0 {
		t.Fatalf("cancelled run must not push, got %d pushes", len(pushes))
	}

	// A cancelled run cannot be applied.
	err = env.svc.ApplyRun(ctx, run.RunID, "tester")
	var tErr *domain.TransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestCancelPreviewRejected(t *testing.T) {
	env := newTestEnv(t)

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'acme'`)
	err := env.svc.CancelRun(context.Background(), run.RunID, "tester")
	var tErr *domain.TransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestApplyFaultBeforeLoopFailsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A rule with a corrupt transform slipped in behind the service's
	// validation. The fault surfaces after the QUEUED -> APPLYING claim, and
	// the run must still reach a terminal status.
	now := time.Now().UTC()
	if err := env.store.CreateRule(ctx, &domain.PriceRule{
		RuleID:       "rule_corrupt",
		Name:         "corrupt",
		Transform:    json.RawMessage(`{"op":"bogus"}`),
		SelectorExpr: "true",
		CreatedAt:    now,
	}); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if err := env.store.CreateRun(ctx, &domain.RuleRun{
		RunID: "run_corrupt", RuleID: "rule_corrupt", Status: domain.RunStatusQueued,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := env.store.CreateTargets(ctx, []domain.RuleTarget{{
		TargetID: "tgt_corrupt", RunID: "run_corrupt", ProductID: "prod_1",
		Before: domain.PriceSnapshot{UnitAmount: 1000, Currency: "USD"},
		After:  domain.PriceSnapshot{UnitAmount: 900, Currency: "USD"},
		Status: domain.TargetStatusQueued, CreatedAt: now,
	}}); err != nil {
		t.Fatalf("CreateTargets failed: %v", err)
	}

	if err := env.svc.ApplyRun(ctx, "run_corrupt", "tester"); err == nil {
		t.Fatal("expected an error from ApplyRun")
	}

	run, err := env.store.GetRun(ctx, "run_corrupt")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if !strings.HasPrefix(run.ErrorMessage, "system error: ") {
		t.Fatalf("expected system error message, got %q", run.ErrorMessage)
	}
	if run.FinishedAt == nil {
		t.Fatal("expected finished_at to be stamped")
	}
	if pushes := env.conn.Pushes(); len(pushes) != 0 {
		t.Fatalf("expected no pushes, got %d", len(pushes))
	}
}

// countingRunReader records how many times the apply loop re-reads its run.
type countingRunReader struct {
	calls int
	run   *domain.RuleRun
}

func (r *countingRunReader) GetRun(ctx context.Context, runID string) (*domain.RuleRun, error) {
	r.calls++
	return r.run, nil
}

func TestCancelWatcherThrottlesStoreReads(t *testing.T) {
	reader := &countingRunReader{run: &domain.RuleRun{RunID: "run_1", Status: domain.RunStatusApplying}}
	watch := &cancelWatcher{store: reader, runID: "run_1"}

	for i := 0; i < 5; i++ {
		cancelled, err := watch.requested(context.Background())
		if err != nil {
			t.Fatalf("requested failed: %v", err)
		}
		if cancelled {
			t.Fatal("run is APPLYING, expected not cancelled")
		}
	}
	if reader.calls != 1 {
		t.Fatalf("expected 1 store read within the poll interval, got %d", reader.calls)
	}
}

func TestCancelWatcherObservesCancellation(t *testing.T) {
	reader := &countingRunReader{run: &domain.RuleRun{RunID: "run_1", Status: domain.RunStatusCancelling}}
	watch := &cancelWatcher{store: reader, runID: "run_1"}

	cancelled, err := watch.requested(context.Background())
	if err != nil {
		t.Fatalf("requested failed: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancellation to be observed on the first read")
	}

	// Once observed, the answer is cached without further store reads.
	cancelled, err = watch.requested(context.Background())
	if err != nil {
		t.Fatalf("requested failed: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancellation to stay observed")
	}
	if reader.calls != 1 {
		t.Fatalf("expected 1 store read, got %d", reader.calls)
	}
}

func TestEmptyMatchSetApplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.materializeRun(t, `{"op":"percent","value":-10}`, `product.vendor == 'nobody'`)
	if err := env.svc.QueueRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("QueueRun failed: %v", err)
	}
	if err := env.svc.ApplyRun(ctx, run.RunID, "tester"); err != nil {
		t.Fatalf("ApplyRun failed: %v", err)
	}

	got, err := env.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusApplied {
		t.Fatalf("expected APPLIED for empty run, got %s", got.Status)
	}
}
