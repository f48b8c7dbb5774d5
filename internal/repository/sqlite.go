package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/priceops/repricer/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS price_rules (
			rule_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			transform TEXT NOT NULL,
			selector_expr TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rule_runs (
			run_id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			status TEXT NOT NULL,
			reverses_run_id TEXT,
			scheduled_for DATETIME,
			started_at DATETIME,
			finished_at DATETIME,
			explain_json TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (rule_id) REFERENCES price_rules(rule_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_runs_status ON rule_runs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS rule_targets (
			target_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			variant_id TEXT,
			before_json TEXT NOT NULL,
			after_json TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES rule_runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_targets_run ON rule_targets(run_id, status)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			explain_json TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES rule_runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events(run_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRule creates a new price rule.
func (s *SQLiteStore) CreateRule(ctx context.Context, rule *domain.PriceRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_rules (rule_id, name, transform, selector_expr, created_at) VALUES (?, ?, ?, ?, ?)`,
		rule.RuleID, rule.Name, string(rule.Transform), rule.SelectorExpr, rule.CreatedAt)
	return err
}

// GetRule retrieves a rule by ID.
func (s *SQLiteStore) GetRule(ctx context.Context, ruleID string) (*domain.PriceRule, error) {
	var rule domain.PriceRule
	var transform string
	err := s.db.QueryRowContext(ctx,
		`SELECT rule_id, name, transform, selector_expr, created_at FROM price_rules WHERE rule_id = ?`,
		ruleID).Scan(&rule.RuleID, &rule.Name, &transform, &rule.SelectorExpr, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rule.Transform = json.RawMessage(transform)
	return &rule, nil
}

// ListRules retrieves all rules, newest first.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]domain.PriceRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, name, transform, selector_expr, created_at FROM price_rules ORDER BY created_at DESC, rule_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.PriceRule
	for rows.Next() {
		var rule domain.PriceRule
		var transform string
		if err := rows.Scan(&rule.RuleID, &rule.Name, &transform, &rule.SelectorExpr, &rule.CreatedAt); err != nil {
			return nil, err
		}
		rule.Transform = json.RawMessage(transform)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.RuleRun) error {
	var reverses sql.NullString
	if run.ReversesRunID != "" {
		reverses = sql.NullString{String: run.ReversesRunID, Valid: true}
	}
	var scheduledFor sql.NullTime
	if run.ScheduledFor != nil {
		scheduledFor = sql.NullTime{Time: *run.ScheduledFor, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_runs (run_id, rule_id, status, reverses_run_id, scheduled_for, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.RuleID, run.Status, reverses, scheduledFor, run.CreatedAt, run.UpdatedAt)
	return err
}

const runColumns = `run_id, rule_id, status, reverses_run_id, scheduled_for, started_at, finished_at, explain_json, error_message, created_at, updated_at`

func scanRun(scan func(dest ...any) error) (*domain.RuleRun, error) {
	var run domain.RuleRun
	var reverses, explain, errMsg sql.NullString
	var scheduledFor, startedAt, finishedAt sql.NullTime
	err := scan(&run.RunID, &run.RuleID, &run.Status, &reverses, &scheduledFor,
		&startedAt, &finishedAt, &explain, &errMsg, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if reverses.Valid {
		run.ReversesRunID = reverses.String
	}
	if scheduledFor.Valid {
		run.ScheduledFor = &scheduledFor.Time
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if explain.Valid {
		run.Explain = json.RawMessage(explain.String)
	}
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RuleRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM rule_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns retrieves runs newest first, optionally filtered by status.
func (s *SQLiteStore) ListRuns(ctx context.Context, status domain.RunStatus, limit, offset int) ([]domain.RuleRun, error) {
	query := `SELECT ` + runColumns + ` FROM rule_runs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, run_id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RuleRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListDueScheduledRuns retrieves PREVIEW runs whose scheduled_for has passed.
func (s *SQLiteStore) ListDueScheduledRuns(ctx context.Context, now time.Time) ([]domain.RuleRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM rule_runs WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?`,
		domain.RunStatusPreview, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RuleRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// TransitionRun conditionally moves a run between statuses. The WHERE clause
// on the current status makes the QUEUED -> APPLYING claim single-writer.
func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, from, to domain.RunStatus) (bool, error) {
	now := time.Now().UTC()
	query := `UPDATE rule_runs SET status = ?, updated_at = ? WHERE run_id = ? AND status = ?`
	args := []interface{}{to, now, runID, from}
	if to == domain.RunStatusApplying {
		query = `UPDATE rule_runs SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?) WHERE run_id = ? AND status = ?`
		args = []interface{}{to, now, now, runID, from}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompleteRun moves a run to a terminal status and stamps finished_at.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string) error {
	now := time.Now().UTC()
	var errMsg sql.NullString
	if errorMessage != "" {
		errMsg = sql.NullString{String: errorMessage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE rule_runs SET status = ?, finished_at = ?, updated_at = ?, error_message = ? WHERE run_id = ?`,
		status, now, now, errMsg, runID)
	return err
}

// SetRunExplain stores the run-level explain document.
func (s *SQLiteStore) SetRunExplain(ctx context.Context, runID string, explain []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rule_runs SET explain_json = ?, updated_at = ? WHERE run_id = ?`,
		string(explain), time.Now().UTC(), runID)
	return err
}

// CreateTargets inserts a batch of targets in one transaction.
func (s *SQLiteStore) CreateTargets(ctx context.Context, targets []domain.RuleTarget) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rule_targets (target_id, run_id, product_id, variant_id, before_json, after_json, status, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range targets {
		before, err := json.Marshal(t.Before)
		if err != nil {
			return err
		}
		after, err := json.Marshal(t.After)
		if err != nil {
			return err
		}
		var variantID, errMsg sql.NullString
		if t.VariantID != "" {
			variantID = sql.NullString{String: t.VariantID, Valid: true}
		}
		if t.ErrorMessage != "" {
			errMsg = sql.NullString{String: t.ErrorMessage, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, t.TargetID, t.RunID, t.ProductID, variantID,
			string(before), string(after), t.Status, errMsg, t.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const targetColumns = `target_id, run_id, product_id, variant_id, before_json, after_json, status, error_message, created_at`

func scanTarget(scan func(dest ...any) error) (*domain.RuleTarget, error) {
	var t domain.RuleTarget
	var variantID, errMsg sql.NullString
	var before, after string
	err := scan(&t.TargetID, &t.RunID, &t.ProductID, &variantID, &before, &after,
		&t.Status, &errMsg, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if variantID.Valid {
		t.VariantID = variantID.String
	}
	if errMsg.Valid {
		t.ErrorMessage = errMsg.String
	}
	if err := json.Unmarshal([]byte(before), &t.Before); err != nil {
		return nil, fmt.Errorf("corrupt before_json for target %s: %w", t.TargetID, err)
	}
	if err := json.Unmarshal([]byte(after), &t.After); err != nil {
		return nil, fmt.Errorf("corrupt after_json for target %s: %w", t.TargetID, err)
	}
	return &t, nil
}

func (s *SQLiteStore) queryTargets(ctx context.Context, query string, args ...interface{}) ([]domain.RuleTarget, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.RuleTarget
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

// ListTargets retrieves every target of a run in creation order.
func (s *SQLiteStore) ListTargets(ctx context.Context, runID string) ([]domain.RuleTarget, error) {
	return s.queryTargets(ctx,
		`SELECT `+targetColumns+` FROM rule_targets WHERE run_id = ? ORDER BY created_at ASC, target_id ASC`, runID)
}

// ListTargetsByStatus retrieves a run's targets in one status.
func (s *SQLiteStore) ListTargetsByStatus(ctx context.Context, runID string, status domain.TargetStatus) ([]domain.RuleTarget, error) {
	return s.queryTargets(ctx,
		`SELECT `+targetColumns+` FROM rule_targets WHERE run_id = ? AND status = ? ORDER BY created_at ASC, target_id ASC`,
		runID, status)
}

// UpdateTargetStatus updates one target's status and error message.
func (s *SQLiteStore) UpdateTargetStatus(ctx context.Context, targetID string, status domain.TargetStatus, errorMessage string) error {
	var errMsg sql.NullString
	if errorMessage != "" {
		errMsg = sql.NullString{String: errorMessage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE rule_targets SET status = ?, error_message = ? WHERE target_id = ?`,
		status, errMsg, targetID)
	return err
}

// QueueTargets bulk-moves every target in from-status to QUEUED and clears
// their error messages.
func (s *SQLiteStore) QueueTargets(ctx context.Context, runID string, from domain.TargetStatus) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rule_targets SET status = ?, error_message = NULL WHERE run_id = ? AND status = ?`,
		domain.TargetStatusQueued, runID, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountTargets returns per-status target counts for a run. Every status is
// present in the map, zero or not.
func (s *SQLiteStore) CountTargets(ctx context.Context, runID string) (map[domain.TargetStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM rule_targets WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TargetStatus]int, len(domain.TargetStatuses))
	for _, status := range domain.TargetStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status domain.TargetStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CreateAuditEvent appends one audit event.
func (s *SQLiteStore) CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, run_id, action, actor, explain_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Action, event.Actor, string(event.Explain), event.CreatedAt)
	return err
}

// ListAuditEvents retrieves a run's audit history in canonical order.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, runID string) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, action, actor, explain_json, created_at FROM audit_events WHERE run_id = ? ORDER BY created_at ASC, event_id ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var explain sql.NullString
		if err := rows.Scan(&e.EventID, &e.RunID, &e.Action, &e.Actor, &explain, &e.CreatedAt); err != nil {
			return nil, err
		}
		if explain.Valid {
			e.Explain = json.RawMessage(explain.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
