// Package state records planrunner run history in the SQLite journal.
// The plan file stays the source of truth for progress; the journal keeps the
// audit trail of runs, review cycles, fixes, escalations and decisions.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/planrunner/internal/db"
	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/plan"
)

// Run statuses.
const (
	RunRunning     = "running"
	RunComplete    = "complete"
	RunHalted      = "halted"
	RunInterrupted = "interrupted"
	RunFailed      = "failed"
)

// ErrRunNotFound is returned when no run matches an id or prefix.
var ErrRunNotFound = errors.New("run not found")

// State is the journal handle.
type State struct {
	mu sync.Mutex
	db *db.DB
}

// RunRecord is one orchestrator run.
type RunRecord struct {
	ID          string
	PlanRef     string
	Mode        string // run, resume, daemon
	Granularity string
	StartedAt   time.Time
	EndedAt     time.Time
	Status      string
	Summary     string // JSON
	Error       string
}

// CycleRecord is one journaled review cycle.
type CycleRecord struct {
	RunID      string
	Target     string
	Cycle      int
	Clean      bool
	Issues     []ledger.Issue
	Evidence   *plan.Evidence
	RecordedAt time.Time
}

// FixRecord is one journaled fix attempt.
type FixRecord struct {
	RunID      string
	Target     string
	Cycle      int
	Issues     int
	Summary    string
	CommitID   string
	Error      string
	RecordedAt time.Time
}

// EscalationRecord is one journaled escalation.
type EscalationRecord struct {
	RunID     string
	Target    string
	Reason    string
	Cycles    int
	Report    *plan.Escalation
	CreatedAt time.Time
}

// DecisionRecord is one human decision.
type DecisionRecord struct {
	RunID     string
	PlanRef   string
	Target    string
	Decision  plan.Decision
	Source    string // prompt, cli, defer
	Note      string
	DecidedAt time.Time
}

// StatusRecord is one task or milestone transition.
type StatusRecord struct {
	RunID     string
	Target    string
	Status    string
	Detail    string
	ChangedAt time.Time
}

// New wraps an open journal database.
func New(database *db.DB) (*State, error) {
	if database == nil || database.SQL() == nil {
		return nil, errors.New("state: db is nil")
	}
	return &State{db: database}, nil
}

// StartRun inserts a running record and returns its id.
func (s *State) StartRun(planRef, mode, granularity string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.SQL().Exec(
		`INSERT INTO runs (id, plan_ref, mode, granularity, started_at, status) VALUES (?, ?, ?, ?, ?, ?)`,
		id, planRef, mode, granularity, time.Now().UTC(), RunRunning,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun closes a run with a status and a JSON summary.
func (s *State) FinishRun(id, status string, summary any, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summaryJSON sql.NullString
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal run summary: %w", err)
		}
		summaryJSON = sql.NullString{String: string(data), Valid: true}
	}
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	res, err := s.db.SQL().Exec(
		`UPDATE runs SET ended_at = ?, status = ?, summary = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), status, summaryJSON, errText, id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordCycle journals a review cycle.
func (s *State) RecordCycle(runID string, target ledger.Target, cycle int, clean bool, issues []ledger.Issue, evidence *plan.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if issues == nil {
		issues = []ledger.Issue{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	var evidenceJSON sql.NullString
	if evidence != nil {
		data, err := json.Marshal(evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence: %w", err)
		}
		evidenceJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.SQL().Exec(
		`INSERT INTO review_cycles (run_id, target, cycle, clean, issues, evidence, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, target.String(), cycle, clean, string(issuesJSON), evidenceJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert review cycle: %w", err)
	}
	return nil
}

// RecordFix journals a fix attempt.
func (s *State) RecordFix(runID string, target ledger.Target, fix ledger.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.SQL().Exec(
		`INSERT INTO fix_attempts (run_id, target, cycle, issues, summary, commit_id, error, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, target.String(), fix.Cycle, fix.Issues, fix.Summary, fix.CommitID, fix.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fix attempt: %w", err)
	}
	return nil
}

// RecordEscalation journals an escalation report.
func (s *State) RecordEscalation(runID string, report *escalation.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(report.ToPlan())
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	_, err = s.db.SQL().Exec(
		`INSERT INTO escalations (run_id, target, reason, cycles, report, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, report.Target.String(), report.Reason, report.Cycles, string(data), report.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// RecordDecision journals a human decision. RunID may be empty when the
// decision was recorded outside a run.
func (s *State) RecordDecision(rec DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now()
	}
	var runID sql.NullString
	if rec.RunID != "" {
		runID = sql.NullString{String: rec.RunID, Valid: true}
	}
	_, err := s.db.SQL().Exec(
		`INSERT INTO decisions (run_id, plan_ref, target, decision, source, note, decided_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.PlanRef, rec.Target, string(rec.Decision), rec.Source, rec.Note, rec.DecidedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecordStatus journals a task or milestone transition.
func (s *State) RecordStatus(runID, target, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.SQL().Exec(
		`INSERT INTO status_changes (run_id, target, status, detail, changed_at) VALUES (?, ?, ?, ?, ?)`,
		runID, target, status, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first. A limit of zero or less
// returns every run.
func (s *State) Runs(limit int) ([]RunRecord, error) {
	query := `SELECT id, plan_ref, mode, granularity, started_at, ended_at, status, summary, error FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.SQL().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Run finds a run by id or unique id prefix.
func (s *State) Run(idOrPrefix string) (*RunRecord, error) {
	rows, err := s.db.SQL().Query(
		`SELECT id, plan_ref, mode, granularity, started_at, ended_at, status, summary, error FROM runs WHERE id LIKE ? ORDER BY started_at DESC LIMIT 2`,
		strings.ReplaceAll(idOrPrefix, "%", "")+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var found []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, idOrPrefix)
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %q is ambiguous", idOrPrefix)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		rec     RunRecord
		ended   sql.NullTime
		summary sql.NullString
		errText sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.PlanRef, &rec.Mode, &rec.Granularity, &rec.StartedAt, &ended, &rec.Status, &summary, &errText); err != nil {
		return rec, fmt.Errorf("scan run: %w", err)
	}
	if ended.Valid {
		rec.EndedAt = ended.Time
	}
	rec.Summary = summary.String
	rec.Error = errText.String
	return rec, nil
}

// Cycles returns a run's review cycles in the order they were recorded.
func (s *State) Cycles(runID string) ([]CycleRecord, error) {
	rows, err := s.db.SQL().Query(
		`SELECT run_id, target, cycle, clean, issues, evidence, recorded_at FROM review_cycles WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query review cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CycleRecord
	for rows.Next() {
		var (
			rec      CycleRecord
			issues   string
			evidence sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.Target, &rec.Cycle, &rec.Clean, &issues, &evidence, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan review cycle: %w", err)
		}
		if err := json.Unmarshal([]byte(issues), &rec.Issues); err != nil {
			return nil, fmt.Errorf("parse issues: %w", err)
		}
		if evidence.Valid {
			rec.Evidence = &plan.Evidence{}
			if err := json.Unmarshal([]byte(evidence.String), rec.Evidence); err != nil {
				return nil, fmt.Errorf("parse evidence: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Fixes returns a run's fix attempts in the order they were recorded.
func (s *State) Fixes(runID string) ([]FixRecord, error) {
	rows, err := s.db.SQL().Query(
		`SELECT run_id, target, cycle, issues, summary, commit_id, error, recorded_at FROM fix_attempts WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fix attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FixRecord
	for rows.Next() {
		var (
			rec                      FixRecord
			summary, commit, errText sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.Target, &rec.Cycle, &rec.Issues, &summary, &commit, &errText, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan fix attempt: %w", err)
		}
		rec.Summary = summary.String
		rec.CommitID = commit.String
		rec.Error = errText.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Escalations returns a run's escalations.
func (s *State) Escalations(runID string) ([]EscalationRecord, error) {
	rows, err := s.db.SQL().Query(
		`SELECT run_id, target, reason, cycles, report, created_at FROM escalations WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EscalationRecord
	for rows.Next() {
		var (
			rec    EscalationRecord
			report string
		)
		if err := rows.Scan(&rec.RunID, &rec.Target, &rec.Reason, &rec.Cycles, &report, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		rec.Report = &plan.Escalation{}
		if err := json.Unmarshal([]byte(report), rec.Report); err != nil {
			return nil, fmt.Errorf("parse escalation report: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Decisions returns the decisions recorded against a plan, oldest first.
// An empty target returns decisions for every target.
func (s *State) Decisions(planRef, target string) ([]DecisionRecord, error) {
	query := `SELECT run_id, plan_ref, target, decision, source, note, decided_at FROM decisions WHERE plan_ref = ?`
	args := []any{planRef}
	if target != "" {
		query += ` AND target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY id`

	rows, err := s.db.SQL().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DecisionRecord
	for rows.Next() {
		var (
			rec         DecisionRecord
			runID, note sql.NullString
			decision    string
		)
		if err := rows.Scan(&runID, &rec.PlanRef, &rec.Target, &decision, &rec.Source, &note, &rec.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.RunID = runID.String
		rec.Note = note.String
		rec.Decision = plan.Decision(decision)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StatusChanges returns a run's transitions in order.
func (s *State) StatusChanges(runID string) ([]StatusRecord, error) {
	rows, err := s.db.SQL().Query(
		`SELECT run_id, target, status, detail, changed_at FROM status_changes WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query status changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StatusRecord
	for rows.Next() {
		var (
			rec    StatusRecord
			detail sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.Target, &rec.Status, &detail, &rec.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		rec.Detail = detail.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkInterrupted closes runs left in the running state by a process that
// died, and returns how many were closed.
func (s *State) MarkInterrupted(planRef string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.SQL().Exec(
		`UPDATE runs SET status = ?, ended_at = ? WHERE plan_ref = ? AND status = ?`,
		RunInterrupted, time.Now().UTC(), planRef, RunRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
