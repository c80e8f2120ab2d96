// Package store persists runs, phases, teams, tasks, and the event log to
// SQLite. It is the system of record the status and replay commands read;
// the state machine writes through it as runs progress.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/foreman/internal/events"
	"github.com/harrison/foreman/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Store manages the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and applies the
// schema. Pass ":memory:" for an ephemeral store.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout first so the rest waits on locks instead of failing.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// execWithRetry retries a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := db.Exec(stmt); err == nil {
			return nil
		} else if !strings.Contains(err.Error(), "database is locked") {
			return err
		} else {
			lastErr = err
		}
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveIssue inserts or updates an issue.
func (s *Store) SaveIssue(ctx context.Context, issue *models.Issue) error {
	query := `INSERT INTO issues (id, title, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, body = excluded.body,
			status = excluded.status, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		issue.ID, issue.Title, issue.Body, string(issue.Status), issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save issue %s: %w", issue.ID, err)
	}
	return nil
}

// GetIssue loads one issue by ID.
func (s *Store) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	query := `SELECT id, title, body, status, created_at, updated_at FROM issues WHERE id = ?`
	var issue models.Issue
	var status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&issue.ID, &issue.Title, &issue.Body, &status, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", id, err)
	}
	issue.Status = models.IssueStatus(status)
	return &issue, nil
}

// CreateRun inserts a new run record.
func (s *Store) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	query := `INSERT INTO runs
		(id, issue_id, status, phase_count, current_phase, iteration, branch, pr_number, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.IssueID, string(run.Status), run.PhaseCount, run.CurrentPhase,
		run.Iteration, run.Branch, run.PRNumber, run.Error,
		run.StartedAt, run.CompletedAt, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun rewrites a run's mutable fields.
func (s *Store) UpdateRun(ctx context.Context, run *models.PipelineRun) error {
	query := `UPDATE runs SET
		status = ?, current_phase = ?, iteration = ?, branch = ?,
		pr_number = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(run.Status), run.CurrentPhase, run.Iteration, run.Branch,
		run.PRNumber, run.Error, run.StartedAt, run.CompletedAt, run.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: not found", run.ID)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	query := `SELECT id, issue_id, status, phase_count, current_phase, iteration,
		branch, pr_number, error, started_at, completed_at, created_at
		FROM runs WHERE id = ?`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest-first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status models.RunStatus, limit int) ([]*models.PipelineRun, error) {
	query := `SELECT id, issue_id, status, phase_count, current_phase, iteration,
		branch, pr_number, error, started_at, completed_at, created_at
		FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.PipelineRun, error) {
	var run models.PipelineRun
	var status string
	err := row.Scan(&run.ID, &run.IssueID, &status, &run.PhaseCount, &run.CurrentPhase,
		&run.Iteration, &run.Branch, &run.PRNumber, &run.Error,
		&run.StartedAt, &run.CompletedAt, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	return &run, nil
}

// SavePhase inserts or updates one phase record.
func (s *Store) SavePhase(ctx context.Context, phase *models.PipelinePhase) error {
	query := `INSERT INTO phases
		(run_id, number, name, status, iteration, max_iterations, requires_team,
		 requires_review, review_outcome, finding_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, number) DO UPDATE SET
			status = excluded.status, iteration = excluded.iteration,
			review_outcome = excluded.review_outcome, finding_count = excluded.finding_count,
			error = excluded.error, started_at = excluded.started_at,
			completed_at = excluded.completed_at`
	_, err := s.db.ExecContext(ctx, query,
		phase.RunID, phase.Number, phase.Name, string(phase.Status),
		phase.Iteration, phase.MaxIterations, phase.RequiresTeam, phase.RequiresReview,
		string(phase.Review), phase.FindingCount, phase.Error,
		phase.StartedAt, phase.CompletedAt)
	if err != nil {
		return fmt.Errorf("save phase %d of run %s: %w", phase.Number, phase.RunID, err)
	}
	return nil
}

// PhasesForRun returns a run's phases in execution order.
func (s *Store) PhasesForRun(ctx context.Context, runID string) ([]*models.PipelinePhase, error) {
	query := `SELECT run_id, number, name, status, iteration, max_iterations,
		requires_team, requires_review, review_outcome, finding_count, error,
		started_at, completed_at
		FROM phases WHERE run_id = ? ORDER BY number`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("phases for run %s: %w", runID, err)
	}
	defer rows.Close()

	var phases []*models.PipelinePhase
	for rows.Next() {
		var p models.PipelinePhase
		var status, review string
		if err := rows.Scan(&p.RunID, &p.Number, &p.Name, &status, &p.Iteration,
			&p.MaxIterations, &p.RequiresTeam, &p.RequiresReview, &review,
			&p.FindingCount, &p.Error, &p.StartedAt, &p.CompletedAt); err != nil {
			return nil, fmt.Errorf("phases for run %s: %w", runID, err)
		}
		p.Status = models.PhaseStatus(status)
		p.Review = models.ReviewOutcome(review)
		phases = append(phases, &p)
	}
	return phases, rows.Err()
}

// SaveTeam inserts a team record.
func (s *Store) SaveTeam(ctx context.Context, team *models.AgentTeam) error {
	query := `INSERT INTO teams (id, run_id, phase, strategy, isolation, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		team.ID, team.RunID, team.PhaseNumber, string(team.Strategy),
		string(team.Isolation), team.PlanSummary, team.CreatedAt)
	if err != nil {
		return fmt.Errorf("save team %s: %w", team.ID, err)
	}
	return nil
}

// SaveTasks inserts or updates a batch of tasks inside one transaction.
// Re-planned tasks keep their IDs, so conflicts replace the whole row.
func (s *Store) SaveTasks(ctx context.Context, tasks []models.AgentTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO tasks
		(id, team_id, name, description, role, wave, depends_on, optional, status, branch, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			team_id = excluded.team_id, name = excluded.name,
			description = excluded.description, role = excluded.role,
			wave = excluded.wave, depends_on = excluded.depends_on,
			optional = excluded.optional, status = excluded.status,
			branch = excluded.branch, error = excluded.error,
			started_at = excluded.started_at, completed_at = excluded.completed_at`
	for _, task := range tasks {
		deps, err := json.Marshal(task.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal dependencies of %s: %w", task.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query,
			task.ID, task.TeamID, task.Name, task.Description, string(task.Role),
			task.Wave, string(deps), task.Optional, string(task.Status),
			task.Branch, task.Error, task.StartedAt, task.CompletedAt); err != nil {
			return fmt.Errorf("save task %s: %w", task.ID, err)
		}
	}
	return tx.Commit()
}

// TasksForTeam returns a team's tasks ordered by wave, then ID.
func (s *Store) TasksForTeam(ctx context.Context, teamID string) ([]models.AgentTask, error) {
	query := `SELECT id, team_id, name, description, role, wave, depends_on,
		optional, status, branch, error, started_at, completed_at
		FROM tasks WHERE team_id = ? ORDER BY wave, id`
	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("tasks for team %s: %w", teamID, err)
	}
	defer rows.Close()

	var tasks []models.AgentTask
	for rows.Next() {
		var task models.AgentTask
		var role, status, deps string
		if err := rows.Scan(&task.ID, &task.TeamID, &task.Name, &task.Description,
			&role, &task.Wave, &deps, &task.Optional, &status, &task.Branch,
			&task.Error, &task.StartedAt, &task.CompletedAt); err != nil {
			return nil, fmt.Errorf("tasks for team %s: %w", teamID, err)
		}
		task.Role = models.AgentRole(role)
		task.Status = models.TaskStatus(status)
		if deps != "" && deps != "null" {
			if err := json.Unmarshal([]byte(deps), &task.DependsOn); err != nil {
				return nil, fmt.Errorf("dependencies of %s: %w", task.ID, err)
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// AppendEvent records one event. Redelivery of the same event ID is a no-op,
// which keeps the log exactly-once under at-least-once publishing.
func (s *Store) AppendEvent(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	query := `INSERT INTO events (id, run_id, type, created_at, payload)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query,
		e.ID, e.RunID, string(e.Type), e.Time, string(payload)); err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

// EventsForRun returns a run's events in append order.
func (s *Store) EventsForRun(ctx context.Context, runID string) ([]events.Event, error) {
	query := `SELECT payload FROM events WHERE run_id = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("events for run %s: %w", runID, err)
		}
		var e events.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode event for run %s: %w", runID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sink adapts the store into an events.Sink so the event log persists as a
// side effect of publishing.
type Sink struct {
	store *Store
}

// NewSink wraps the store as an event sink.
func NewSink(s *Store) *Sink { return &Sink{store: s} }

// Publish implements events.Sink.
func (s *Sink) Publish(e events.Event) error {
	return s.store.AppendEvent(context.Background(), e)
}
