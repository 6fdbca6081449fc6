package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/pkg/pipeline"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists run history in SQLite. It serves the planner's duration
// estimates (pipeline.DurationSource) and can record the event timeline
// (pipeline.EventSink).
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// RunRecord is one persisted aggregator run.
type RunRecord struct {
	RunID        string
	AggregatorID string
	PlanID       string
	Status       pipeline.RunStatus
	Summary      pipeline.RunSummary
	StartedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration
}

// Open opens (or creates) the history database at path and applies pending
// migrations. Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history: database path is required")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// SQLite tolerates a single writer; a small pool avoids lock churn.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("history: create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("history: create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: run migrations: %w", err)
	}
	return nil
}

// SaveRun persists one aggregator result and the durations of its steps.
// Only steps that actually ran contribute duration samples.
func (s *Store) SaveRun(ctx context.Context, res pipeline.AggregatorResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, aggregator_id, plan_id, status, total, succeeded, failed, skipped, cancelled, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID,
		res.AggregatorID,
		res.PlanID,
		string(res.Status),
		res.Summary.Total,
		res.Summary.Succeeded,
		res.Summary.Failed,
		res.Summary.Skipped,
		res.Summary.Cancelled,
		res.StartedAt,
		res.CompletedAt,
		res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("history: insert run %s: %w", res.RunID, err)
	}

	for _, step := range res.Steps {
		if step.StartedAt.IsZero() {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_durations (run_id, step_id, status, attempts, duration_ms, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			res.RunID,
			step.StepID,
			string(step.Status),
			step.Attempts,
			step.Duration.Milliseconds(),
			step.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("history: insert step duration %s: %w", step.StepID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit run %s: %w", res.RunID, err)
	}
	return nil
}

// AverageDuration returns the mean duration of succeeded executions of a
// step. It implements pipeline.DurationSource.
func (s *Store) AverageDuration(ctx context.Context, stepName string) (time.Duration, bool) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms) FROM step_durations
		WHERE step_id = ? AND status = ?`,
		stepName, string(pipeline.StepStatusSucceeded),
	).Scan(&avg)
	if err != nil {
		s.logger.Warn().Err(err).Str("step", stepName).Msg("duration lookup failed")
		return 0, false
	}
	if !avg.Valid {
		return 0, false
	}
	return time.Duration(avg.Float64 * float64(time.Millisecond)), true
}

// Publish records a timeline event. It implements pipeline.EventSink;
// storage failures are logged, never surfaced into execution.
func (s *Store) Publish(ctx context.Context, event pipeline.Event) {
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, step_id, type, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		event.RunID,
		event.StepID,
		string(event.Type),
		event.Level,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", event.RunID).Msg("event persist failed")
	}
}

// RecentRuns returns the most recent runs of an aggregator, newest first.
// An empty aggregatorID returns runs across all aggregators.
func (s *Store) RecentRuns(ctx context.Context, aggregatorID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT run_id, aggregator_id, plan_id, status, total, succeeded, failed, skipped, cancelled, started_at, completed_at, duration_ms
		FROM runs`
	args := []any{}
	if aggregatorID != "" {
		query += " WHERE aggregator_id = ?"
		args = append(args, aggregatorID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status string
		var durationMS int64
		err := rows.Scan(
			&rec.RunID,
			&rec.AggregatorID,
			&rec.PlanID,
			&status,
			&rec.Summary.Total,
			&rec.Summary.Succeeded,
			&rec.Summary.Failed,
			&rec.Summary.Skipped,
			&rec.Summary.Cancelled,
			&rec.StartedAt,
			&rec.CompletedAt,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		rec.Status = pipeline.RunStatus(status)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Events returns the timeline of one run in chronological order.
func (s *Store) Events(ctx context.Context, runID string) ([]pipeline.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, type, level, message, timestamp
		FROM events WHERE run_id = ? ORDER BY timestamp`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query events: %w", err)
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		var ev pipeline.Event
		var stepID sql.NullString
		var eventType string
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &eventType, &ev.Level, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		ev.StepID = stepID.String
		ev.Type = pipeline.EventType(eventType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes runs that completed before the cutoff, along with their
// step durations and events. It returns the number of runs removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE run_id IN (SELECT run_id FROM runs WHERE completed_at < ?)`,
		before,
	); err != nil {
		return 0, fmt.Errorf("history: prune events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM step_durations WHERE run_id IN (SELECT run_id FROM runs WHERE completed_at < ?)`,
		before,
	); err != nil {
		return 0, fmt.Errorf("history: prune step durations: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE completed_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("history: prune runs: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit prune: %w", err)
	}
	return removed, nil
}
