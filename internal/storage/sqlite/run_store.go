package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

var runColumns = []string{
	"run_id", "started_at", "completed_at", "status",
	"scraped", "filtered", "stored", "sources_failed",
	"completed_stages", "errors", "metadata",
}

var stageColumns = []string{
	"run_id", "stage", "category", "status", "started_at",
	"completed_at", "error", "output_path", "items",
}

// RunStore implements store.RunStore on SQLite.
type RunStore struct {
	db *sql.DB
}

// NewRunStore wraps an opened database.
func NewRunStore(db *sql.DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &RunStore{db: db}, nil
}

// CreateRun inserts a running run.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.PipelineRun) error {
	stages, errs, meta, err := store.EncodeRunFields(run)
	if err != nil {
		return err
	}
	query, args, err := sqlb.Insert("runs").
		Columns("run_id", "started_at", "status", "scraped", "filtered", "stored", "sources_failed",
			"completed_stages", "errors", "metadata").
		Values(run.ID, toNanos(run.StartedAt), string(crawler.StatusRunning),
			run.Counters.Scraped, run.Counters.Filtered, run.Counters.Stored, run.Counters.SourcesFailed,
			string(stages), string(errs), string(meta)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build run insert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	if isUniqueViolation(err, "runs.status") {
		return fmt.Errorf("create run %s: %w", run.ID, store.ErrRunInProgress)
	}
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun saves progress of a running run.
func (s *RunStore) UpdateRun(ctx context.Context, run crawler.PipelineRun) error {
	stages, errs, _, err := store.EncodeRunFields(run)
	if err != nil {
		return err
	}
	query, args, err := sqlb.Update("runs").
		Set("scraped", run.Counters.Scraped).
		Set("filtered", run.Counters.Filtered).
		Set("stored", run.Counters.Stored).
		Set("sources_failed", run.Counters.SourcesFailed).
		Set("completed_stages", string(stages)).
		Set("errors", string(errs)).
		Where(sq.Eq{"run_id": run.ID, "status": string(crawler.StatusRunning)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build run update: %w", err)
	}
	return s.conditional(ctx, run.ID, query, args)
}

// FinishRun moves a running run to a terminal status.
func (s *RunStore) FinishRun(ctx context.Context, runID string, status crawler.Status, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with %s: %w", status, store.ErrInvalidTransition)
	}
	query, args, err := sqlb.Update("runs").
		Set("status", string(status)).
		Set("completed_at", toNanos(finishedAt)).
		Where(sq.Eq{"run_id": runID, "status": string(crawler.StatusRunning)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build run update: %w", err)
	}
	return s.conditional(ctx, runID, query, args)
}

// conditional executes an update guarded by status = 'running' and explains
// a miss.
func (s *RunStore) conditional(ctx context.Context, runID, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load run status: %w", err)
	}
	return fmt.Errorf("run %s is %s: %w", runID, status, store.ErrInvalidTransition)
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.PipelineRun, error) {
	run, err := s.oneRun(ctx, sqlb.Select(runColumns...).From("runs").Where(sq.Eq{"run_id": runID}))
	if errors.Is(err, store.ErrNotFound) {
		return crawler.PipelineRun{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return run, err
}

// LatestRun returns the newest run, optionally filtered by status.
func (s *RunStore) LatestRun(ctx context.Context, status *crawler.Status) (crawler.PipelineRun, error) {
	b := sqlb.Select(runColumns...).From("runs").OrderBy("started_at DESC").Limit(1)
	if status != nil {
		b = b.Where(sq.Eq{"status": string(*status)})
	}
	return s.oneRun(ctx, b)
}

func (s *RunStore) oneRun(ctx context.Context, b sq.SelectBuilder) (crawler.PipelineRun, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return crawler.PipelineRun{}, fmt.Errorf("build run query: %w", err)
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.PipelineRun{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.PipelineRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]crawler.PipelineRun, error) {
	b := sqlb.Select(runColumns...).From("runs").OrderBy("started_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	} else if offset > 0 {
		b = b.Limit(uint64(1<<62))
	}
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build run query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []crawler.PipelineRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// UpsertStage writes a stage record; completed rows are left untouched.
func (s *RunStore) UpsertStage(ctx context.Context, rec crawler.StageRecord) error {
	query := `
		INSERT INTO stage_records (run_id, stage, category, status, started_at, completed_at, error, output_path, items)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, stage, category) DO UPDATE
		SET status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			output_path = excluded.output_path,
			items = excluded.items
		WHERE stage_records.status <> 'completed'`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, string(rec.Stage), rec.Category, string(rec.Status), toNanos(rec.StartedAt),
		nullNanos(rec.CompletedAt), rec.Error, rec.OutputPath, rec.Items,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stage record: %w", err)
	}
	return nil
}

// ListStages returns the records of one run.
func (s *RunStore) ListStages(ctx context.Context, runID string) ([]crawler.StageRecord, error) {
	query, args, err := sqlb.Select(stageColumns...).From("stage_records").Where(sq.Eq{"run_id": runID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.StageRecord
	for rows.Next() {
		rec, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	store.SortStages(out)
	return out, nil
}

// LatestCompletedStage returns the newest completed record for (stage, category).
func (s *RunStore) LatestCompletedStage(ctx context.Context, stage crawler.Stage, category string) (crawler.StageRecord, error) {
	query, args, err := sqlb.Select(stageColumns...).From("stage_records").
		Where(sq.Eq{"stage": string(stage), "category": category, "status": string(crawler.StatusCompleted)}).
		OrderBy("completed_at DESC").Limit(1).ToSql()
	if err != nil {
		return crawler.StageRecord{}, fmt.Errorf("build stage query: %w", err)
	}
	rec, err := scanStage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.StageRecord{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.StageRecord{}, fmt.Errorf("failed to get latest stage: %w", err)
	}
	return rec, nil
}

// RecordSourceFetch keeps the newest successful fetch per source.
func (s *RunStore) RecordSourceFetch(ctx context.Context, source string, at time.Time) error {
	query := `
		INSERT INTO source_fetches (source, last_success_at) VALUES (?, ?)
		ON CONFLICT (source) DO UPDATE
		SET last_success_at = excluded.last_success_at
		WHERE source_fetches.last_success_at < excluded.last_success_at`
	if _, err := s.db.ExecContext(ctx, query, source, toNanos(at)); err != nil {
		return fmt.Errorf("failed to record source fetch: %w", err)
	}
	return nil
}

// SourceFetches returns the last successful fetch per source.
func (s *RunStore) SourceFetches(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, last_success_at FROM source_fetches`)
	if err != nil {
		return nil, fmt.Errorf("failed to list source fetches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			source string
			at     int64
		)
		if err := rows.Scan(&source, &at); err != nil {
			return nil, fmt.Errorf("failed to scan source fetch: %w", err)
		}
		out[source] = fromNanos(at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list source fetches: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (crawler.PipelineRun, error) {
	var (
		run                crawler.PipelineRun
		started            int64
		completed          sql.NullInt64
		status             string
		stages, errs, meta string
	)
	err := row.Scan(
		&run.ID, &started, &completed, &status,
		&run.Counters.Scraped, &run.Counters.Filtered, &run.Counters.Stored, &run.Counters.SourcesFailed,
		&stages, &errs, &meta,
	)
	if err != nil {
		return crawler.PipelineRun{}, err
	}
	run.StartedAt = fromNanos(started)
	run.FinishedAt = fromNullNanos(completed)
	run.Status = crawler.Status(status)
	if err := store.DecodeRunFields(&run, []byte(stages), []byte(errs), []byte(meta)); err != nil {
		return crawler.PipelineRun{}, err
	}
	return run, nil
}

func scanStage(row scanner) (crawler.StageRecord, error) {
	var (
		rec           crawler.StageRecord
		stage, status string
		started       int64
		completed     sql.NullInt64
	)
	err := row.Scan(&rec.RunID, &stage, &rec.Category, &status, &started,
		&completed, &rec.Error, &rec.OutputPath, &rec.Items)
	if err != nil {
		return crawler.StageRecord{}, err
	}
	rec.Stage = crawler.Stage(stage)
	rec.Status = crawler.Status(status)
	rec.StartedAt = fromNanos(started)
	rec.CompletedAt = fromNullNanos(completed)
	return rec, nil
}
