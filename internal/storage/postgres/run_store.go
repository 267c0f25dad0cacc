package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

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

// RunStore implements store.RunStore on Postgres.
type RunStore struct {
	pool Pool
}

// NewRunStore wraps an existing pool.
func NewRunStore(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// CreateRun inserts a running run. The partial unique index on status
// rejects a second running run.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.PipelineRun) error {
	stages, errs, meta, err := store.EncodeRunFields(run)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO runs (run_id, started_at, status, scraped, filtered, stored, sources_failed,
			completed_stages, errors, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`
	_, err = s.pool.Exec(ctx, query,
		run.ID, run.StartedAt.UTC(), crawler.StatusRunning,
		run.Counters.Scraped, run.Counters.Filtered, run.Counters.Stored, run.Counters.SourcesFailed,
		stages, errs, meta,
	)
	if isUniqueViolation(err, "runs_single_running") {
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
	query := `
		UPDATE runs
		SET scraped = $2, filtered = $3, stored = $4, sources_failed = $5,
			completed_stages = $6, errors = $7
		WHERE run_id = $1 AND status = 'running';
	`
	tag, err := s.pool.Exec(ctx, query,
		run.ID, run.Counters.Scraped, run.Counters.Filtered, run.Counters.Stored, run.Counters.SourcesFailed,
		stages, errs,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, run.ID)
	}
	return nil
}

// FinishRun moves a running run to a terminal status.
func (s *RunStore) FinishRun(ctx context.Context, runID string, status crawler.Status, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with %s: %w", status, store.ErrInvalidTransition)
	}
	query := `
		UPDATE runs
		SET status = $2, completed_at = $3
		WHERE run_id = $1 AND status = 'running';
	`
	tag, err := s.pool.Exec(ctx, query, runID, status, finishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, runID)
	}
	return nil
}

// transitionError explains why a conditional update touched no row.
func (s *RunStore) transitionError(ctx context.Context, runID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1;`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load run status: %w", err)
	}
	return fmt.Errorf("run %s is %s: %w", runID, status, store.ErrInvalidTransition)
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.PipelineRun, error) {
	query, args, err := psql.Select(runColumns...).From("runs").Where(sq.Eq{"run_id": runID}).ToSql()
	if err != nil {
		return crawler.PipelineRun{}, fmt.Errorf("build run query: %w", err)
	}
	run, err := scanRun(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.PipelineRun{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return crawler.PipelineRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// LatestRun returns the newest run, optionally filtered by status.
func (s *RunStore) LatestRun(ctx context.Context, status *crawler.Status) (crawler.PipelineRun, error) {
	b := psql.Select(runColumns...).From("runs").OrderBy("started_at DESC").Limit(1)
	if status != nil {
		b = b.Where(sq.Eq{"status": string(*status)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return crawler.PipelineRun{}, fmt.Errorf("build run query: %w", err)
	}
	run, err := scanRun(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.PipelineRun{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.PipelineRun{}, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]crawler.PipelineRun, error) {
	b := psql.Select(runColumns...).From("runs").OrderBy("started_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build run query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, stage, category) DO UPDATE
		SET status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			output_path = EXCLUDED.output_path,
			items = EXCLUDED.items
		WHERE stage_records.status <> 'completed';
	`
	_, err := s.pool.Exec(ctx, query,
		rec.RunID, rec.Stage, rec.Category, rec.Status, rec.StartedAt.UTC(),
		utcPtr(rec.CompletedAt), rec.Error, rec.OutputPath, rec.Items,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stage record: %w", err)
	}
	return nil
}

// ListStages returns the records of one run.
func (s *RunStore) ListStages(ctx context.Context, runID string) ([]crawler.StageRecord, error) {
	query, args, err := psql.Select(stageColumns...).From("stage_records").Where(sq.Eq{"run_id": runID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stage query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

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
	query, args, err := psql.Select(stageColumns...).From("stage_records").
		Where(sq.Eq{"stage": string(stage), "category": category, "status": string(crawler.StatusCompleted)}).
		OrderBy("completed_at DESC").Limit(1).ToSql()
	if err != nil {
		return crawler.StageRecord{}, fmt.Errorf("build stage query: %w", err)
	}
	rec, err := scanStage(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
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
		INSERT INTO source_fetches (source, last_success_at)
		VALUES ($1, $2)
		ON CONFLICT (source) DO UPDATE
		SET last_success_at = EXCLUDED.last_success_at
		WHERE source_fetches.last_success_at < EXCLUDED.last_success_at;
	`
	if _, err := s.pool.Exec(ctx, query, source, at.UTC()); err != nil {
		return fmt.Errorf("failed to record source fetch: %w", err)
	}
	return nil
}

// SourceFetches returns the last successful fetch per source.
func (s *RunStore) SourceFetches(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, last_success_at FROM source_fetches;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list source fetches: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			source string
			at     time.Time
		)
		if err := rows.Scan(&source, &at); err != nil {
			return nil, fmt.Errorf("failed to scan source fetch: %w", err)
		}
		out[source] = at.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list source fetches: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (crawler.PipelineRun, error) {
	var (
		run                crawler.PipelineRun
		status             string
		stages, errs, meta []byte
	)
	err := row.Scan(
		&run.ID, &run.StartedAt, &run.FinishedAt, &status,
		&run.Counters.Scraped, &run.Counters.Filtered, &run.Counters.Stored, &run.Counters.SourcesFailed,
		&stages, &errs, &meta,
	)
	if err != nil {
		return crawler.PipelineRun{}, err
	}
	run.Status = crawler.Status(status)
	run.StartedAt = run.StartedAt.UTC()
	if err := store.DecodeRunFields(&run, stages, errs, meta); err != nil {
		return crawler.PipelineRun{}, err
	}
	return run, nil
}

func scanStage(row pgx.Row) (crawler.StageRecord, error) {
	var (
		rec           crawler.StageRecord
		stage, status string
	)
	err := row.Scan(&rec.RunID, &stage, &rec.Category, &status, &rec.StartedAt,
		&rec.CompletedAt, &rec.Error, &rec.OutputPath, &rec.Items)
	if err != nil {
		return crawler.StageRecord{}, err
	}
	rec.Stage = crawler.Stage(stage)
	rec.Status = crawler.Status(status)
	return rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
