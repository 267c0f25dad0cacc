package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRunInProgress is returned when a second run would start while one is running.
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
	// ErrInvalidTransition is returned when a run is not in the state an update requires.
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// RunStore persists pipeline runs, stage records and per-source fetch times.
type RunStore interface {
	// CreateRun inserts a running run. It fails with ErrRunInProgress when
	// another run is running.
	CreateRun(ctx context.Context, run crawler.PipelineRun) error
	// UpdateRun saves counters, completed stages and errors of a running run.
	UpdateRun(ctx context.Context, run crawler.PipelineRun) error
	// FinishRun moves a running run to completed or failed exactly once.
	FinishRun(ctx context.Context, runID string, status crawler.Status, finishedAt time.Time) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID string) (crawler.PipelineRun, error)
	// LatestRun returns the most recently started run, optionally filtered by status.
	LatestRun(ctx context.Context, status *crawler.Status) (crawler.PipelineRun, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]crawler.PipelineRun, error)

	// UpsertStage writes a stage record. Completed records are never overwritten.
	UpsertStage(ctx context.Context, rec crawler.StageRecord) error
	// ListStages returns the records of one run ordered by stage then category.
	ListStages(ctx context.Context, runID string) ([]crawler.StageRecord, error)
	// LatestCompletedStage returns the newest completed record for (stage,
	// category) across all runs.
	LatestCompletedStage(ctx context.Context, stage crawler.Stage, category string) (crawler.StageRecord, error)

	// RecordSourceFetch stores the last successful fetch time of a source.
	RecordSourceFetch(ctx context.Context, source string, at time.Time) error
	// SourceFetches returns last successful fetch times keyed by source name.
	SourceFetches(ctx context.Context) (map[string]time.Time, error)
}

// CacheStore persists dedup facts.
type CacheStore interface {
	// GetFact returns one fact or ErrNotFound. Expired facts may be returned;
	// callers check expiry.
	GetFact(ctx context.Context, kind crawler.FactKind, key string) (crawler.CacheEntry, error)
	// PutFact inserts or replaces a fact.
	PutFact(ctx context.Context, entry crawler.CacheEntry) error
	// TouchFact updates LastSeen of an existing fact.
	TouchFact(ctx context.Context, kind crawler.FactKind, key string, at time.Time) error
	// DeleteExpired removes facts whose ExpiresAt is not after now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// CountFacts returns live fact counts per kind.
	CountFacts(ctx context.Context, now time.Time) (map[crawler.FactKind]int64, error)
	// ScanKeys calls fn for every live key of kind.
	ScanKeys(ctx context.Context, kind crawler.FactKind, now time.Time, fn func(key string) error) error
}
