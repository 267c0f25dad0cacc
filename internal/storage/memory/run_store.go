package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/keylock"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

// RunStore keeps runs, stage records and source fetch times in memory.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]crawler.PipelineRun
	order []string

	stageLocks keylock.Set
	stages     sync.Map // StageRecord.Key() -> crawler.StageRecord

	fetchMu sync.RWMutex
	fetches map[string]time.Time
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:    make(map[string]crawler.PipelineRun),
		fetches: make(map[string]time.Time),
	}
}

// CreateRun stores a new running run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	for _, existing := range s.runs {
		if existing.Status == crawler.StatusRunning {
			return fmt.Errorf("%w: %s", store.ErrRunInProgress, existing.ID)
		}
	}
	run.Status = crawler.StatusRunning
	run.FinishedAt = nil
	s.runs[run.ID] = cloneRun(run)
	s.order = append(s.order, run.ID)
	return nil
}

// UpdateRun saves the mutable progress fields of a running run.
func (s *RunStore) UpdateRun(_ context.Context, run crawler.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, store.ErrNotFound)
	}
	if existing.Status != crawler.StatusRunning {
		return fmt.Errorf("update %s run %s: %w", existing.Status, run.ID, store.ErrInvalidTransition)
	}
	existing.Counters = run.Counters
	existing.CompletedStages = append([]string(nil), run.CompletedStages...)
	existing.Errors = append([]crawler.RunError(nil), run.Errors...)
	s.runs[run.ID] = existing
	return nil
}

// FinishRun moves a running run to a terminal status.
func (s *RunStore) FinishRun(_ context.Context, runID string, status crawler.Status, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with %s: %w", status, store.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.Status != crawler.StatusRunning {
		return fmt.Errorf("finish %s run %s: %w", run.Status, runID, store.ErrInvalidTransition)
	}
	run.Status = status
	ts := finishedAt.UTC()
	run.FinishedAt = &ts
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.PipelineRun{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return cloneRun(run), nil
}

// LatestRun returns the newest run, optionally with the given status.
func (s *RunStore) LatestRun(_ context.Context, status *crawler.Status) (crawler.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.sortedLocked() {
		if status == nil || run.Status == *status {
			return cloneRun(run), nil
		}
	}
	return crawler.PipelineRun{}, store.ErrNotFound
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]crawler.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sorted := s.sortedLocked()
	if offset >= len(sorted) {
		return []crawler.PipelineRun{}, nil
	}
	sorted = sorted[offset:]
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	out := make([]crawler.PipelineRun, len(sorted))
	for i, r := range sorted {
		out[i] = cloneRun(r)
	}
	return out, nil
}

// sortedLocked orders runs by start time, newest first, breaking ties by
// insertion order.
func (s *RunStore) sortedLocked() []crawler.PipelineRun {
	out := make([]crawler.PipelineRun, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.runs[s.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// UpsertStage writes a stage record unless a completed one already exists.
func (s *RunStore) UpsertStage(_ context.Context, rec crawler.StageRecord) error {
	key := rec.Key()
	unlock := s.stageLocks.Lock(key)
	defer unlock()
	if existing, ok := s.stages.Load(key); ok && existing.(crawler.StageRecord).Status == crawler.StatusCompleted {
		return nil
	}
	s.stages.Store(key, rec)
	return nil
}

// ListStages returns the records of one run in stage then category order.
func (s *RunStore) ListStages(_ context.Context, runID string) ([]crawler.StageRecord, error) {
	var out []crawler.StageRecord
	s.stages.Range(func(_, v any) bool {
		if rec := v.(crawler.StageRecord); rec.RunID == runID {
			out = append(out, rec)
		}
		return true
	})
	store.SortStages(out)
	return out, nil
}

// LatestCompletedStage finds the newest completed record across runs.
func (s *RunStore) LatestCompletedStage(_ context.Context, stage crawler.Stage, category string) (crawler.StageRecord, error) {
	var best crawler.StageRecord
	found := false
	s.stages.Range(func(_, v any) bool {
		rec := v.(crawler.StageRecord)
		if rec.Stage != stage || rec.Category != category || rec.Status != crawler.StatusCompleted || rec.CompletedAt == nil {
			return true
		}
		if !found || rec.CompletedAt.After(*best.CompletedAt) {
			best, found = rec, true
		}
		return true
	})
	if !found {
		return crawler.StageRecord{}, store.ErrNotFound
	}
	return best, nil
}

// RecordSourceFetch stores the last successful fetch of a source.
func (s *RunStore) RecordSourceFetch(_ context.Context, source string, at time.Time) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if prev, ok := s.fetches[source]; !ok || at.After(prev) {
		s.fetches[source] = at.UTC()
	}
	return nil
}

// SourceFetches returns a copy of the last successful fetch times.
func (s *RunStore) SourceFetches(_ context.Context) (map[string]time.Time, error) {
	s.fetchMu.RLock()
	defer s.fetchMu.RUnlock()
	out := make(map[string]time.Time, len(s.fetches))
	for k, v := range s.fetches {
		out[k] = v
	}
	return out, nil
}

func cloneRun(r crawler.PipelineRun) crawler.PipelineRun {
	r.CompletedStages = append([]string(nil), r.CompletedStages...)
	r.Errors = append([]crawler.RunError(nil), r.Errors...)
	r.Metadata.Categories = append([]string(nil), r.Metadata.Categories...)
	r.Metadata.Stages = append([]crawler.Stage(nil), r.Metadata.Stages...)
	if r.FinishedAt != nil {
		ts := *r.FinishedAt
		r.FinishedAt = &ts
	}
	return r
}
