// Package storetest holds behaviour tests shared by every store.RunStore and
// store.CacheStore implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

var base = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

func newRun(id string, startedAt time.Time) crawler.PipelineRun {
	return crawler.PipelineRun{
		ID:        id,
		StartedAt: startedAt,
		Status:    crawler.StatusRunning,
		Metadata:  crawler.RunMetadata{Mode: crawler.ModeFull, Categories: []string{"policy"}},
	}
}

// RunStore exercises the run lifecycle contract against a fresh store.
func RunStore(t *testing.T, newStore func(t *testing.T) store.RunStore) {
	t.Helper()

	t.Run("lifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.CreateRun(ctx, newRun("r1", base)))
		err := s.CreateRun(ctx, newRun("r2", base.Add(time.Minute)))
		require.ErrorIs(t, err, store.ErrRunInProgress)

		run, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, crawler.StatusRunning, run.Status)
		require.Equal(t, []string{"policy"}, run.Metadata.Categories)

		run.Counters = crawler.RunCounters{Scraped: 10, Filtered: 4}
		run.CompletedStages = []string{"scrape:policy"}
		run.Errors = []crawler.RunError{{Stage: crawler.StageScrape, Source: "s1", Message: "boom", At: base}}
		require.NoError(t, s.UpdateRun(ctx, run))

		running := crawler.StatusRunning
		latest, err := s.LatestRun(ctx, &running)
		require.NoError(t, err)
		require.Equal(t, "r1", latest.ID)
		require.Equal(t, 10, latest.Counters.Scraped)
		require.Equal(t, []string{"scrape:policy"}, latest.CompletedStages)
		require.Len(t, latest.Errors, 1)

		require.NoError(t, s.FinishRun(ctx, "r1", crawler.StatusCompleted, base.Add(time.Hour)))
		err = s.FinishRun(ctx, "r1", crawler.StatusFailed, base.Add(2*time.Hour))
		require.ErrorIs(t, err, store.ErrInvalidTransition)
		require.ErrorIs(t, s.UpdateRun(ctx, run), store.ErrInvalidTransition)

		done, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, crawler.StatusCompleted, done.Status)
		require.NotNil(t, done.FinishedAt)
		require.True(t, done.FinishedAt.Equal(base.Add(time.Hour)))

		_, err = s.LatestRun(ctx, &running)
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.CreateRun(ctx, newRun("r2", base.Add(2*time.Hour))))
		runs, err := s.ListRuns(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		require.Equal(t, "r2", runs[0].ID)

		runs, err = s.ListRuns(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		require.Equal(t, "r1", runs[0].ID)

		_, err = s.GetRun(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
		require.ErrorIs(t, s.FinishRun(ctx, "missing", crawler.StatusFailed, base), store.ErrNotFound)
	})

	t.Run("stages are monotonic", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateRun(ctx, newRun("r1", base)))

		running := crawler.StageRecord{RunID: "r1", Stage: crawler.StageFilter, Category: "policy", Status: crawler.StatusRunning, StartedAt: base}
		require.NoError(t, s.UpsertStage(ctx, running))

		doneAt := base.Add(time.Minute)
		completed := running
		completed.Status = crawler.StatusCompleted
		completed.CompletedAt = &doneAt
		completed.OutputPath = "runs/r1/policy/filtered.json"
		completed.Items = 4
		require.NoError(t, s.UpsertStage(ctx, completed))

		failed := running
		failed.Status = crawler.StatusFailed
		failed.Error = "late failure"
		require.NoError(t, s.UpsertStage(ctx, failed))

		scrape := crawler.StageRecord{RunID: "r1", Stage: crawler.StageScrape, Category: "policy", Status: crawler.StatusCompleted, StartedAt: base, CompletedAt: &doneAt}
		require.NoError(t, s.UpsertStage(ctx, scrape))

		stages, err := s.ListStages(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, stages, 2)
		require.Equal(t, crawler.StageScrape, stages[0].Stage)
		require.Equal(t, crawler.StatusCompleted, stages[1].Status)
		require.Equal(t, "runs/r1/policy/filtered.json", stages[1].OutputPath)
		require.Equal(t, 4, stages[1].Items)
		require.Empty(t, stages[1].Error)
	})

	t.Run("latest completed stage across runs", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.LatestCompletedStage(ctx, crawler.StageFilter, "policy")
		require.ErrorIs(t, err, store.ErrNotFound)

		for i, id := range []string{"r1", "r2"} {
			started := base.Add(time.Duration(i) * time.Hour)
			require.NoError(t, s.CreateRun(ctx, newRun(id, started)))
			doneAt := started.Add(time.Minute)
			require.NoError(t, s.UpsertStage(ctx, crawler.StageRecord{
				RunID: id, Stage: crawler.StageFilter, Category: "policy",
				Status: crawler.StatusCompleted, StartedAt: started, CompletedAt: &doneAt,
				OutputPath: id + "/filtered.json",
			}))
			require.NoError(t, s.FinishRun(ctx, id, crawler.StatusCompleted, doneAt))
		}
		rec, err := s.LatestCompletedStage(ctx, crawler.StageFilter, "policy")
		require.NoError(t, err)
		require.Equal(t, "r2/filtered.json", rec.OutputPath)
	})

	t.Run("source fetches", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.RecordSourceFetch(ctx, "ministry", base))
		require.NoError(t, s.RecordSourceFetch(ctx, "ministry", base.Add(time.Hour)))
		require.NoError(t, s.RecordSourceFetch(ctx, "council", base))

		fetches, err := s.SourceFetches(ctx)
		require.NoError(t, err)
		require.Len(t, fetches, 2)
		require.True(t, fetches["ministry"].Equal(base.Add(time.Hour)))
	})
}

// CacheStore exercises the fact persistence contract against a fresh store.
func CacheStore(t *testing.T, newStore func(t *testing.T) store.CacheStore) {
	t.Helper()

	t.Run("facts", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.GetFact(ctx, crawler.FactURL, "https://example.gov/a")
		require.ErrorIs(t, err, store.ErrNotFound)
		require.ErrorIs(t, s.TouchFact(ctx, crawler.FactURL, "nope", base), store.ErrNotFound)

		live := crawler.CacheEntry{
			Kind: crawler.FactURL, Key: "https://example.gov/a", SourceName: "ministry", Title: "A",
			Origin: "r1|policy", Attempt: "a1", FirstSeen: base, LastSeen: base, ExpiresAt: base.Add(24 * time.Hour),
		}
		expired := crawler.CacheEntry{
			Kind: crawler.FactTitle, Key: "t-old", FirstSeen: base.Add(-48 * time.Hour),
			LastSeen: base.Add(-48 * time.Hour), ExpiresAt: base.Add(-time.Hour),
		}
		require.NoError(t, s.PutFact(ctx, live))
		require.NoError(t, s.PutFact(ctx, expired))

		got, err := s.GetFact(ctx, crawler.FactURL, live.Key)
		require.NoError(t, err)
		require.Equal(t, "r1|policy", got.Origin)
		require.Equal(t, "a1", got.Attempt)
		require.True(t, got.ExpiresAt.Equal(live.ExpiresAt))

		require.NoError(t, s.TouchFact(ctx, crawler.FactURL, live.Key, base.Add(time.Hour)))
		got, err = s.GetFact(ctx, crawler.FactURL, live.Key)
		require.NoError(t, err)
		require.True(t, got.LastSeen.Equal(base.Add(time.Hour)))
		require.True(t, got.FirstSeen.Equal(base), "touch must not move FirstSeen")

		replaced := live
		replaced.Attempt = "a2"
		require.NoError(t, s.PutFact(ctx, replaced))
		got, err = s.GetFact(ctx, crawler.FactURL, live.Key)
		require.NoError(t, err)
		require.Equal(t, "a2", got.Attempt)

		counts, err := s.CountFacts(ctx, base)
		require.NoError(t, err)
		require.Equal(t, int64(1), counts[crawler.FactURL])
		require.Equal(t, int64(0), counts[crawler.FactTitle])

		var keys []string
		require.NoError(t, s.ScanKeys(ctx, crawler.FactURL, base, func(k string) error {
			keys = append(keys, k)
			return nil
		}))
		require.Equal(t, []string{live.Key}, keys)

		n, err := s.DeleteExpired(ctx, base)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		_, err = s.GetFact(ctx, crawler.FactTitle, "t-old")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
