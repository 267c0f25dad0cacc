package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/dedup"
	"github.com/JakeFAU/ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/ingest-crawler/internal/registry"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

// Run executes one pipeline run.
func (a *App) Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error) {
	return a.Pipeline.Run(ctx, opts)
}

// Resume continues the most recent interrupted or failed run.
func (a *App) Resume(ctx context.Context) (pipeline.Summary, error) {
	return a.Pipeline.Resume(ctx)
}

// Status returns a run and its stage records. An empty runID selects the
// newest run.
func (a *App) Status(ctx context.Context, runID string) (crawler.PipelineRun, []crawler.StageRecord, error) {
	var (
		run crawler.PipelineRun
		err error
	)
	if runID == "" {
		run, err = a.Runs.LatestRun(ctx, nil)
	} else {
		run, err = a.Runs.GetRun(ctx, runID)
	}
	if errors.Is(err, store.ErrNotFound) {
		if runID == "" {
			return run, nil, errors.New("no runs recorded yet")
		}
		return run, nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return run, nil, err
	}
	stages, err := a.Runs.ListStages(ctx, run.ID)
	if err != nil {
		return run, nil, fmt.Errorf("list stages: %w", err)
	}
	return run, stages, nil
}

// CacheStats reports duplicate cache contents.
func (a *App) CacheStats(ctx context.Context) (dedup.Stats, error) {
	return a.Dedup.Stats(ctx)
}

// Sweep deletes expired cache facts.
func (a *App) Sweep(ctx context.Context) (int64, error) {
	return a.Dedup.Sweep(ctx)
}

// Sources lists every registered source.
func (a *App) Sources() []crawler.Source {
	return a.Registry.Sources()
}

// SourceSummary counts sources per category.
func (a *App) SourceSummary() []registry.Summary {
	return a.Registry.Summarize()
}

// SetSourcesEnabled toggles matching sources and writes the registry back to
// its file.
func (a *App) SetSourcesEnabled(by, value string, enabled bool) (int, error) {
	n, err := a.Registry.SetEnabled(by, value, enabled)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := a.Registry.Save(a.cfg.Registry.Path); err != nil {
		return n, fmt.Errorf("save registry: %w", err)
	}
	return n, nil
}
