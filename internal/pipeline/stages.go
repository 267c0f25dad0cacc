package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/artifacts"
	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/dedup"
	"github.com/JakeFAU/ingest-crawler/internal/downstream/index"
	"github.com/JakeFAU/ingest-crawler/internal/logging"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
	"github.com/JakeFAU/ingest-crawler/internal/store"
	"github.com/JakeFAU/ingest-crawler/internal/worker"
)

// BatchReady is the notification published once a category is stored.
type BatchReady struct {
	RunID    string    `json:"run_id"`
	Category string    `json:"category"`
	Path     string    `json:"path"`
	Items    int       `json:"items"`
	Indexed  int       `json:"indexed"`
	At       time.Time `json:"at"`
}

func stageMetrics(stage crawler.Stage, status crawler.Status, dur time.Duration) {
	metrics.ObserveStage(string(stage), string(status), dur)
}

// interruption turns a downstream error caused by cancellation into
// ErrInterrupted so the stage stays resumable.
func interruption(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return err
}

// selectSources applies incremental skipping to the enabled sources of a
// category and orders them by priority. Sources of equal priority keep their
// catalog order.
func (p *Pipeline) selectSources(ctx context.Context, category string, incremental bool) ([]crawler.Source, int, error) {
	sources := slices.Clone(p.Catalog.Enabled(category))
	slices.SortStableFunc(sources, func(a, b crawler.Source) int {
		return a.Priority.Rank() - b.Priority.Rank()
	})
	if !incremental {
		return sources, 0, nil
	}
	fetches, err := p.Runs.SourceFetches(ctx)
	if err != nil {
		return nil, 0, err
	}
	now := p.Clock.Now()
	out := sources[:0:0]
	for _, src := range sources {
		if last, ok := fetches[src.Name]; ok && now.Sub(last) < p.cfg.IncrementalThreshold {
			continue
		}
		out = append(out, src)
	}
	return out, len(sources) - len(out), nil
}

func (ex *execution) scrape(ctx context.Context, category string, logger *zap.Logger) (stageResult, error) {
	p := ex.p
	sources, skipped, err := p.selectSources(ex.persist, category, ex.run.Metadata.Incremental)
	if err != nil {
		return stageResult{}, persistErr("load source fetches", crawler.StageScrape, category, err)
	}
	if skipped > 0 {
		logger.Info("incremental mode skipped recently fetched sources", zap.Int("skipped", skipped))
	}
	outcomes, err := p.Scraper.Scrape(ctx, ex.run.ID, sources)
	if err != nil {
		return stageResult{}, interruption(ctx, err)
	}

	res := stageResult{counts: CategorySummary{SourcesSkipped: skipped}}
	var items []crawler.ScrapedItem
	for _, out := range outcomes {
		src := out.Task.Source
		if out.Err != nil {
			res.counts.SourcesFailed++
			res.errs = append(res.errs, crawler.RunError{
				Stage: crawler.StageScrape, Category: category, Source: src.Name,
				Message: out.Err.Error(), At: out.FinishedAt,
			})
			continue
		}
		items = append(items, out.Items...)
		if err := p.Runs.RecordSourceFetch(ex.persist, src.Name, out.FinishedAt); err != nil {
			return stageResult{}, persistErr("record source fetch", crawler.StageScrape, category, err)
		}
	}
	metrics.ObserveItems(string(crawler.StageScrape), category, "scraped", len(items))

	path, err := p.Artifacts.WriteBatch(ex.persist, artifacts.Batch{
		RunID: ex.run.ID, Category: category, Kind: artifacts.KindRaw,
		CreatedAt: p.Clock.Now().UTC(), Items: items,
	})
	if err != nil {
		return stageResult{}, persistErr("write raw batch", crawler.StageScrape, category, err)
	}
	res.outputPath = path
	res.items = len(items)
	res.counts.Scraped = len(items)
	res.counters = crawler.RunCounters{Scraped: len(items), SourcesFailed: res.counts.SourcesFailed}
	return res, nil
}

// input loads the predecessor output of stage: from this run when it
// completed here, otherwise the newest completed output of any earlier run.
func (ex *execution) input(stage crawler.Stage, category string) (artifacts.Batch, string, error) {
	p := ex.p
	prev := crawler.Stages()[stage.Index()-1]
	path, ok := ex.outputs[crawler.StageRecord{RunID: ex.run.ID, Stage: prev, Category: category}.Key()]
	if !ok {
		rec, err := p.Runs.LatestCompletedStage(ex.persist, prev, category)
		if errors.Is(err, store.ErrNotFound) {
			return artifacts.Batch{}, "", fmt.Errorf("%w: %s/%s needs a completed %s stage", ErrNoInput, stage, category, prev)
		}
		if err != nil {
			return artifacts.Batch{}, "", persistErr("find predecessor output", stage, category, err)
		}
		path = rec.OutputPath
		p.Logger.Info("reading predecessor output from an earlier run",
			zap.String("run_id", ex.run.ID),
			zap.String("stage", string(stage)),
			zap.String("category", category),
			zap.String("from_run", rec.RunID),
		)
	}
	batch, err := p.Artifacts.ReadBatch(ex.persist, path)
	if err != nil {
		return artifacts.Batch{}, "", persistErr("read batch", stage, category, err)
	}
	return batch, path, nil
}

// verdict classifies one item against the date and quality rules. It
// returns the outcome label and the scored item.
func (p *Pipeline) verdict(item crawler.ScrapedItem) (string, crawler.ScrapedItem) {
	if v := p.Dates.Check(item); !v.Keep {
		p.Logger.Debug("item rejected by date",
			zap.String("source", item.SourceName), zap.String("url", item.URL), zap.String("reason", v.Reason))
		return "date_rejected", item
	}
	qv := p.Quality.Evaluate(item)
	if !qv.Pass {
		p.Logger.Debug("item rejected by quality",
			zap.String("source", item.SourceName), zap.String("url", item.URL), zap.Strings("reasons", qv.Reasons))
		return "quality_rejected", item
	}
	return "kept", item.WithScore(qv.Score)
}

func (c *CategorySummary) count(outcome string) {
	switch outcome {
	case "date_rejected":
		c.DateRejected++
	case "quality_rejected":
		c.QualityRejected++
	case "duplicate":
		c.Duplicates++
	}
}

func (ex *execution) filter(_ context.Context, category string, logger *zap.Logger) (stageResult, error) {
	p := ex.p
	batch, _, err := ex.input(crawler.StageFilter, category)
	if err != nil {
		return stageResult{}, err
	}
	scope := dedup.Scope{Origin: ex.run.ID + "|" + category, Attempt: ex.attempt}
	res := stageResult{counts: CategorySummary{FilterInput: len(batch.Items)}}
	kept := make([]crawler.ScrapedItem, 0, len(batch.Items))
	for _, item := range batch.Items {
		outcome, scored := p.verdict(item)
		if outcome == "kept" {
			d, err := p.Dedup.CheckAndAdmit(ex.persist, scored, scope)
			if err != nil {
				return stageResult{}, persistErr("dedup admit", crawler.StageFilter, category, err)
			}
			if d.Duplicate {
				outcome = "duplicate"
			}
		}
		if outcome != "kept" {
			res.counts.count(outcome)
			continue
		}
		kept = append(kept, scored.WithStage(crawler.StageFilter))
	}
	metrics.ObserveItems(string(crawler.StageFilter), category, "date_rejected", res.counts.DateRejected)
	metrics.ObserveItems(string(crawler.StageFilter), category, "quality_rejected", res.counts.QualityRejected)
	metrics.ObserveItems(string(crawler.StageFilter), category, "duplicate", res.counts.Duplicates)
	metrics.ObserveItems(string(crawler.StageFilter), category, "kept", len(kept))
	logger.Debug("filter counts",
		zap.Int("input", len(batch.Items)),
		zap.Int("date_rejected", res.counts.DateRejected),
		zap.Int("quality_rejected", res.counts.QualityRejected),
		zap.Int("duplicates", res.counts.Duplicates),
		zap.Int("kept", len(kept)),
	)

	path, err := p.Artifacts.WriteBatch(ex.persist, artifacts.Batch{
		RunID: ex.run.ID, Category: category, Kind: artifacts.KindFiltered,
		CreatedAt: p.Clock.Now().UTC(), Items: kept,
	})
	if err != nil {
		return stageResult{}, persistErr("write filtered batch", crawler.StageFilter, category, err)
	}
	res.outputPath = path
	res.items = len(kept)
	res.counts.Filtered = len(kept)
	res.counters = crawler.RunCounters{Filtered: len(kept)}
	return res, nil
}

func (ex *execution) enrich(ctx context.Context, category string) (stageResult, error) {
	p := ex.p
	batch, _, err := ex.input(crawler.StageEnrich, category)
	if err != nil {
		return stageResult{}, err
	}
	enriched, err := p.Enricher.Enrich(ctx, batch.Items)
	if err != nil {
		return stageResult{}, interruption(ctx, fmt.Errorf("enrich %s: %w", category, err))
	}
	for i := range enriched {
		enriched[i] = enriched[i].WithStage(crawler.StageEnrich)
	}
	metrics.ObserveItems(string(crawler.StageEnrich), category, "enriched", len(enriched))
	path, err := p.Artifacts.WriteBatch(ex.persist, artifacts.Batch{
		RunID: ex.run.ID, Category: category, Kind: artifacts.KindEnriched,
		CreatedAt: p.Clock.Now().UTC(), Items: enriched,
	})
	if err != nil {
		return stageResult{}, persistErr("write enriched batch", crawler.StageEnrich, category, err)
	}
	return stageResult{outputPath: path, items: len(enriched), counts: CategorySummary{Enriched: len(enriched)}}, nil
}

// storeBatch indexes the enriched batch and announces it. The stage keeps the
// enriched batch as its output path.
func (ex *execution) storeBatch(ctx context.Context, category string, logger *zap.Logger) (stageResult, error) {
	p := ex.p
	batch, path, err := ex.input(crawler.StageStore, category)
	if err != nil {
		return stageResult{}, err
	}
	docs := make([]index.Document, len(batch.Items))
	for i, item := range batch.Items {
		docs[i] = index.FromItem(item.WithStage(crawler.StageStore))
	}
	indexed, err := p.Indexer.Index(ctx, docs)
	if err != nil {
		return stageResult{}, interruption(ctx, fmt.Errorf("index %s: %w", category, err))
	}
	msgID, err := p.Publisher.Publish(ctx, p.cfg.NotifyTopic, BatchReady{
		RunID: ex.run.ID, Category: category, Path: path,
		Items: len(batch.Items), Indexed: indexed, At: p.Clock.Now().UTC(),
	})
	if err != nil {
		return stageResult{}, interruption(ctx, fmt.Errorf("notify %s: %w", category, err))
	}
	logger.Debug("batch announced", zap.String("message_id", msgID), zap.Int("indexed", indexed))
	metrics.ObserveItems(string(crawler.StageStore), category, "stored", indexed)
	return stageResult{
		outputPath: path,
		items:      indexed,
		counts:     CategorySummary{Stored: indexed},
		counters:   crawler.RunCounters{Stored: indexed},
	}, nil
}

// dryRun selects, fetches, extracts and filters in memory. It writes no run
// or stage records, no artifacts and admits nothing to the dedup cache.
func (p *Pipeline) dryRun(ctx context.Context, opts Options, categories []string) (Summary, error) {
	id, err := p.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("new run id: %w", err)
	}
	stages, err := opts.stages()
	if err != nil {
		return Summary{}, err
	}
	run := crawler.PipelineRun{
		ID:        id,
		StartedAt: p.Clock.Now().UTC(),
		Status:    crawler.StatusRunning,
		Metadata:  crawler.RunMetadata{Mode: crawler.ModeDryRun, Categories: categories, Stages: stages, DryRun: true},
	}
	summary := newSummary(run)
	logger := logging.ForRun(p.Logger, id).With(zap.Bool("dry_run", true))
	filtering := false
	for _, s := range stages {
		filtering = filtering || s == crawler.StageFilter
	}

	for _, category := range categories {
		if ctx.Err() != nil {
			summary.finalize()
			return *summary, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
		cs := summary.category(category)
		sources, skipped, err := p.selectSources(ctx, category, opts.Incremental)
		if err != nil {
			return *summary, persistErr("load source fetches", crawler.StageScrape, category, err)
		}
		cs.SourcesSkipped = skipped
		outcomes, err := p.Scraper.Scrape(ctx, id, sources)
		if err != nil {
			summary.finalize()
			return *summary, interruption(ctx, err)
		}
		items := collect(outcomes, cs, summary, category)
		cs.Scraped = len(items)
		if !filtering {
			continue
		}
		cs.FilterInput = len(items)
		scope := dedup.Scope{Origin: id + "|" + category, Attempt: id}
		// Nothing is admitted on a dry run, so facts seen earlier in the
		// batch are tracked locally.
		batch := p.Dedup.NewBatch()
		for _, item := range items {
			outcome, scored := p.verdict(item)
			if outcome == "kept" {
				d, err := p.Dedup.Check(ctx, scored, scope)
				if err != nil {
					return *summary, persistErr("dedup check", crawler.StageFilter, category, err)
				}
				if batch.Observe(d.Fingerprints) || d.Duplicate {
					outcome = "duplicate"
				}
			}
			if outcome == "kept" {
				cs.Filtered++
				continue
			}
			cs.count(outcome)
		}
		logger.Info("dry run category",
			zap.String("category", category),
			zap.Int("sources", len(sources)),
			zap.Int("scraped", cs.Scraped),
			zap.Int("filtered", cs.Filtered),
		)
	}
	now := p.Clock.Now().UTC()
	summary.Status = crawler.StatusCompleted
	summary.FinishedAt = &now
	summary.finalize()
	return *summary, nil
}

func collect(outcomes []worker.Outcome, cs *CategorySummary, summary *Summary, category string) []crawler.ScrapedItem {
	var items []crawler.ScrapedItem
	for _, out := range outcomes {
		if out.Err != nil {
			cs.SourcesFailed++
			summary.Errors = append(summary.Errors, crawler.RunError{
				Stage: crawler.StageScrape, Category: category, Source: out.Task.Source.Name,
				Message: out.Err.Error(), At: out.FinishedAt,
			})
			continue
		}
		items = append(items, out.Items...)
	}
	return items
}
