// Package worker scrapes one source at a time: engine cascade, then content
// extraction.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/engine"
	"github.com/JakeFAU/ingest-crawler/internal/extract"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
	"github.com/JakeFAU/ingest-crawler/internal/progress"
)

const defaultSourceTimeout = 3 * time.Minute

// Fetcher runs the engine cascade for a source. *engine.Selector satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, src crawler.Source) (engine.Result, error)
}

// Extractor turns a page into items. *extract.Extractor satisfies it.
type Extractor interface {
	Extract(src crawler.Source, resp crawler.FetchResponse) (extract.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// SourceTimeout bounds one source across every engine and alternate URL.
	SourceTimeout time.Duration
}

// Outcome is the result of scraping one source. Err is nil on success and
// otherwise a *crawler.FetchFailure, extract.ErrNoCandidates or a context error.
type Outcome struct {
	Task       crawler.SourceTask
	Items      []crawler.ScrapedItem
	Engine     string
	URL        string
	StatusCode int
	Bytes      int
	Strategy   string
	Skipped    int
	Attempts   []crawler.Attempt
	Note       string
	FinishedAt time.Time
	Duration   time.Duration
	Err        error
}

// Worker scrapes sources handed to it.
type Worker struct {
	fetcher   Fetcher
	extractor Extractor
	clock     crawler.Clock
	progress  progress.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	fetcher Fetcher,
	extractor Extractor,
	clock crawler.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = defaultSourceTimeout
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		fetcher:   fetcher,
		extractor: extractor,
		clock:     clock,
		progress:  emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run drains q until it is closed or ctx ends, passing every outcome to
// report. Cancellation is checked between sources; a source that was
// dequeued after cancellation is not scraped and not reported.
func (w *Worker) Run(ctx context.Context, runID string, q crawler.Queue, report func(Outcome)) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := q.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, crawler.ErrQueueClosed) && ctx.Err() == nil {
				w.logger.Error("dequeue failed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		metrics.IncActiveWorkers()
		out := w.Scrape(ctx, runID, task)
		metrics.DecActiveWorkers()
		report(out)
	}
}

// Scrape fetches and extracts one source. The fetch is detached from ctx
// cancellation and bounded by SourceTimeout, so an interrupted run lets the
// in-flight source finish.
func (w *Worker) Scrape(ctx context.Context, runID string, task crawler.SourceTask) Outcome {
	src := task.Source
	logger := w.logger.With(
		zap.String("run_id", runID),
		zap.String("source", src.Name),
		zap.String("category", src.Category),
	)
	start := w.clock.Now()
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SourceTimeout)
	defer cancel()

	out := Outcome{Task: task}
	res, err := w.fetcher.Fetch(fetchCtx, src)
	out.Attempts = res.Attempts
	if err != nil {
		return w.fail(runID, logger, out, start, err)
	}
	resp := res.Response
	out.Engine, out.URL, out.StatusCode, out.Bytes = resp.Engine, resp.URL, resp.StatusCode, len(resp.Body)
	if resp.RobotsNote != "" {
		out.Note = resp.RobotsNote
		logger.Warn("robots.txt not evaluated", zap.String("note", resp.RobotsNote), zap.String("url", resp.URL))
	}

	ext, err := w.extractor.Extract(src, resp)
	out.Strategy, out.Skipped = ext.Strategy, ext.Skipped
	if err != nil {
		return w.fail(runID, logger, out, start, fmt.Errorf("extract %s: %w", src.Name, err))
	}
	out.Items = ext.Items
	out.FinishedAt = w.clock.Now()
	out.Duration = out.FinishedAt.Sub(start)

	metrics.ObserveSource("ok")
	logger.Debug("source scraped",
		zap.String("engine", out.Engine),
		zap.String("url", out.URL),
		zap.String("strategy", out.Strategy),
		zap.Int("items", len(out.Items)),
		zap.Int("skipped", out.Skipped),
	)
	w.progress.Emit(progress.Event{
		RunID:       runID,
		TS:          out.FinishedAt,
		Kind:        progress.KindSourceDone,
		Stage:       crawler.StageScrape,
		Category:    src.Category,
		Source:      src.Name,
		Engine:      out.Engine,
		URL:         out.URL,
		Items:       len(out.Items),
		Bytes:       int64(out.Bytes),
		StatusClass: progress.ClassifyStatus(out.StatusCode),
		Dur:         out.Duration,
	})
	return out
}

func (w *Worker) fail(runID string, logger *zap.Logger, out Outcome, start time.Time, err error) Outcome {
	out.Err = err
	out.FinishedAt = w.clock.Now()
	out.Duration = out.FinishedAt.Sub(start)
	status := "failed"
	if errors.Is(err, extract.ErrNoCandidates) {
		status = "empty"
	}
	metrics.ObserveSource(status)
	logger.Warn("source scrape failed", zap.Int("attempts", len(out.Attempts)), zap.Error(err))
	w.progress.Emit(progress.Event{
		RunID:    runID,
		TS:       out.FinishedAt,
		Kind:     progress.KindSourceError,
		Stage:    crawler.StageScrape,
		Category: out.Task.Source.Category,
		Source:   out.Task.Source.Name,
		Engine:   out.Engine,
		Dur:      out.Duration,
		Note:     err.Error(),
	})
	return out
}
