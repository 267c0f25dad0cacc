// Package pipeline sequences the scrape, filter, enrich and store stages per
// category and checkpoints every (stage, category) unit so interrupted runs
// resume where they stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/artifacts"
	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/datefilter"
	"github.com/JakeFAU/ingest-crawler/internal/dedup"
	"github.com/JakeFAU/ingest-crawler/internal/downstream/index"
	"github.com/JakeFAU/ingest-crawler/internal/logging"
	"github.com/JakeFAU/ingest-crawler/internal/progress"
	"github.com/JakeFAU/ingest-crawler/internal/quality"
	"github.com/JakeFAU/ingest-crawler/internal/store"
	"github.com/JakeFAU/ingest-crawler/internal/worker"
)

var tracer = otel.Tracer("ingest-crawler/pipeline")

// Catalog lists the sources a run may select. *registry.Registry satisfies it.
type Catalog interface {
	Enabled(categories ...string) []crawler.Source
	Categories() []string
}

// Scraper fetches and extracts sources. *dispatcher.Dispatcher satisfies it.
type Scraper interface {
	Scrape(ctx context.Context, runID string, sources []crawler.Source) ([]worker.Outcome, error)
}

// DateChecker applies the recency window.
type DateChecker interface {
	Check(item crawler.ScrapedItem) datefilter.Verdict
}

// QualityChecker scores items and rejects low-quality ones.
type QualityChecker interface {
	Evaluate(item crawler.ScrapedItem) quality.Verdict
}

// Deduper is the duplicate cache. *dedup.Cache satisfies it.
type Deduper interface {
	Check(ctx context.Context, item crawler.ScrapedItem, scope dedup.Scope) (dedup.Decision, error)
	CheckAndAdmit(ctx context.Context, item crawler.ScrapedItem, scope dedup.Scope) (dedup.Decision, error)
	NewBatch() *dedup.Batch
}

// Enricher annotates filtered items.
type Enricher interface {
	Enrich(ctx context.Context, items []crawler.ScrapedItem) ([]crawler.ScrapedItem, error)
}

// Deps are the collaborators of a Pipeline. Progress and Logger are optional.
type Deps struct {
	Runs      store.RunStore
	Artifacts *artifacts.Store
	Catalog   Catalog
	Scraper   Scraper
	Dates     DateChecker
	Quality   QualityChecker
	Dedup     Deduper
	Enricher  Enricher
	Indexer   index.Indexer
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Progress  progress.Emitter
	Logger    *zap.Logger
}

// Pipeline is the orchestrator.
type Pipeline struct {
	cfg Config
	Deps
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Runs == nil:
		return nil, errors.New("pipeline: run store is required")
	case deps.Artifacts == nil:
		return nil, errors.New("pipeline: artifact store is required")
	case deps.Catalog == nil:
		return nil, errors.New("pipeline: source catalog is required")
	case deps.Scraper == nil:
		return nil, errors.New("pipeline: scraper is required")
	case deps.Dates == nil || deps.Quality == nil || deps.Dedup == nil:
		return nil, errors.New("pipeline: date, quality and dedup filters are required")
	case deps.Enricher == nil || deps.Indexer == nil || deps.Publisher == nil:
		return nil, errors.New("pipeline: enricher, indexer and publisher are required")
	case deps.IDs == nil || deps.Clock == nil:
		return nil, errors.New("pipeline: id generator and clock are required")
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg.withDefaults(), Deps: deps}, nil
}

// plan is the ordered work of one execution: categories in name order, each
// with the stages still to run.
type plan struct {
	categories []string
	stages     map[string][]crawler.Stage
}

// Run starts a new run. It fails with store.ErrRunInProgress while another
// run is running.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Summary, error) {
	stages, err := opts.stages()
	if err != nil {
		return Summary{}, err
	}
	categories, err := p.selectCategories(opts.Categories)
	if err != nil {
		return Summary{}, err
	}
	if opts.DryRun {
		return p.dryRun(ctx, opts, categories)
	}

	id, err := p.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("new run id: %w", err)
	}
	run := crawler.PipelineRun{
		ID:        id,
		StartedAt: p.Clock.Now().UTC(),
		Status:    crawler.StatusRunning,
		Metadata: crawler.RunMetadata{
			Mode:        opts.Mode(),
			Categories:  categories,
			Stages:      stages,
			Incremental: opts.Incremental,
		},
	}
	if err := p.Runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			return Summary{}, fmt.Errorf("start run: %w", err)
		}
		return Summary{}, persistErr("create run", "", "", err)
	}
	p.Logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("mode", string(run.Metadata.Mode)),
		zap.Strings("categories", categories),
	)
	p.emit(progress.Event{RunID: run.ID, Kind: progress.KindRunStart, Note: string(run.Metadata.Mode)})

	pl := plan{categories: categories, stages: make(map[string][]crawler.Stage, len(categories))}
	for _, c := range categories {
		pl.stages[c] = stages
	}
	return p.execute(ctx, run, pl, newSummary(run), nil)
}

// Resume continues the running run from the first incomplete stage of each
// category. Without a running run it starts a fresh full run.
func (p *Pipeline) Resume(ctx context.Context) (Summary, error) {
	running := crawler.StatusRunning
	run, err := p.Runs.LatestRun(ctx, &running)
	if errors.Is(err, store.ErrNotFound) {
		p.Logger.Info("no running run to resume, starting a full run")
		return p.Run(ctx, Options{})
	}
	if err != nil {
		return Summary{}, persistErr("load running run", "", "", err)
	}
	records, err := p.Runs.ListStages(ctx, run.ID)
	if err != nil {
		return Summary{}, persistErr("list stages", "", "", err)
	}
	done := make(map[string]bool, len(records))
	outputs := make(map[string]string, len(records))
	for _, rec := range records {
		if rec.Status == crawler.StatusCompleted {
			done[rec.Key()] = true
			outputs[rec.Key()] = rec.OutputPath
		}
	}

	planned := run.Metadata.Stages
	if len(planned) == 0 {
		planned = crawler.Stages()
	}
	categories := run.Metadata.Categories
	if len(categories) == 0 {
		categories = p.Catalog.Categories()
	}
	pl := plan{stages: make(map[string][]crawler.Stage)}
	for _, c := range categories {
		for i, s := range planned {
			key := crawler.StageRecord{RunID: run.ID, Stage: s, Category: c}.Key()
			if !done[key] {
				pl.categories = append(pl.categories, c)
				pl.stages[c] = planned[i:]
				break
			}
		}
	}
	sort.Strings(pl.categories)

	summary := newSummary(run)
	if err := p.Artifacts.ReadSummary(ctx, run.ID, summary); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Summary{}, persistErr("read summary", "", "", err)
	}
	if summary.Categories == nil {
		summary.Categories = make(map[string]*CategorySummary)
	}
	p.Logger.Info("resuming run",
		zap.String("run_id", run.ID),
		zap.Strings("pending_categories", pl.categories),
		zap.Int("skipped_categories", len(categories)-len(pl.categories)),
	)
	p.emit(progress.Event{RunID: run.ID, Kind: progress.KindRunStart, Note: "resume"})
	return p.execute(ctx, run, pl, summary, outputs)
}

func (p *Pipeline) selectCategories(requested []string) ([]string, error) {
	known := p.Catalog.Categories()
	if len(requested) == 0 {
		out := append([]string(nil), known...)
		sort.Strings(out)
		return out, nil
	}
	out := make([]string, 0, len(requested))
	for _, c := range requested {
		if !slices.Contains(known, c) {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidOptions, c)
		}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out, nil
}

// execute runs the plan against an existing running run. Cancellation is
// checked between stages; writes are detached from ctx so an interruption
// never becomes a persistence failure.
func (p *Pipeline) execute(
	ctx context.Context,
	run crawler.PipelineRun,
	pl plan,
	summary *Summary,
	outputs map[string]string,
) (Summary, error) {
	if outputs == nil {
		outputs = make(map[string]string)
	}
	attempt, err := p.IDs.NewID()
	if err != nil {
		return *summary, fmt.Errorf("new attempt id: %w", err)
	}
	ex := &execution{
		p:       p,
		run:     run,
		summary: summary,
		attempt: attempt,
		outputs: outputs,
		persist: context.WithoutCancel(ctx),
	}
	stageFailures := 0
	for _, category := range pl.categories {
		for _, stage := range pl.stages[category] {
			if ctx.Err() != nil {
				return ex.interrupted(ctx.Err())
			}
			err := ex.runStage(ctx, stage, category)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrInterrupted) {
				return ex.interrupted(err)
			}
			if isFatal(err) {
				return ex.fail(err)
			}
			// Later stages of this category have no input.
			stageFailures++
			break
		}
	}

	status := crawler.StatusCompleted
	var runErr error
	if stageFailures > 0 {
		status = crawler.StatusFailed
		runErr = fmt.Errorf("%w: %d category stage(s)", ErrStageFailed, stageFailures)
	}
	return ex.finish(status, runErr)
}

func isFatal(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) || errors.Is(err, ErrNoInput)
}

func (p *Pipeline) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = p.Clock.Now().UTC()
	}
	p.Progress.Emit(evt)
}

// execution is the mutable state of one Run or Resume call.
type execution struct {
	p       *Pipeline
	run     crawler.PipelineRun
	summary *Summary
	// attempt scopes dedup admissions to this Run or Resume call.
	attempt string
	// outputs maps completed StageRecord keys of this run to artifact paths.
	outputs map[string]string
	persist context.Context
}

func (ex *execution) interrupted(cause error) (Summary, error) {
	ex.p.Logger.Warn("run interrupted; resume to continue", zap.String("run_id", ex.run.ID), zap.Error(cause))
	ex.summary.Status = crawler.StatusRunning
	ex.summary.finalize()
	if _, err := ex.p.Artifacts.WriteSummary(ex.persist, ex.run.ID, ex.summary); err != nil {
		ex.p.Logger.Error("write summary failed", zap.String("run_id", ex.run.ID), zap.Error(err))
	}
	if errors.Is(cause, ErrInterrupted) {
		return *ex.summary, cause
	}
	return *ex.summary, fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

func (ex *execution) fail(cause error) (Summary, error) {
	ex.addError(crawler.RunError{Message: cause.Error()})
	summary, err := ex.finish(crawler.StatusFailed, cause)
	if err != cause {
		return summary, errors.Join(cause, err)
	}
	return summary, cause
}

func (ex *execution) finish(status crawler.Status, runErr error) (Summary, error) {
	p := ex.p
	now := p.Clock.Now().UTC()
	if err := p.Runs.UpdateRun(ex.persist, ex.run); err != nil {
		return *ex.summary, persistErr("update run", "", "", err)
	}
	if err := p.Runs.FinishRun(ex.persist, ex.run.ID, status, now); err != nil {
		return *ex.summary, persistErr("finish run", "", "", err)
	}
	ex.summary.Status = status
	ex.summary.FinishedAt = &now
	ex.summary.finalize()
	if _, err := p.Artifacts.WriteSummary(ex.persist, ex.run.ID, ex.summary); err != nil {
		return *ex.summary, persistErr("write summary", "", "", err)
	}

	kind := progress.KindRunDone
	if status == crawler.StatusFailed {
		kind = progress.KindRunError
	}
	p.emit(progress.Event{RunID: ex.run.ID, Kind: kind, Items: ex.summary.Filtered, Dur: now.Sub(ex.run.StartedAt)})
	p.Logger.Info("run finished",
		zap.String("run_id", ex.run.ID),
		zap.String("status", string(status)),
		zap.Int("scraped", ex.summary.Scraped),
		zap.Int("filtered", ex.summary.Filtered),
		zap.Float64("filter_rate", ex.summary.FilterRate),
		zap.Int("errors", len(ex.summary.Errors)),
	)
	return *ex.summary, runErr
}

func (ex *execution) addError(e crawler.RunError) {
	if e.At.IsZero() {
		e.At = ex.p.Clock.Now().UTC()
	}
	ex.run.Errors = append(ex.run.Errors, e)
	ex.summary.Errors = append(ex.summary.Errors, e)
}

// stageResult is what a stage runner hands back. Counts and errors are
// applied only once the stage is checkpointed as completed.
type stageResult struct {
	outputPath string
	items      int
	counts     CategorySummary
	counters   crawler.RunCounters
	errs       []crawler.RunError
}

func (ex *execution) runStage(ctx context.Context, stage crawler.Stage, category string) error {
	p := ex.p
	logger := logging.ForStage(logging.ForRun(p.Logger, ex.run.ID), string(stage), category)
	ctx, span := tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	start := p.Clock.Now().UTC()
	rec := crawler.StageRecord{
		RunID: ex.run.ID, Stage: stage, Category: category,
		Status: crawler.StatusRunning, StartedAt: start,
	}
	if err := p.Runs.UpsertStage(ex.persist, rec); err != nil {
		return persistErr("mark stage running", stage, category, err)
	}
	p.emit(progress.Event{RunID: ex.run.ID, Kind: progress.KindStageStart, Stage: stage, Category: category})
	logger.Debug("stage started")

	var res stageResult
	var err error
	switch stage {
	case crawler.StageScrape:
		res, err = ex.scrape(ctx, category, logger)
	case crawler.StageFilter:
		res, err = ex.filter(ctx, category, logger)
	case crawler.StageEnrich:
		res, err = ex.enrich(ctx, category)
	case crawler.StageStore:
		res, err = ex.storeBatch(ctx, category, logger)
	default:
		err = fmt.Errorf("%w: unknown stage %q", ErrInvalidOptions, stage)
	}
	dur := p.Clock.Now().Sub(start)

	if errors.Is(err, ErrInterrupted) {
		logger.Warn("stage interrupted")
		return err
	}
	if err != nil {
		span.RecordError(err)
		return ex.stageFailed(rec, dur, err, logger)
	}

	doneAt := p.Clock.Now().UTC()
	rec.Status = crawler.StatusCompleted
	rec.CompletedAt = &doneAt
	rec.OutputPath = res.outputPath
	rec.Items = res.items
	if err := p.Runs.UpsertStage(ex.persist, rec); err != nil {
		return persistErr("mark stage completed", stage, category, err)
	}
	ex.outputs[rec.Key()] = res.outputPath
	ex.run.CompletedStages = append(ex.run.CompletedStages, string(stage)+":"+category)
	ex.run.Counters = ex.run.Counters.Add(res.counters)
	ex.summary.category(category).add(res.counts)
	for _, e := range res.errs {
		ex.addError(e)
	}
	if err := p.Runs.UpdateRun(ex.persist, ex.run); err != nil {
		return persistErr("update run", stage, category, err)
	}
	ex.summary.Stages = append(ex.summary.Stages, StageTiming{
		Stage: stage, Category: category, Status: crawler.StatusCompleted, Items: res.items, Duration: dur,
	})
	ex.summary.finalize()
	if _, err := p.Artifacts.WriteSummary(ex.persist, ex.run.ID, ex.summary); err != nil {
		return persistErr("write summary", stage, category, err)
	}
	stageMetrics(stage, crawler.StatusCompleted, dur)
	p.emit(progress.Event{RunID: ex.run.ID, Kind: progress.KindStageDone, Stage: stage, Category: category, Items: res.items, Dur: dur})
	logger.Info("stage completed", zap.Int("items", res.items), zap.Duration("duration", dur))
	return nil
}

// stageFailed records the failure. Persistence failures and missing inputs
// are returned as is so the run fails; other errors only stop the category.
func (ex *execution) stageFailed(rec crawler.StageRecord, dur time.Duration, cause error, logger *zap.Logger) error {
	p := ex.p
	logger.Error("stage failed", zap.Error(cause))
	rec.Status = crawler.StatusFailed
	rec.Error = cause.Error()
	if err := p.Runs.UpsertStage(ex.persist, rec); err != nil {
		return errors.Join(cause, persistErr("mark stage failed", rec.Stage, rec.Category, err))
	}
	ex.summary.Stages = append(ex.summary.Stages, StageTiming{
		Stage: rec.Stage, Category: rec.Category, Status: crawler.StatusFailed, Duration: dur,
	})
	if !isFatal(cause) {
		ex.addError(crawler.RunError{Stage: rec.Stage, Category: rec.Category, Message: cause.Error()})
	}
	stageMetrics(rec.Stage, crawler.StatusFailed, dur)
	p.emit(progress.Event{RunID: ex.run.ID, Kind: progress.KindStageError, Stage: rec.Stage, Category: rec.Category, Dur: dur, Note: cause.Error()})
	return cause
}
