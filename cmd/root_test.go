package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/dedup"
	"github.com/JakeFAU/ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/ingest-crawler/internal/registry"
)

type fakeApp struct {
	opts      pipeline.Options
	runErr    error
	resumed   bool
	statusID  string
	toggled   string
	swept     bool
	served    bool
	closed    bool
	configArg string
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Run(_ context.Context, opts pipeline.Options) (pipeline.Summary, error) {
	f.opts = opts
	status := crawler.StatusCompleted
	if f.runErr != nil {
		status = crawler.StatusFailed
	}
	return pipeline.Summary{RunID: "run-1", Status: status, DryRun: opts.DryRun, Scraped: 7}, f.runErr
}

func (f *fakeApp) Resume(context.Context) (pipeline.Summary, error) {
	f.resumed = true
	return pipeline.Summary{RunID: "run-0", Status: crawler.StatusCompleted}, nil
}

func (f *fakeApp) Status(_ context.Context, runID string) (crawler.PipelineRun, []crawler.StageRecord, error) {
	f.statusID = runID
	if runID == "missing" {
		return crawler.PipelineRun{}, nil, errors.New("run missing not found")
	}
	return crawler.PipelineRun{ID: "run-1", Status: crawler.StatusCompleted},
		[]crawler.StageRecord{{RunID: "run-1", Stage: crawler.StageScrape, Category: "policy", Status: crawler.StatusCompleted}}, nil
}

func (f *fakeApp) CacheStats(context.Context) (dedup.Stats, error) {
	return dedup.Stats{MatchThreshold: 1, TTLHours: 720}, nil
}

func (f *fakeApp) Sweep(context.Context) (int64, error) {
	f.swept = true
	return 4, nil
}

func (f *fakeApp) Sources() []crawler.Source {
	return []crawler.Source{{Name: "ministry", Category: "policy", Tier: crawler.TierOfficial, Enabled: true, URL: "https://example.gov"}}
}

func (f *fakeApp) SourceSummary() []registry.Summary {
	return []registry.Summary{{Category: "policy", Total: 1, Enabled: 1}}
}

func (f *fakeApp) SetSourcesEnabled(by, value string, enabled bool) (int, error) {
	f.toggled = fmt.Sprintf("%s=%s:%t", by, value, enabled)
	return 2, nil
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	factory := func(_ context.Context, path string) (App, error) {
		app.configArg = path
		return app, nil
	}
	root, closeApp := newRootCmd(factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	require.NoError(t, closeApp(context.Background()))
	return out.String(), err
}

func TestRunCommandBuildsOptions(t *testing.T) {
	t.Parallel()

	app := &fakeApp{}
	out, err := execute(t, app, "--config", "crawler.yaml", "run", "--category", "policy,economy", "--stage", "Filter", "--stage", "store", "--dry-run")
	require.NoError(t, err)
	require.Equal(t, "crawler.yaml", app.configArg)
	require.Equal(t, []string{"policy", "economy"}, app.opts.Categories)
	require.Equal(t, []crawler.Stage{crawler.StageFilter, crawler.StageStore}, app.opts.Stages)
	require.True(t, app.opts.DryRun)
	require.Contains(t, out, `"scraped": 7`)
	require.True(t, app.closed)
}

func TestRunCommandRejectsBadFlags(t *testing.T) {
	t.Parallel()

	_, err := execute(t, &fakeApp{}, "run", "--stage", "publish")
	require.Error(t, err)

	_, err = execute(t, &fakeApp{}, "run", "--all", "--category", "policy")
	require.Error(t, err)
}

func TestRunFailureExitsNonZero(t *testing.T) {
	t.Parallel()

	app := &fakeApp{runErr: fmt.Errorf("filter/policy: %w", pipeline.ErrStageFailed)}
	out, err := execute(t, app, "run", "--incremental")
	require.ErrorIs(t, err, pipeline.ErrStageFailed)
	require.True(t, app.opts.Incremental)
	require.Contains(t, out, `"status": "failed"`)

	app = &fakeApp{runErr: pipeline.ErrInterrupted}
	_, err = execute(t, app, "run")
	require.ErrorContains(t, err, "resume")
}

func TestResumeStatusStatsSweep(t *testing.T) {
	t.Parallel()

	app := &fakeApp{}
	_, err := execute(t, app, "resume")
	require.NoError(t, err)
	require.True(t, app.resumed)

	out, err := execute(t, app, "status", "--run-id", "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", app.statusID)
	require.Contains(t, out, `"stage": "scrape"`)

	_, err = execute(t, app, "status", "--run-id", "missing")
	require.ErrorContains(t, err, "not found")

	out, err = execute(t, app, "stats")
	require.NoError(t, err)
	require.Contains(t, out, `"match_threshold": 1`)

	out, err = execute(t, app, "sweep")
	require.NoError(t, err)
	require.True(t, app.swept)
	require.Contains(t, out, "removed 4 expired entries")

	_, err = execute(t, app, "serve")
	require.NoError(t, err)
	require.True(t, app.served)
}

func TestSourcesCommands(t *testing.T) {
	t.Parallel()

	app := &fakeApp{}
	out, err := execute(t, app, "sources")
	require.NoError(t, err)
	require.Contains(t, out, "ministry")
	require.Contains(t, out, "1/1 enabled")

	out, err = execute(t, app, "sources", "disable", "community", "--by", "category")
	require.NoError(t, err)
	require.Equal(t, "category=community:false", app.toggled)
	require.Contains(t, out, "disabled 2 source(s)")

	_, err = execute(t, app, "sources", "enable", "ministry")
	require.NoError(t, err)
	require.Equal(t, "source=ministry:true", app.toggled)

	_, err = execute(t, app, "sources", "enable")
	require.Error(t, err)
}

func TestFactoryErrorIsReported(t *testing.T) {
	t.Parallel()

	root, closeApp := newRootCmd(func(context.Context, string) (App, error) {
		return nil, errors.New("registry missing")
	})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"stats"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "registry missing")
	require.NoError(t, closeApp(context.Background()))
}

func TestResumeHelpDescribesRunningRunsOnly(t *testing.T) {
	t.Parallel()

	out, err := execute(t, &fakeApp{}, "resume", "--help")
	require.NoError(t, err)
	require.Contains(t, out, "still marked running")
	require.Contains(t, out, "Failed runs")
	require.NotContains(t, out, "interrupted or failed")
}
