// Package cmd defines the CLI commands of the ingest-crawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/config"
	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/dedup"
	"github.com/JakeFAU/ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/ingest-crawler/internal/registry"
	"github.com/JakeFAU/ingest-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what commands need from the composition root. *server.App
// satisfies it; tests inject a fake.
type App interface {
	Logger() *zap.Logger
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
	Resume(ctx context.Context) (pipeline.Summary, error)
	Status(ctx context.Context, runID string) (crawler.PipelineRun, []crawler.StageRecord, error)
	CacheStats(ctx context.Context) (dedup.Stats, error)
	Sweep(ctx context.Context) (int64, error)
	Sources() []crawler.Source
	SourceSummary() []registry.Summary
	SetSourcesEnabled(by, value string, enabled bool) (int, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// appFactory builds the App from the --config path.
type appFactory func(ctx context.Context, configPath string) (App, error)

func buildApp(ctx context.Context, configPath string) (App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, cfg)
}

// newRootCmd creates the root command. The returned func closes the App if
// one was built.
func newRootCmd(factory appFactory) (*cobra.Command, func(context.Context) error) {
	var (
		cfgFile     string
		appInstance App
	)
	cmd := &cobra.Command{
		Use:   "ingest-crawler",
		Short: "Crawl, filter, enrich and store content from a source registry.",
		Long: `ingest-crawler scrapes the sources listed in a registry file, filters the
items by recency, quality and duplication, sends them to an enrichment
service and stores the batches. Runs are recorded stage by stage so an
interrupted run can be resumed.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := factory(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			appInstance = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the CRAWLER_ prefix)")

	cmd.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newStatsCmd(),
		newSweepCmd(),
		newServeCmd(),
		newSourcesCmd(),
	)

	closeApp := func(ctx context.Context) error {
		if appInstance == nil {
			return nil
		}
		return appInstance.Close(ctx)
	}
	return cmd, closeApp
}

// Execute is the main entry point. It exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, closeApp := newRootCmd(buildApp)
	err := root.ExecuteContext(ctx)
	stop()
	if cerr := closeApp(context.Background()); cerr != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
