package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	var (
		all         bool
		stages      []string
		categories  []string
		incremental bool
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline",
		Long: `Runs scrape, filter, enrich and store for every enabled category, or only
the stages and categories selected with --stage and --category. A stage run
on its own reads the newest completed output of the stage before it.`,
		Example: `  ingest-crawler run --all
  ingest-crawler run --category policy --stage filter
  ingest-crawler run --incremental
  ingest-crawler run --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			opts := pipeline.Options{
				Categories:  categories,
				Incremental: incremental,
				DryRun:      dryRun,
			}
			for _, raw := range stages {
				s, err := crawler.ParseStage(raw)
				if err != nil {
					return err
				}
				opts.Stages = append(opts.Stages, s)
			}
			summary, err := appInstance.Run(cmd.Context(), opts)
			return report(cmd, appInstance, summary, err)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "run every stage for every enabled category (the default)")
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "only run these stages (scrape, filter, enrich, store)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "only run these categories")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "skip sources fetched within the incremental threshold")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "scrape and filter without writing anything")
	cmd.MarkFlagsMutuallyExclusive("all", "stage")
	cmd.MarkFlagsMutuallyExclusive("all", "category")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the run that is still marked running",
		Long: "Resume continues the most recent run still marked running (one that was\n" +
			"interrupted) from the first incomplete stage of each category. Failed runs\n" +
			"are final; when no run is running a fresh full run starts instead.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Resume(cmd.Context())
			return report(cmd, appInstance, summary, err)
		},
	}
}

// report prints the summary when there is one and turns run errors into a
// non-zero exit.
func report(cmd *cobra.Command, appInstance App, summary pipeline.Summary, runErr error) error {
	if summary.RunID != "" || summary.DryRun {
		if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	}
	if runErr == nil {
		appInstance.Logger().Info("run finished",
			zap.String("run_id", summary.RunID),
			zap.String("status", string(summary.Status)),
			zap.Int("stored", summary.Stored),
		)
		return nil
	}
	if errors.Is(runErr, pipeline.ErrInterrupted) {
		return fmt.Errorf("%w; continue it with `resume`", runErr)
	}
	return runErr
}
