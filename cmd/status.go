package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

type statusOutput struct {
	Run    crawler.PipelineRun   `json:"run"`
	Stages []crawler.StageRecord `json:"stages"`
}

func newStatusCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a run and its stage records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			run, stages, err := appInstance.Status(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), statusOutput{Run: run, Stages: stages})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to show (default: the newest run)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show duplicate cache statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := appInstance.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired duplicate cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
			return err
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
}
