package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ingest-crawler/internal/registry"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List registry sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCATEGORY\tTIER\tPRIORITY\tENABLED\tURL")
			for _, s := range appInstance.Sources() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", s.Name, s.Category, s.Tier, s.Priority, s.Enabled, s.URL)
			}
			fmt.Fprintln(tw)
			for _, sum := range appInstance.SourceSummary() {
				fmt.Fprintf(tw, "%s\t%d/%d enabled\n", sum.Category, sum.Enabled, sum.Total)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(newToggleCmd("enable", true), newToggleCmd("disable", false))
	return cmd
}

func newToggleCmd(verb string, enabled bool) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   verb + " VALUE",
		Short: fmt.Sprintf("%s sources matching VALUE and save the registry", verb),
		Example: fmt.Sprintf(`  ingest-crawler sources %[1]s ministry
  ingest-crawler sources %[1]s community --by category
  ingest-crawler sources %[1]s low --by priority`, verb),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.SetSourcesEnabled(by, args[0], enabled)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%sd %d source(s)\n", verb, n)
			return err
		},
	}
	cmd.Flags().StringVar(&by, "by", registry.BySource, "match on source, category, tier or priority")
	return cmd
}
