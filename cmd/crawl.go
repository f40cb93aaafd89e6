package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs the configured worker pool against
// the task queue until the context is canceled (or the queue drains with exit_when_empty).
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs crawl workers against the task queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			d, err := a.Dispatcher()
			if err != nil {
				return fmt.Errorf("build workers: %w", err)
			}
			summary := d.Run(cmd.Context())
			a.Logger().Info("crawl finished",
				zap.Int("completed", summary.Completed),
				zap.Int("aborted", summary.Aborted),
				zap.Int("dates_searched", summary.DatesSearched),
				zap.Int("cases_persisted", summary.CasesPersisted))
			fmt.Fprintf(cmd.OutOrStdout(), "completed=%d aborted=%d cases=%d\n",
				summary.Completed, summary.Aborted, summary.CasesPersisted)
			return nil
		},
	}
}
