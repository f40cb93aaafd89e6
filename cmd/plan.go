package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/planner"
)

type planOptions struct {
	family     string
	courts     []string
	categories []string
	start      string
	end        string
	chunkDays  int
}

// newPlanCmd creates the 'plan' subcommand, which enqueues date-range tasks.
func newPlanCmd() *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Enqueues crawl tasks for a date span",
		Example: `  court-crawler plan --start 2024-01-01 --end 2024-03-31
  court-crawler plan --family district --courts 013,059 --categories DistrictCivil --start 2024-01-01 --end 2024-01-31`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			family := a.Config().Family()
			if opts.family != "" {
				if family, err = court.ParseFamily(opts.family); err != nil {
					return err
				}
			}
			req := planner.Request{ChunkDays: opts.chunkDays}
			for _, raw := range opts.categories {
				c, err := court.ParseCategory(raw)
				if err != nil {
					return err
				}
				if c.Family() != family {
					return fmt.Errorf("category %s does not belong to family %s", c, family)
				}
				req.Categories = append(req.Categories, c)
			}
			if len(req.Categories) == 0 {
				req.Categories = family.Categories()
			}
			for _, raw := range opts.courts {
				id, err := court.ParseID(raw)
				if err != nil {
					return err
				}
				req.Courts = append(req.Courts, id)
			}
			if len(req.Courts) == 0 {
				roster, err := a.Roster()
				if err != nil {
					return fmt.Errorf("no --courts given and %w", err)
				}
				req.Courts = roster.IDs(family)
			}
			if req.Start, err = court.ParseDay(opts.start); err != nil {
				return err
			}
			if req.End, err = court.ParseDay(opts.end); err != nil {
				return err
			}

			ids, err := a.Planner().Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d tasks\n", len(ids))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.family, "family", "", "court family (defaults to crawler.family)")
	cmd.Flags().StringSliceVar(&opts.courts, "courts", nil, "FIPS codes (defaults to every roster court in the family)")
	cmd.Flags().StringSliceVar(&opts.categories, "categories", nil, "case categories (defaults to every category in the family)")
	cmd.Flags().StringVar(&opts.start, "start", "", "first date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.end, "end", "", "last date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.chunkDays, "chunk-days", planner.DefaultChunkDays, "largest number of dates per task")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}
