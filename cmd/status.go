package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// newStatusCmd creates the 'status' subcommand, which prints queue depth per family.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows pending and leased task counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			tasks := a.Tasks()
			bold := color.New(color.Bold)
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)
			out := cmd.OutOrStdout()

			if err := a.Ping(ctx); err != nil {
				fmt.Fprintf(out, "store:    %s (%v)\n", color.New(color.FgRed).Sprint("unreachable"), err)
				return err
			}
			fmt.Fprintf(out, "store:    %s (%s)\n", green.Sprint("ok"), a.Config().Store.Driver)
			for _, family := range []court.Family{court.FamilyCircuit, court.FamilyDistrict} {
				pending, err := tasks.Pending(ctx, family)
				if err != nil {
					return err
				}
				leased, err := tasks.Leased(ctx, family)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-9s pending=%s leased=%s\n",
					bold.Sprint(string(family)+":"),
					green.Sprint(pending),
					yellow.Sprint(leased))
			}
			return nil
		},
	}
}
