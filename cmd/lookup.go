package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/lookup"
)

// newLookupCmd creates the 'lookup' subcommand, which fetches one case by number, stores it,
// and prints it as JSON.
func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "lookup <court> <category> <case-number>",
		Short:   "Fetches and stores a single case",
		Example: "  court-crawler lookup 059 CircuitCriminal CR24000123-00",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := court.ParseID(args[0])
			if err != nil {
				return err
			}
			category, err := court.ParseCategory(args[1])
			if err != nil {
				return err
			}
			svc, err := a.Lookup()
			if err != nil {
				return err
			}
			record, err := svc.Lookup(cmd.Context(), lookup.Request{Court: id, Category: category, Number: args[2]})
			if err != nil {
				return fmt.Errorf("lookup %s %s %s: %w", id, category, args[2], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(record)
		},
	}
}
