package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/export"
)

// newExportCmd creates the 'export' subcommand, which publishes one extract of the case store.
func newExportCmd() *cobra.Command {
	var (
		category string
		year     int
		courtID  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Builds and uploads a zipped case extract",
		Example: `  court-crawler export --category CircuitCriminal --year 2021
  court-crawler export --category DistrictCivil --court 007`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sel := export.Selection{Year: year}
			if sel.Category, err = court.ParseCategory(category); err != nil {
				return err
			}
			if courtID != "" {
				if sel.Court, err = court.ParseID(courtID); err != nil {
					return err
				}
			}
			if err := sel.Validate(); err != nil {
				return err
			}
			ex, err := a.Exporter(cmd.Context())
			if err != nil {
				return err
			}
			res, err := ex.Export(cmd.Context(), sel)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d cases (%d skipped)\n", res.Manifest.Name, res.Manifest.Cases, res.Manifest.Skipped)
			fmt.Fprintf(out, "archive:  %s\n", res.Manifest.URI)
			fmt.Fprintf(out, "manifest: %s\n", res.ManifestURI)
			if res.MessageID != "" {
				fmt.Fprintf(out, "message:  %s\n", res.MessageID)
			}
			if res.LocalPath != "" {
				fmt.Fprintf(out, "local:    %s\n", res.LocalPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "case category to export")
	cmd.Flags().IntVar(&year, "year", 0, "restrict to cases whose details were fetched in this year")
	cmd.Flags().StringVar(&courtID, "court", "", "restrict to one court (FIPS code)")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}
