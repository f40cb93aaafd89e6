package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newSweepCmd creates the 'sweep' subcommand, which returns expired leases to the queue.
func newSweepCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Returns tasks with expired leases to the pending set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sw, err := a.Sweeper()
			if err != nil {
				return err
			}
			if watch {
				sw.Run(cmd.Context())
				return nil
			}
			n, err := sw.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d tasks\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping every sweeper.interval until interrupted")
	return cmd
}
