package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run the periodic jobs",
	}

	cmd.AddCommand(newJobsRunCmd())

	return cmd
}

func newJobsRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every periodic job once and print the report",
		Long: `Run the subscription expiry sweep, the auto-suspend of licenses with too many
violations, the rate-limit advisories and the challenge/session purge once.
Useful from cron when serve runs with --no-monitor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.monitor.RunOnce(ctx)
			if report != nil {
				if perr := printJSON(os.Stdout, report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("jobs: %w", err)
			}
			return nil
		},
	}

	return cmd
}
