package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tollgate/internal/config"
	"github.com/jmcleod/tollgate/session"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired sessions and challenges once, then exit",
	Long: `Runs a single expiry sweep against the configured storage backend.
Useful as a cron job when several servers share one database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := runSweep(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions and %d challenges\n", res.Sessions, res.Challenges)
		return nil
	},
}

func runSweep(ctx context.Context, c *config.Config) (session.SweepResult, error) {
	s := &stack{}
	defer s.Close()
	if _, err := openStore(ctx, c, s); err != nil {
		return session.SweepResult{}, err
	}
	return s.store.Sweep(ctx)
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
