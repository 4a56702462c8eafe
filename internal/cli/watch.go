package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/procwatch/restrack/internal/tui"
)

func newWatchCmd(ctx *context) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Interactively watch the registry's tracking table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := ctx.newTracker()
			if err != nil {
				return err
			}
			defer stopTracker(cmd, tr)

			if err := tr.EnsureRunning(); err != nil {
				return err
			}
			ui := tui.New(tr, tui.WithRefreshInterval(interval))
			return ui.Run(cmd.Context())
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval for the table view")
	return cmd
}
