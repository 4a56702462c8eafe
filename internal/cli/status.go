package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/procwatch/restrack/internal/tracker"
)

func newStatusCmd(ctx *context) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the registry's tracking table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := ctx.newTracker()
			if err != nil {
				return err
			}
			defer stopTracker(cmd, tr)

			listCtx, cancel := stdcontext.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := tr.Probe(listCtx); err != nil {
				return fmt.Errorf("probe registry: %w", err)
			}
			entries, err := tr.List(listCtx)
			if err != nil {
				return fmt.Errorf("list resources: %w", err)
			}

			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tracked resources.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tNAME\tREFS")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\n", entry.Key.Kind, entry.Key.Name, entry.Count)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Deadline for registry round trips")
	return cmd
}

// newTracker builds a tracker from the CLI settings. It attaches to an
// inherited descriptor when one is present and spawns a registry otherwise.
func (c *context) newTracker() (*tracker.Tracker, error) {
	cfg, err := c.settings()
	if err != nil {
		return nil, err
	}
	log, err := c.log()
	if err != nil {
		return nil, err
	}
	opts := []tracker.Option{tracker.WithSettings(cfg), tracker.WithLogger(log)}
	if *c.configFile != "" {
		// The daemon loads its own settings; hand it the same file.
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve registry executable: %w", err)
		}
		opts = append(opts, tracker.WithDaemonCommand(exe, "daemon", "--config", *c.configFile))
	}
	return tracker.New(opts...), nil
}

// stopTracker shuts the tracker down on the bounded path; the deadline
// comes from the tracker's own settings.
func stopTracker(cmd *cobra.Command, tr *tracker.Tracker) {
	stopCtx := stdcontext.WithoutCancel(cmd.Context())
	if err := tr.Stop(stopCtx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "shutdown error: %v\n", err)
	}
}
