package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/procwatch/restrack/internal/tracker"
)

func newRunCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "Run a command with resource tracking enabled",
		Long: "run starts the registry, executes the given command with the\n" +
			"command pipe's write end inherited and " + tracker.EnvTrackerFD + " pointing\n" +
			"at it, and shuts the registry down on the bounded path once the\n" +
			"command exits.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := ctx.newTracker()
			if err != nil {
				return err
			}
			if err := tr.EnsureRunning(); err != nil {
				return err
			}
			defer stopTracker(cmd, tr)

			child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
			child.Stdin = cmd.InOrStdin()
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			// ExtraFiles places the write end on the first inheritable
			// descriptor; the child attaches through the environment.
			child.ExtraFiles = []*os.File{tr.WriterFile()}
			child.Env = append(os.Environ(), fmt.Sprintf("%s=%d", tracker.EnvTrackerFD, commandFD))

			if err := child.Run(); err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return nil
		},
	}
	return cmd
}
