package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/procwatch/restrack/internal/registry"
	"github.com/procwatch/restrack/internal/resource"
)

// Descriptor numbers the spawning tracker places the pipe ends on via
// ExtraFiles: the command pipe's read end and the reply pipe's write end.
const (
	commandFD = 3
	replyFD   = 4
)

func newDaemonCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the registry loop over inherited descriptors",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.settings()
			if err != nil {
				return err
			}
			log, err := ctx.log()
			if err != nil {
				return err
			}
			defer log.Sync()

			commands := os.NewFile(commandFD, "restrack-commands")
			replies := os.NewFile(replyFD, "restrack-replies")

			opts := []registry.Option{
				registry.WithLogger(log),
				registry.WithUnlinker(resource.NewUnlinker(cfg.KindDirs())),
			}
			if cfg.MetricsListen != "" {
				opts = append(opts, registry.WithMetricsListen(cfg.MetricsListen))
			}
			return registry.New(commands, replies, opts...).Serve()
		},
	}
	return cmd
}
