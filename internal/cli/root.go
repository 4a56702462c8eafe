package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procwatch/restrack/internal/config"
	"github.com/procwatch/restrack/internal/logging"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var (
		configFile string
		logLevel   string
		logFormat  string
	)

	root := &cobra.Command{
		Use:   "restrack",
		Short: "Cross-process tracker for kernel-namespace resources",
		Long: "restrack supervises a registry subprocess that refcounts named\n" +
			"semaphores and shared-memory segments across processes and unlinks\n" +
			"whatever is still tracked when the last owner goes away.",
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to settings file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (json, console)")

	ctx := &context{configFile: &configFile, logLevel: &logLevel, logFormat: &logFormat}
	root.AddCommand(newDaemonCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newWatchCmd(ctx))
	root.AddCommand(newRunCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	configFile *string
	logLevel   *string
	logFormat  *string

	mu     sync.Mutex
	cfg    *config.Settings
	logger *zap.Logger
}

func (c *context) settings() (config.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg != nil {
		return *c.cfg, nil
	}

	var cfg config.Settings
	if *c.configFile != "" {
		loaded, err := config.Load(*c.configFile)
		if err != nil {
			return config.Settings{}, err
		}
		cfg = loaded
	} else {
		cfg = config.FromEnv()
	}
	if *c.logLevel != "" {
		cfg.Log.Level = *c.logLevel
	}
	if *c.logFormat != "" {
		cfg.Log.Format = *c.logFormat
	}
	c.cfg = &cfg
	return cfg, nil
}

func (c *context) log() (*zap.Logger, error) {
	cfg, err := c.settings()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger == nil {
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		c.logger = logger
	}
	return c.logger, nil
}
