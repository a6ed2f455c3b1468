package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/mulgadc/shufflefetch/config"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	basePath   string
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "shufflectl",
		Short:         "Write, read and inspect shuffle partitions",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	cmd.SetOut(os.Stdout)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "config/shuffled.toml", "Configuration file")
	flags.StringVar(&opts.basePath, "base-path", "", "Base path for relative directories in the config file")
	flags.BoolVar(&opts.debug, "debug", false, "Enable verbose debug logs")

	cmd.AddCommand(
		newWriteCommand(opts),
		newReadCommand(opts),
		newStatusCommand(opts),
	)
	return cmd
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist. Env CONFIG overrides --config.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if env := os.Getenv("CONFIG"); env != "" {
		path = env
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Debug("No config file, using defaults", "path", path)
		return config.DefaultConfig(), nil
	}
	return config.ReadConfig(path, o.basePath)
}
