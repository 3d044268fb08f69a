// Command tahrird is the newsroom pipeline daemon and its ops CLI.
// `tahrird serve` runs the full pipeline; the other subcommands inspect
// and poke a deployment (directly against the database for reads, over
// the HTTP API for enqueue).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/logging"
	"github.com/tahrirhq/tahrir/internal/ui"
)

// Version is stamped by the release build via -ldflags.
var Version = "dev"

var (
	cfgFile    string
	logLevel   string
	jsonOutput bool

	settings *config.Settings
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "tahrird",
	Short:         "Arabic newsroom editorial pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			v.Set("log_level", logLevel)
		}
		settings, err = config.Load(v)
		if err != nil {
			return err
		}
		logger, err = logging.New(logging.Options{
			Level:  settings.LogLevel,
			Format: settings.LogFormat,
			File:   settings.LogFile,
		})
		if err != nil {
			return err
		}
		ui.InitColor()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./tahrir.yaml, ~/.config/tahrir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ui.FailStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
