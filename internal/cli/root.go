// Package cli provides the vidfleet-runner command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/version"
)

var (
	// Global flags
	verbose  bool
	logLevel string

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vidfleet-runner",
		Short: "Distributed video transcode worker",
		Long: `vidfleet-runner ` + version.Version + `
Worker node for the vidfleet transcode fleet. Polls the control plane for
tasks and drives each one through download, convert and upload.

Commands:
  run      Run the worker against the control plane (BASE_URL env)
  local    Transcode a single file or URL without a control plane
  probe    Print the hardware snapshot and encoder decision
  version  Print build information`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.New("cli")

			cfg := config.FromEnv()
			override := cfg.LogLevel
			if logLevel != "" {
				override = logLevel
			}
			level := logging.ResolveLevel(cfg.NodeEnv, override)
			if verbose && level > zerolog.DebugLevel {
				level = zerolog.DebugLevel
			}
			logging.SetGlobalLevel(level)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug level)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.Version = version.Version + " (" + version.Commit + ", " + version.Date + ")"

	return rootCmd
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the root context so
// commands can shut down cleanly.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newLocalCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.New("cli")
	}
	return logger
}

// GetContext returns the global context, cancelled on SIGINT/SIGTERM.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}
