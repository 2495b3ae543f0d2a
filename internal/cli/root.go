// Package cli implements the vgrid command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/me/vgrid/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger = logging.Discard()
)

// NewRootCmd creates the root cobra command for the vgrid CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vgrid",
		Short: "vgrid: multi-target visual checks against a rendering grid",
		Long:  "vgrid captures page snapshots, renders them on every configured browser target and compares them with stored baselines.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			level, err := logging.ParseLevel(flagLogLevel)
			if err != nil {
				return err
			}
			if !logging.ValidFormat(flagLogFormat) {
				return fmt.Errorf("unknown log format %q", flagLogFormat)
			}
			logger = logging.NewLogger(level, flagLogFormat)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newResultsCmd(),
		newHealthCmd(),
	)

	return root
}

// currentLogger is the logger configured by the root command.
func currentLogger() *slog.Logger {
	return logger
}
