package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "pcieval",
	Short: "PCIe switch compliance validation",
	Long: `Run PCIe compliance suites against a switch: LTSSM retrain traces, lane
margin sweeps, eye analysis, BER checks and configuration audits.

Examples:
  pcieval scenarios                                   # List simulator scenarios
  pcieval decode 0x300 0x104                          # Decode LTSSM state codes
  pcieval trace --scenario healthy-gen5x4 --port 0    # Retrain and trace a link
  pcieval sweep --scenario pam4-gen6x2 --lane 1       # Margin one lane
  pcieval run --scenario degraded-gen5x4 --lanes 4    # Run every suite
  pcieval serve --listen :8080                        # Serve the HTTP API`,
	Version: "0.9.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		if verbose && level < logrus.DebugLevel {
			level = logrus.DebugLevel
		}
		logrus.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (same as --log debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "log level (trace, debug, info, warn, error)")
}
