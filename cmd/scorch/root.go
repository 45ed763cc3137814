package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"

	configPath string
	localMode  bool
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "scorch",
		Short: "Ephemeral scenario range engine",
		Long: `Scorch - Ephemeral Scenario Range Engine

Scorch runs named test scenarios inside short-lived cloud environments
and guarantees everything they create is burned down afterwards: every
resource is deleted or explicitly reported as a deletion failure.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Scorch {{.Version}} - Ephemeral Scenario Range Engine
`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "scorch.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&localMode, "local", false, "Run against local storage and in-process queue")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
