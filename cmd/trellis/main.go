package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/common"
)

var (
	// Command-line flags
	configFiles []string // Later files override earlier ones
	serverPort  int
	serverHost  string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "trellis",
	Short:         "Background import pipeline",
	Long:          `Trellis runs long-lived import jobs: it analyzes uploaded datasets against the catalog, pauses for mapping configuration, and imports rows in cancellable batches.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd, enqueueCmd, reapCmd, versionCmd)
}

// loadConfig resolves configuration in order: defaults, files, env, flags.
func loadConfig() error {
	if len(configFiles) == 0 {
		if _, err := os.Stat("trellis.toml"); err == nil {
			configFiles = append(configFiles, "trellis.toml")
		} else if _, err := os.Stat("deployments/local/trellis.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/trellis.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
	}
	common.ApplyFlagOverrides(config, serverPort, serverHost)
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger = common.SetupLogger(config)
	return nil
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
