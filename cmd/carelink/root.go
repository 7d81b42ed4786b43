package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/HMasataka/carelink/internal/config"
	"github.com/HMasataka/carelink/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "carelink",
	Short:        "Realtime care chat client and reference gateway",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(config.LoadOptions{Path: cfgFile})
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}

		cfg = loaded
		cmd.SetContext(logging.WithLogger(cmd.Context(), logging.New(cfg.Logging)))
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides logging.level")
}
