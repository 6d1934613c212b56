package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "eventpipe",
	Short: "Staged extraction pipeline for event listing pages",
	Long:  "Scrapes event calendar listings through a staged agent pipeline, splits traffic against the legacy single-pass extractor, and records per-arm quality metrics.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
