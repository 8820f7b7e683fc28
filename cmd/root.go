package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "watchtower",
	Short: "Document matching and alerting engine",
	Long:  "Matches ingested documents against natural-language watch criteria via vector retrieval and LLM confirmation, delivers alerts over webhooks or chat, and bills each confirmed match.",
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
