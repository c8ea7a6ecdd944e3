package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/wager-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "wager-engine",
	Short:         "Custodial wagering escrow and settlement ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		return config.ConfigureLogging(cfg)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd(), migrateCmd(), tokenCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
