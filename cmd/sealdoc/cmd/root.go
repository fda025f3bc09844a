package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sealdoc",
	Short: "sealdoc seals multi-party signed PDF documents",
	Long: `sealdoc provisions signing certificates, records recipient signatures
and seals completed documents by rebuilding them and replaying every
recorded signature as an incremental update.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "sealdoc.toml", "path to the configuration file")
}
