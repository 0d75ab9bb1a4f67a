package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "treedb",
	Short: "historizing record store",
	Long: fmt.Sprintf(`treedb (v%s)

A copy-on-write record store: every update preserves the prior state as
a closed historical row, so any record can be read as of any point in
time. Ships a Postgres backing store, localized strings, typed value
containers, a connection graph and bulk csv/xlsx import and export.`, version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of treedb",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("treedb v%s\n", version)
	},
}

func init() {
	cobra.OnInitialize(func() {
		// Missing .env is fine; the config loader falls back to
		// defaults and TREEDB_* env vars.
		_ = godotenv.Load()
	})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(sweepCmd)
}
