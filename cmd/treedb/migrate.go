package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/rpattn/treedb/internal/config"
	"github.com/rpattn/treedb/internal/db"
)

var migrationsPath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQL migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()

		if err := db.RunMigrations(ctx, conn, migrationsPath); err != nil {
			return err
		}
		log.Printf("[migrate] migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsPath, "migrations", "./migrations", "directory containing .up.sql files")
}
