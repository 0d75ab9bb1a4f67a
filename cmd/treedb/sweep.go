package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/treedb/internal/blob"
	"github.com/rpattn/treedb/internal/cachestore"
	"github.com/rpattn/treedb/internal/config"
	"github.com/rpattn/treedb/internal/db"
	"github.com/rpattn/treedb/internal/repository"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove cache entries not used within the configured ttl",
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

		blobs, err := blob.Open(cfg.Blob.Dir)
		if err != nil {
			return fmt.Errorf("failed to open blob store: %w", err)
		}
		defer blobs.Close()

		store := cachestore.New(repository.NewPostgresDAO(conn.Pool),
			cachestore.WithBlobSpill(blobs, cfg.Cache.SpillBytes))
		n, err := store.SweepStale(ctx, nil, cfg.Cache.TTL)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale cache entries\n", n)
		return nil
	},
}
