package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rpattn/treedb/internal/config"
	"github.com/rpattn/treedb/internal/db"
	"github.com/rpattn/treedb/internal/histo"
	"github.com/rpattn/treedb/internal/ingest"
	"github.com/rpattn/treedb/internal/repository"
)

var (
	importDomainID int64
	importFile     string
	importActor    int64
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-load records from a csv or xlsx file",
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

		f, err := os.Open(importFile)
		if err != nil {
			return fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()

		dao := repository.NewPostgresDAO(conn.Pool)
		svc := ingest.NewService(dao, histo.New(dao))
		summary, err := svc.Ingest(ctx, ingest.Request{
			DomainID: importDomainID,
			Actor:    importActor,
			FileName: filepath.Base(importFile),
			Data:     f,
		})
		if err != nil {
			return err
		}
		fmt.Printf("imported %d of %d rows (%d skipped)\n",
			summary.ValidRows, summary.TotalRows, summary.InvalidRows)
		for _, re := range summary.RowErrors {
			fmt.Printf("  row %d: %s\n", re.Row, re.Err)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Int64Var(&importDomainID, "domain", 0, "tenant domain id to load into")
	importCmd.Flags().StringVar(&importFile, "file", "", "csv or xlsx file to load")
	importCmd.Flags().Int64Var(&importActor, "actor", 0, "actor id recorded on created rows")
	_ = importCmd.MarkFlagRequired("domain")
	_ = importCmd.MarkFlagRequired("file")
}
