package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/treedb/internal/config"
	"github.com/rpattn/treedb/internal/db"
	"github.com/rpattn/treedb/internal/export"
	"github.com/rpattn/treedb/internal/repository"
)

var (
	exportDomainID int64
	exportHistory  bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a domain's records to an xlsx workbook",
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

		svc := export.NewService(repository.NewPostgresDAO(conn.Pool),
			export.WithExportDirectory(cfg.Export.Dir),
			export.WithPageSize(cfg.Export.PageSize),
		)
		path, rows, err := svc.Run(ctx, export.Request{
			DomainID:    exportDomainID,
			WithHistory: exportHistory,
		})
		if err != nil {
			return err
		}
		fmt.Printf("exported %d rows to %s\n", rows, path)
		return nil
	},
}

func init() {
	exportCmd.Flags().Int64Var(&exportDomainID, "domain", 0, "tenant domain id to export")
	exportCmd.Flags().BoolVar(&exportHistory, "history", false, "include historical versions")
	_ = exportCmd.MarkFlagRequired("domain")
}
