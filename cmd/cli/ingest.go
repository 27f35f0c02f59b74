package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"careline/internal/config"
	"careline/internal/database"
	"careline/internal/services"
	"careline/pkg/knowledge"

	"github.com/spf13/cobra"
)

var (
	flagNoUpload bool
)

// ingestCmd loads a hospital FAQ/CSV export into the local knowledge base and,
// when the knowledge service is enabled, uploads the chunks there as well.
var ingestCmd = &cobra.Command{
	Use:   "ingest <file.csv>...",
	Short: "Import CSV documents into the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := config.InitLogger(cfg)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		db, err := database.Open(cfg, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := database.Migrate(db, logger); err != nil {
			return err
		}

		var uploader knowledge.Uploader
		if cfg.Knowledge.Enabled && !flagNoUpload {
			uploader = newKnowledgeClient(cfg.Knowledge, logger)
		}
		ingestor := services.NewKnowledgeIngestor(db, uploader, cfg.Knowledge.KnowledgeBaseID, logger)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		for _, path := range args {
			res, err := ingestFile(ctx, ingestor, cfg.Knowledge, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stored=%d uploaded=%d failed=%d\n",
				filepath.Base(path), res.Stored, res.Uploaded, res.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().BoolVar(&flagNoUpload, "no-upload", false, "store locally only, even when the knowledge service is enabled")
}

func ingestFile(ctx context.Context, ingestor *services.KnowledgeIngestor, kc config.KnowledgeConfig, path string) (*services.IngestResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	docs, err := services.ParseKnowledgeCSV(f, kc.ChunkSize, kc.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return ingestor.Ingest(ctx, filepath.Base(path), docs)
}
