package cli

import (
	"fmt"

	"careline/internal/config"
	"careline/internal/database"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the analytics and knowledge tables",
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
		logger.Info("Database migration completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
