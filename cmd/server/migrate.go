package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voting-queue-system/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		db, err := database.Open(cfg.Database, log)
		if err != nil {
			return err
		}
		defer database.Close(db)

		if err := database.AutoMigrate(db, log); err != nil {
			return err
		}
		log.Info("schema up to date", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}
