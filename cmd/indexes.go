package cmd

import (
	"context"
	"errors"
	"time"

	"rewear/config"
	"rewear/database"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Create the MongoDB indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreDriver != config.StoreMongo {
			return errors.New("indexes only applies to STORE_DRIVER=mongo, SQLite tables are migrated on open")
		}
		if cfg.MongoURI == "" {
			return errors.New("MONGODB_URI must be set")
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		client, err := database.ConnectMongo(ctx, cfg.MongoURI, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.DisconnectMongo(client, logger); err != nil {
				logger.Warn("Failed to disconnect from MongoDB", zap.Error(err))
			}
		}()

		if err := database.EnsureIndexes(ctx, client.Database(cfg.MongoDatabase)); err != nil {
			return err
		}
		logger.Info("Indexes are in place", zap.String("database", cfg.MongoDatabase))
		return nil
	},
}
