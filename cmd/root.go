// Package cmd is the rewear command line: the API server and its
// maintenance commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"rewear/config"
	"rewear/database"
	"rewear/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// skipValidation marks commands that must run before the service is
// configured.
const skipValidation = "rewear/skip-validation"

var (
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "rewear",
	Short:         "ReWear community clothing exchange backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexesCmd)
	rootCmd.AddCommand(vapidCmd)
	rootCmd.AddCommand(promoteCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cmd.Annotations[skipValidation] == "true" {
		return config.Read()
	}
	return config.Load()
}

// newLogger logs JSON in release mode and console output otherwise.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.Release() {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// openStore connects the backend named by STORE_DRIVER.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		client, err := database.ConnectMongo(ctx, cfg.MongoURI, logger)
		if err != nil {
			return nil, err
		}
		return store.NewMongoStore(client, cfg.MongoDatabase), nil
	case config.StoreSQLite:
		logger.Info("Opening SQLite store", zap.String("path", cfg.SQLitePath))
		return store.NewSQLStore(cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}
