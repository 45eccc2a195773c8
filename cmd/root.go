// Package cmd defines and implements the CLI commands of the catalogsync executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/logging"
)

type envKeyType string

const envKey envKeyType = "env"

// environment is what every subcommand receives: validated config and a logger.
type environment struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadEnvironment is a variable so tests can replace it.
var loadEnvironment = func(cfgFile, envFile string) (*environment, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return &environment{cfg: cfg, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string
	cmd := &cobra.Command{
		Use:   "catalogsync",
		Short: "Synchronize an inventory table with a storefront's paginated catalog.",
		Long: `catalogsync crawls a paginated catalog listing with a bounded worker pool,
stops at the first long run of non-purchasable items, and writes only the
quantity and price changes it observed to the inventory table.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment(cfgFile, envFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, env))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if env, ok := cmd.Context().Value(envKey).(*environment); ok && env != nil {
				_ = env.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./catalogsync.yaml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newCheckpointCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

func resolveEnvironment(ctx context.Context) (*environment, error) {
	env, ok := ctx.Value(envKey).(*environment)
	if !ok || env == nil {
		return nil, errors.New("environment not initialized")
	}
	return env, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
