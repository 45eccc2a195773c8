package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-sync/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the inventory and discovery tables if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			pool, err := postgres.Connect(cmd.Context(), poolConfig(env.cfg.DB), env.logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.EnsureSchema(cmd.Context(), pool); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			env.logger.Info("schema ready")
			return nil
		},
	}
}
