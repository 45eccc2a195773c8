package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or discard the saved crawl checkpoint",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the saved checkpoint as JSON",
		RunE:  runCheckpointShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the saved checkpoint so the next sync starts at page 1",
		RunE:  runCheckpointClear,
	})
	return cmd
}

func runCheckpointShow(cmd *cobra.Command, _ []string) error {
	env, err := resolveEnvironment(cmd.Context())
	if err != nil {
		return err
	}
	store, closeStore, err := buildCheckpointStore(cmd.Context(), env.cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer closeStore()

	loaded, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	cp, ok := loaded.Get()
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint")
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(cp); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

func runCheckpointClear(cmd *cobra.Command, _ []string) error {
	env, err := resolveEnvironment(cmd.Context())
	if err != nil {
		return err
	}
	store, closeStore, err := buildCheckpointStore(cmd.Context(), env.cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Clear(cmd.Context()); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	env.logger.Info("checkpoint cleared", zap.String("backend", env.cfg.Checkpoint.Backend))
	fmt.Fprintln(cmd.OutOrStdout(), "checkpoint cleared")
	return nil
}
