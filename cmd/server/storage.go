package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arencloud/hoadesk/internal/config"
	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/readiness"
	"github.com/arencloud/hoadesk/internal/session"
	"github.com/arencloud/hoadesk/internal/storage"

	"github.com/spf13/cobra"
)

func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect the documents bucket",
	}
	var create bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Check that the documents bucket exists and is accessible",
		Long: `Runs the same existence and access checks a session runs when it first
opens document storage, as the operator. With --create a missing bucket
is created. Exits non-zero when the bucket is not ready.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			backend, err := storage.New(cfg.Storage)
			if err != nil {
				return err
			}
			return runStorageCheck(cmd, cfg, backend, logging.New(cfg.Env), create)
		},
	}
	check.Flags().BoolVar(&create, "create", false, "create the bucket if it does not exist")
	cmd.AddCommand(check)
	return cmd
}

func runStorageCheck(cmd *cobra.Command, cfg *config.Config, backend readiness.Bucketer, logger logging.Logger, create bool) error {
	opts := readinessOptions(cfg, logger)
	opts.AutoCreate = create
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st := readiness.NewChecker(backend, opts).Check(ctx, session.System())
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if !st.Ready {
		return fmt.Errorf("documents bucket %q is not ready: %s", cfg.Storage.Bucket, *st.ErrorMessage)
	}
	return nil
}
