package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/perfcore/internal/cache/redisstore"
	"github.com/mohammed-shakir/perfcore/internal/core/config"
	"github.com/mohammed-shakir/perfcore/internal/state"
	"github.com/mohammed-shakir/perfcore/internal/threshold"
)

func newReportCmd() *cobra.Command {
	var driver, dir string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the threshold report from persisted state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if driver != "" {
				cfg.StateDriver = driver
			}
			if dir != "" {
				cfg.StateDir = dir
			}

			var kv state.KV
			if cfg.StateDriver == "redis" {
				rc, err := redisstore.New(cmd.Context(), cfg.RedisAddr, redisOptions(cfg)...)
				if err != nil {
					return err
				}
				defer func() { _ = rc.Close() }()
				kv = rc
			}
			store, err := openStateStore(cfg, kv)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("state driver none has nothing to report")
			}

			rep, err := threshold.LoadReport(cmd.Context(), store)
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("no persisted thresholds under driver %q", cfg.StateDriver)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "state driver: file|redis (default $STATE_DRIVER)")
	cmd.Flags().StringVar(&dir, "state-dir", "", "state directory for the file driver (default $STATE_DIR)")
	return cmd
}
