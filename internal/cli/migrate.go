package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/config"
	"github.com/condorsoft/funnels/pkg/database"
)

// NewMigrateCommand creates the migrate command. It reads the same environment as the server.
func NewMigrateCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				logger = zap.NewNop()
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), 1, logger)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			defer pool.Close()
			if err := database.Migrate(ctx, pool, logger); err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}
