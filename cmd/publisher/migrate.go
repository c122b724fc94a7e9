package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/social-publisher/internal/tracing"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the trace tables in DATABASE_URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()
		if err := tracing.Migrate(cmd.Context(), pool); err != nil {
			return err
		}
		log.Info().Msg("Trace schema is up to date")
		return nil
	},
}
