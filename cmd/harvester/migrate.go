package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/quota-harvester/internal/backfill"
	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the match, participant and checkpoint tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.database(ctx)
			if err != nil {
				return err
			}

			if err := backfill.NewStorage(db.DB(), a.logger.Logger).EnsureSchema(ctx); err != nil {
				return err
			}
			if err := checkpoint.NewPostgresStore(db.DB()).EnsureSchema(ctx); err != nil {
				return err
			}

			a.logger.Info("Schema is up to date")
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}
