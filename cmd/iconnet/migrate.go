package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/db"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply session store migrations to the libsql database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			conn, err := db.ConnectToDB(ctx, cfg.Session.LibSQLPath, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := db.Migrate(ctx, conn); err != nil {
				return err
			}
			version, err := db.MigrationStatus(ctx, conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session schema at version %d (%s)\n", version, cfg.Session.LibSQLPath)
			return nil
		},
	}
}
