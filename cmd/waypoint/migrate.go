package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/waypoint/internal/storage"
)

func newMigrateCmd(load loadFunc) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				files, err := storage.MigrationFiles()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintln(cmd.OutOrStdout(), f)
				}
				return nil
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dsn := cfg.Database.DSN()
			if dsn == "" {
				return fmt.Errorf("no database configured: set %s", cfg.Database.DSNEnv)
			}
			return storage.RunMigrations(dsn, logger)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print the embedded migration files and exit")
	return cmd
}
