package main

import (
	"github.com/spf13/cobra"

	"github.com/rpattn/urbanimport/internal/db"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the reference urban_objects schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer func() { _ = a.close() }()
			if err := db.RunMigrations(a.cfg.Database, a.log.WithField("stage", "migrate")); err != nil {
				return withCode(exitDB, err)
			}
			return nil
		},
	}
}
