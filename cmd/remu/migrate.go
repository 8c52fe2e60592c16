//go:build !test

package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/remu/internal/migrations"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the database schema version",
	}
	cmd.AddCommand(newMigrateUpCommand(root), newMigrateRollbackCommand(root))
	return cmd
}

func newMigrateUpCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(root, func(m *migrations.Migrator) error {
				return m.RunMigrations()
			})
		},
	}
}

func newMigrateRollbackCommand(root *rootOptions) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert the most recently applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("steps must be at least 1")
			}
			return withMigrator(root, func(m *migrations.Migrator) error {
				for i := 0; i < steps; i++ {
					if err := m.Rollback(); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	return cmd
}

// withMigrator runs fn against the configured database and logs the schema
// version before and after
func withMigrator(root *rootOptions, fn func(m *migrations.Migrator) error) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	db, err := cfg.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	m := migrations.NewDefaultMigrator(db)
	if err := fn(m); err != nil {
		return err
	}
	version, err := m.GetCurrentVersion()
	if err != nil {
		return err
	}
	fields := log.Fields{"path": cfg.Database.Path, "version": version}
	if known := m.GetMigrations(); len(known) > 0 {
		fields["latest"] = known[len(known)-1].Version
	}
	log.WithFields(fields).Info("schema version")
	return nil
}
