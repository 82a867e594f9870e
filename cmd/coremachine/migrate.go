package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/geoflux/coremachine/internal/platform/config"
	platmigrate "github.com/geoflux/coremachine/internal/platform/migrate"
)

func newMigrateCmd() *cobra.Command {
	var migrationsPath string

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the state store schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQLDB(func(db *sql.DB) error {
				return platmigrate.Up(db, migrationsPath)
			})
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQLDB(func(db *sql.DB) error {
				return platmigrate.Down(db, migrationsPath)
			})
		},
	}

	root.PersistentFlags().StringVar(&migrationsPath, "path", "db/migrations", "Path to migration files")
	root.AddCommand(up, down)
	return root
}

func withSQLDB(fn func(*sql.DB) error) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("migrate: open postgres: %w", err)
	}
	defer db.Close()
	return fn(db)
}
