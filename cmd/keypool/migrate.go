package main

import (
	"database/sql"
	"log/slog"

	"github.com/alecgard/keypool/internal/config"
	"github.com/alecgard/keypool/internal/postgres"
	"github.com/alecgard/keypool/internal/sqlite"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE:  runMigrateDown,
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := migrateWith(postgres.RunMigrations, sqlite.RunMigrations); err != nil {
		return err
	}
	slog.Info("migrations applied successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	if err := migrateWith(postgres.RollbackMigrations, sqlite.RollbackMigrations); err != nil {
		return err
	}
	slog.Info("migrations rolled back successfully")
	return nil
}

// migrateWith runs the step matching the configured driver.
func migrateWith(pg func(url string) error, lite func(*sql.DB) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver == config.DriverPostgres {
		return pg(cfg.Database.URL)
	}

	db, err := sqlite.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	return lite(db.Writer)
}
