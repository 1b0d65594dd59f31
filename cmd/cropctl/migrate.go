package main

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/crop-copilot-be/internal/bootstrap"
	"github.com/cuongbtq/crop-copilot-be/internal/config"
	"github.com/cuongbtq/crop-copilot-be/internal/storage/sqlstore"
	"github.com/golang-migrate/migrate/v4"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the job store schema",
	Long: `Manage the job store schema of the configured storage backend.

Examples:
  cropctl migrate up
  cropctl migrate down --steps 1
  cropctl migrate version --config configs/worker-service/config.yaml`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			}
			return fmt.Errorf("applying migrations: %w", err)
		}
		return printVersion(cmd, m)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		all, _ := cmd.Flags().GetBool("all")
		if steps <= 0 && !all {
			return fmt.Errorf("one of --steps or --all is required")
		}

		m, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		if all {
			err = m.Down()
		} else {
			err = m.Steps(-steps)
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rolling back migrations: %w", err)
		}
		return printVersion(cmd, m)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		return printVersion(cmd, m)
	},
}

func init() {
	migrateDownCmd.Flags().Int("steps", 0, "number of migrations to roll back")
	migrateDownCmd.Flags().Bool("all", false, "roll back every migration")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

// openMigrator connects to the configured SQL backend. Closing the migrator
// closes the connection.
func openMigrator(cmd *cobra.Command) (*migrate.Migrate, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var (
		db      *sqlx.DB
		dialect string
	)
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		db, err = sqlx.Connect("postgres", bootstrap.PostgreSQLConfig(&cfg.Database).DSN())
		dialect = sqlstore.DialectPostgres
	case config.StorageSQLite:
		db, err = sqlstore.OpenSQLite(cfg.Storage.SQLitePath)
		dialect = sqlstore.DialectSQLite
	default:
		return nil, fmt.Errorf("storage backend %q has no schema", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}

	m, err := sqlstore.NewMigrator(db.DB, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func printVersion(cmd *cobra.Command, m *migrate.Migrate) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d\n", v)
	return nil
}
