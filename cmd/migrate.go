package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/bvasystems/teste-agente/internal/config"
)

// openMigrator builds a migrator for the SQL files in dir. An empty dir
// falls back to AGENTE_MIGRATIONS_DIR and then to a migrations/ directory
// next to the binary. Also used by first-run onboarding.
func openMigrator(dsn, dir string) (*migrate.Migrate, error) {
	if dir == "" {
		if dir = os.Getenv("AGENTE_MIGRATIONS_DIR"); dir == "" {
			if exe, err := os.Executable(); err == nil {
				dir = filepath.Join(filepath.Dir(exe), "migrations")
			} else {
				dir = "migrations"
			}
		}
	}
	return migrate.New("file://"+dir, dsn)
}

func migrateCmd() *cobra.Command {
	var dir string

	// Every subcommand needs the same setup: a DSN from the environment
	// and a migrator that gets closed afterwards.
	withMigrator := func(fn func(*migrate.Migrate) error) error {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Database.PostgresDSN == "" {
			return errors.New("no database configured: set AGENTE_POSTGRES_DSN")
		}
		m, err := openMigrator(cfg.Database.PostgresDSN, dir)
		if err != nil {
			return fmt.Errorf("open migrator: %w", err)
		}
		defer m.Close()
		return fn(m)
	}

	report := func(m *migrate.Migrate, msg string) {
		v, dirty, _ := m.Version()
		slog.Info(msg, "version", v, "dirty", dirty)
	}

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the sessions database schema",
	}
	root.PersistentFlags().StringVar(&dir, "migrations-dir", "", "directory with the SQL migration files")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(*cobra.Command, []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return err
				}
				report(m, "schema up to date")
				return nil
			})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(*cobra.Command, []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if steps <= 0 {
					steps = 1
				}
				if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return err
				}
				report(m, "rolled back")
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "how many migrations to undo")
	root.AddCommand(down)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(*cobra.Command, []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Printf("version %d (dirty=%v)\n", v, dirty)
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Overwrite the recorded version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Force(v); err != nil {
					return err
				}
				slog.Info("version forced", "version", v)
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "drop",
		Short: "Drop everything in the database",
		RunE: func(*cobra.Command, []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Drop(); err != nil {
					return err
				}
				slog.Info("database dropped")
				return nil
			})
		},
	})

	return root
}
