package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"credit_ledger/internal/config"
	"credit_ledger/internal/storage"
)

var databaseURL string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMigrator()
		if err != nil {
			return err
		}
		defer m.Close()
		return m.Up()
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations, all of them unless steps is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := 0
		if len(args) == 1 {
			if _, err := fmt.Sscanf(args[0], "%d", &steps); err != nil || steps <= 0 {
				return fmt.Errorf("steps must be a positive integer")
			}
		}

		m, err := openMigrator()
		if err != nil {
			return err
		}
		defer m.Close()
		return m.Down(steps)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMigrator()
		if err != nil {
			return err
		}
		defer m.Close()

		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return nil
	},
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (default $DATABASE_URL)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

// openDB connects using --database-url or DATABASE_URL, after .env
func openDB() (*storage.DB, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	url := databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := storage.DefaultDBConfig()
	cfg.URL = url
	cfg.MaxOpenConns = 2
	return storage.NewDB(cfg)
}

func openMigrator() (*storage.Migrator, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	// the migrator owns the connection from here
	m, err := storage.NewMigrator(db.Conn().DB)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}
