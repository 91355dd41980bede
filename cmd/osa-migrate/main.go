// osa-migrate applies the embedded schema migrations to the archive
// database.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/openscience-archive/osa/migrations"
)

var Version = "dev"

var dsn string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "osa-migrate",
	Short:   "Open Science Archive schema migration tool",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn",
		os.Getenv("OSA_DATABASE_DSN"), "Postgres DSN (defaults to $OSA_DATABASE_DSN)")

	rootCmd.AddCommand(
		migrateCmd("up", "Apply all pending migrations", goose.Up),
		migrateCmd("down", "Roll back the most recent migration", goose.Down),
		migrateCmd("status", "Print the migration status", goose.Status),
	)
}

func migrateCmd(use, short string, run func(*sql.DB, string, ...goose.OptionsFunc) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("no DSN: pass --dsn or set OSA_DATABASE_DSN")
			}

			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			goose.SetBaseFS(migrations.FS)
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			return run(db, ".")
		},
	}
}
