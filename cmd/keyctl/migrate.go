package main

import (
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"content-protection-service/internal/infra"
	"content-protection-service/internal/repository"
	"content-protection-service/internal/usecase"
	"content-protection-service/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the content protection service",
	}

	flags := cmd.PersistentFlags()
	flags.String("database-url", "", "Database DSN (or set KEYCTL_DATABASE_URL / DATABASE_URL)")
	flags.String("dir", "", "Directory of .sql migration files (defaults to the embedded set)")
	_ = cfg.BindPFlag("database-url", flags.Lookup("database-url"))
	_ = cfg.BindPFlag("dir", flags.Lookup("dir"))
	_ = cfg.BindEnv("database-url", "KEYCTL_DATABASE_URL", "DATABASE_URL")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	cmd.AddCommand(migrateAutoCmd())
	return cmd
}

// openDB はマイグレーション対象のデータベースに接続する。
func openDB() (*gorm.DB, error) {
	dsn := cfg.GetString("database-url")
	if dsn == "" {
		return nil, fmt.Errorf("--database-url is required (or set KEYCTL_DATABASE_URL)")
	}
	db, err := infra.NewDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// migrationFiles は --dir が指定されていればそのディレクトリを、なければ埋め込みのSQLを返す。
func migrationFiles() (fs.FS, error) {
	dir := cfg.GetString("dir")
	if dir == "" {
		return migrations.FS, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

func newMigrationService() (*usecase.MigrationService, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}
	return usecase.NewMigrationService(repository.NewMigrationRepository(db), files), nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := newMigrationService()
			if err != nil {
				return err
			}

			appliedCount, err := service.ApplyMigrations(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Println("No pending migrations.")
			} else {
				color.Green("Applied %d migration(s) successfully.", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := newMigrationService()
			if err != nil {
				return err
			}

			all, err := service.GetMigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			fmt.Fprintln(w, "-------\t----\t------\t----------")

			for _, migration := range all {
				appliedAt := "-"
				if migration.AppliedAt != nil {
					appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
				}

				status := color.YellowString("pending")
				if migration.Applied() {
					status = color.GreenString("applied")
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, status, appliedAt)
			}

			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}

func migrateAutoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auto",
		Short: "Create or update tables from the data models",
		Long:  "Create or update tables from the data models. Intended for SQLite and PostgreSQL development databases.",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			if err := repository.AutoMigrate(db.WithContext(cmd.Context())); err != nil {
				return fmt.Errorf("auto migration failed: %w", err)
			}
			color.Green("Schema is up to date (%s).", db.Dialector.Name())
			return nil
		},
	}
}
