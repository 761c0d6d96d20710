package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/config"
	"github.com/Veraticus/saffron/internal/storage"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

An existing database is snapshotted before any migration is applied.`,
		RunE: runMigrate,
	}
	cmd.Flags().Bool("status", false, "Show current schema version without applying changes")
	cmd.Flags().Bool("no-snapshot", false, "Skip the pre-migration snapshot")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	statusOnly, _ := cmd.Flags().GetBool("status")
	noSnapshot, _ := cmd.Flags().GetBool("no-snapshot")

	dbPath := config.DatabasePath(viper.GetViper())
	_, statErr := os.Stat(dbPath)
	existed := statErr == nil

	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	current, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	if statusOnly {
		cmd.Println(cli.FormatTitle(cli.FolderIcon + " Database migration status"))
		cmd.Printf("Database: %s\nCurrent version: %d\nLatest version:  %d\n",
			dbPath, current, storage.ExpectedSchemaVersion)
		return nil
	}

	if current >= storage.ExpectedSchemaVersion {
		cmd.Println(cli.FormatSuccess(fmt.Sprintf("Schema is up to date (version %d)", current)))
		return nil
	}

	if existed && current > 0 && !noSnapshot {
		path, err := store.Snapshot(ctx, fmt.Sprintf("pre-migrate-v%d", current))
		if err != nil {
			return fmt.Errorf("failed to snapshot before migrating: %w", err)
		}
		slog.Info("Snapshot written", "path", path)
	}

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	cmd.Println(cli.FormatSuccess(fmt.Sprintf("Migrated %s from version %d to %d",
		dbPath, current, storage.ExpectedSchemaVersion)))
	return nil
}
