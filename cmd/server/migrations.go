package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/phrazzld/archivist/internal/config"
	"github.com/phrazzld/archivist/internal/platform/postgres"
)

var migrationCommands = []string{"up", "down", "status", "version", "reset"}

func validMigrationCommand(cmd string) bool {
	return slices.Contains(migrationCommands, cmd)
}

// handleMigrations runs a goose command against the configured database.
func handleMigrations(ctx context.Context, cfg *config.Config, command string, log *slog.Logger) error {
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations require the postgres driver, got %q", cfg.Database.Driver)
	}

	db, err := setupAppDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("error closing database connection", "error", err)
		}
	}()

	log.Info("executing migrations", "command", command)
	if err := postgres.RunMigrations(ctx, db, command, log); err != nil {
		return err
	}
	log.Info("migrations finished", "command", command)
	return nil
}
