// cmd/migrate/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"libralend/internal/config"
	"libralend/internal/storage/sqlstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using existing environment variables")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	var store *sqlstore.Store
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		store, err = sqlstore.OpenPostgres(ctx, cfg.DatabaseURL, cfg.LockTimeout, logger)
	case config.DriverSQLite:
		store, err = sqlstore.OpenSQLite(ctx, cfg.SQLitePath, cfg.LockTimeout, logger)
	default:
		log.Fatalf("STORAGE_DRIVER %q has no schema to migrate", cfg.StorageDriver)
	}
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	var run func(db *sql.DB, dir string) error
	switch command {
	case "up":
		run = func(db *sql.DB, dir string) error { return goose.Up(db, dir) }
	case "down":
		run = func(db *sql.DB, dir string) error { return goose.Down(db, dir) }
	case "status":
		run = func(db *sql.DB, dir string) error { return goose.Status(db, dir) }
	case "version":
		run = func(db *sql.DB, dir string) error { return goose.Version(db, dir) }
	default:
		log.Fatalf("Unknown command: %s. Available commands: up, down, status, version", command)
	}

	log.Printf("Running migrations: %s", command)
	if err := sqlstore.RunGoose(store.DB(), store.Dialect(), logger, run); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
	log.Println("Done")
}
