// Schema migration tool for the metadata ledger.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"

	"github.com/rs/zerolog"

	"github.com/pennyops/tradefabric/internal/config"
	"github.com/pennyops/tradefabric/internal/db"

	_ "github.com/lib/pq"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or status")
	configPath := flag.String("config", "", "Path to config file")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL (overrides config)")
	migrationsDir := flag.String("migrations", "migrations", "Path to migrations directory")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	dsn := *dbURL
	if dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load config")
		}
		dsn = cfg.Database.GetDSN()
	}

	database, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}

	migrator := db.NewMigrator(database, *migrationsDir, log)

	switch *command {
	case "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	case "status":
		if err := migrator.Status(ctx); err != nil {
			log.Fatal().Err(err).Msg("Status failed")
		}
	default:
		log.Fatal().Str("command", *command).Msg("Unknown command (want migrate or status)")
	}
}
