// Command migrate applies, rolls back or reports the database schema
// version. The server can migrate on boot (database.auto_migrate); this
// binary covers deployments that run migrations as a separate step.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/gnosis-kg/gnosis/pkg/database"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

const defaultMigrationsPath = "migrations/sql"

var (
	// Command flags
	upFlag      = flag.Bool("up", false, "Apply all pending migrations")
	downFlag    = flag.Bool("down", false, "Roll back the last migration")
	versionFlag = flag.Bool("version", false, "Show current schema version")

	// Global flags
	dsn           = flag.String("dsn", "", "Database connection string (falls back to DATABASE_URL)")
	migrationsDir = flag.String("dir", defaultMigrationsPath, "Migrations directory")
)

func main() {
	flag.Parse()

	connStr := *dsn
	if connStr == "" {
		connStr = os.Getenv("DATABASE_URL")
	}
	if connStr == "" {
		fmt.Println("Error: -dsn or DATABASE_URL is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewStandardLogger("migrate")

	switch {
	case *versionFlag:
		version, dirty, err := database.SchemaVersion(connStr, *migrationsDir, logger)
		if err != nil {
			log.Fatalf("Failed to get schema version: %v", err)
		}
		fmt.Printf("Current schema version: %d (dirty: %t)\n", version, dirty)

	case *upFlag:
		if err := database.Migrate(connStr, *migrationsDir, logger); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Migrations completed")

	case *downFlag:
		if err := database.Rollback(connStr, *migrationsDir, logger); err != nil {
			log.Fatalf("Failed to roll back migration: %v", err)
		}
		fmt.Println("Rollback completed")

	default:
		fmt.Println("Error: one of -up, -down or -version is required")
		flag.Usage()
		os.Exit(1)
	}
}
