package main

import (
	"StabilityLedger/internal/observability"
	"StabilityLedger/internal/persistence"
	"StabilityLedger/migrations"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-dsn DSN] [-dir DIR] <up|down|status>")
	fmt.Fprintln(os.Stderr, "  up     - apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down   - roll back the last migration")
	fmt.Fprintln(os.Stderr, "  status - list migrations and whether they are applied")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func main() {
	dsn := flag.String("dsn", envOrDefault("STABILITY_POSTGRES_DSN", "postgres://localhost:5432/stabilityledger?sslmode=disable"), "Postgres connection string")
	dir := flag.String("dir", os.Getenv("STABILITY_MIGRATIONS_DIR"), "migrations directory (default: embedded)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	logger := observability.NewLogger("migrate")

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	migrator := persistence.NewMigrator(db, migrations.FS)
	if *dir != "" {
		migrator = persistence.NewDirMigrator(db, *dir)
	}

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
		for _, s := range status {
			fmt.Fprintf(w, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
		}
		w.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
