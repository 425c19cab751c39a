// Command migrate applies or reverts the schema migrations bundled with
// pkg/store/postgres against the database named by DATABASE_URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "gocloud.dev/runtimevar/filevar"

	"github.com/ledgerforge/eventledger/pkg/security/credentials"
	"github.com/ledgerforge/eventledger/pkg/store/postgres"
)

func main() {
	var (
		dsn       = flag.String("dsn", "", "postgres connection string (overrides -secret-url and DATABASE_URL)")
		secretURL = flag.String("secret-url", os.Getenv("DSN_SECRET_URL"), "gocloud.dev/runtimevar URL holding the postgres DSN")
		down      = flag.Bool("down", false, "revert the most recently applied migration instead of applying pending ones")
	)
	flag.Parse()

	logger := slog.Default()

	if err := run(logger, *dsn, *secretURL, *down); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, dsnFlag, secretURL string, down bool) error {
	ctx := context.Background()

	dsn, err := credentials.ResolveConnectionString(ctx, secretURL, "DATABASE_URL", dsnFlag)
	if err != nil {
		return fmt.Errorf("resolve dsn: %w", err)
	}
	if dsn == "" {
		return fmt.Errorf("dsn is required (set -dsn, -secret-url, or DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	migrator, err := postgres.Migrator(pool)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	if down {
		reverted, err := migrator.Down(ctx)
		if err != nil {
			return fmt.Errorf("revert migration: %w", err)
		}
		if !reverted {
			logger.Info("nothing to revert")
			return nil
		}
		logger.Info("reverted one migration")
		return nil
	}

	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, err := migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Info("migrations applied", "version", version)
	return nil
}
