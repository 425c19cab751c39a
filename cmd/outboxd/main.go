// Command outboxd runs the background outbox dispatcher: it claims
// PENDING and due-for-retry outbox rows, publishes them to NATS
// JetStream, and retires them through the PROCESSING -> COMPLETED /
// FAILED / DEAD_LETTER state machine on the schedule in
// pkg/outbox.DefaultSchedulerConfig.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "gocloud.dev/runtimevar/filevar"

	"github.com/ledgerforge/eventledger/pkg/observability"
	"github.com/ledgerforge/eventledger/pkg/outbox"
	"github.com/ledgerforge/eventledger/pkg/publish"
	natspublish "github.com/ledgerforge/eventledger/pkg/publish/nats"
	"github.com/ledgerforge/eventledger/pkg/runner"
	"github.com/ledgerforge/eventledger/pkg/security/credentials"
	"github.com/ledgerforge/eventledger/pkg/store/postgres"
)

func main() {
	logger := slog.Default()

	if err := run(logger); err != nil {
		logger.Error("outboxd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx := context.Background()

	dsn, err := credentials.ResolveConnectionString(ctx, os.Getenv("DSN_SECRET_URL"), "DATABASE_URL", "postgres://localhost:5432/eventledger")
	if err != nil {
		return fmt.Errorf("resolve dsn: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	natsCfg := natspublish.DefaultConfig()
	natsURL, err := credentials.ResolveConnectionString(ctx, os.Getenv("NATS_SECRET_URL"), "NATS_URL", natsCfg.URL)
	if err != nil {
		return fmt.Errorf("resolve nats url: %w", err)
	}
	natsCfg.URL = natsURL
	jetstream, err := natspublish.NewPublisher(natsCfg)
	if err != nil {
		return err
	}
	defer jetstream.Close()

	// Fail fast on a dead broker instead of letting publish timeouts
	// tie up dispatcher workers; off unless explicitly enabled.
	breakerCfg := publish.BreakerConfig{Enabled: os.Getenv("CIRCUIT_BREAKER_ENABLED") == "true"}
	if breakerCfg.Enabled {
		breakerCfg = publish.DefaultBreakerConfig()
	}
	publisher := publish.NewCircuitBreaker(jetstream, breakerCfg)

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:    "outboxd",
		ServiceVersion: "dev",
		Environment:    os.Getenv("ENVIRONMENT"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer tel.Shutdown(ctx)

	dispatcher := outbox.NewDispatcher(pool, publisher,
		outbox.WithDestinationPrefix("events"), outbox.WithTelemetry(tel))
	scheduler := outbox.NewScheduler(dispatcher, outbox.DefaultSchedulerConfig(), tel.Metrics)

	r := runner.New(
		[]runner.Service{scheduler, commandCleaner(pool, logger)},
		runner.WithLogger(runner.NewSlogLogger(logger)),
	)
	return r.Run(ctx)
}

// commandCleaner prunes expired command-idempotency records hourly, the
// same maintenance cadence as the outbox's completed-entry cleanup.
func commandCleaner(pool *pgxpool.Pool, logger *slog.Logger) runner.Service {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	return runner.NewServiceFunc("command-cleaner",
		func(ctx context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(time.Hour)
				defer ticker.Stop()
				for {
					select {
					case <-loopCtx.Done():
						return
					case <-ticker.C:
						count, err := postgres.CleanExpiredCommands(loopCtx, pool)
						if err != nil {
							logger.Error("clean expired commands", "error", err)
							continue
						}
						if count > 0 {
							logger.Info("cleaned expired command records", "count", count)
						}
					}
				}
			}()
			return nil
		},
		func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	)
}
