// Command bankdemo exercises the bankaccount worked example end to end
// against a running Postgres instance: open the account (or load it if
// it already exists), deposit, withdraw, save, and log the resulting
// balance and version.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "gocloud.dev/runtimevar/filevar"

	"github.com/ledgerforge/eventledger/internal/bankaccount"
	"github.com/ledgerforge/eventledger/pkg/codec"
	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/logctx"
	"github.com/ledgerforge/eventledger/pkg/middleware"
	"github.com/ledgerforge/eventledger/pkg/multitenancy"
	"github.com/ledgerforge/eventledger/pkg/observability"
	"github.com/ledgerforge/eventledger/pkg/security/credentials"
	"github.com/ledgerforge/eventledger/pkg/store"
	"github.com/ledgerforge/eventledger/pkg/store/postgres"
	"github.com/ledgerforge/eventledger/pkg/txn"
	"github.com/shopspring/decimal"
)

func main() {
	var accountID = flag.String("account", "ACC-DEMO-001", "aggregate id for the demo account")
	flag.Parse()

	logger := slog.Default()

	if err := run(logger, *accountID); err != nil {
		logger.Error("bankdemo failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, accountID string) error {
	ctx := logctx.WithContext(context.Background(), &logctx.LoggingContext{
		CorrelationID: accountID + "-demo",
		Operation:     "bankdemo.run",
	})

	// With TENANT_ID set the demo runs tenant-scoped: aggregate ids are
	// composed as {tenant}::{account} and every event and outbox row is
	// stamped with the tenant.
	tenantID := os.Getenv("TENANT_ID")
	if tenantID != "" {
		ctx = multitenancy.WithTenantID(ctx, tenantID)
	}

	dsn, err := credentials.ResolveConnectionString(ctx, os.Getenv("DSN_SECRET_URL"), "DATABASE_URL", "postgres://localhost:5432/eventledger")
	if err != nil {
		return fmt.Errorf("resolve dsn: %w", err)
	}

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:    "bankdemo",
		ServiceVersion: "dev",
		Environment:    os.Getenv("ENVIRONMENT"),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tel.Shutdown(ctx)
	obs := observability.NewRepositoryMiddleware(tel)

	jsonCodec := codec.NewJSONCodec()
	bankaccount.RegisterCodec(jsonCodec)

	events, err := postgres.NewEventStore(ctx, jsonCodec, postgres.WithDSN(dsn), postgres.WithOutbox(true))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer events.Close()

	snapshots := postgres.NewSnapshotStore(events.Pool())
	repo := store.Repository[*bankaccount.Account](bankaccount.NewRepository(events, snapshots,
		store.WithSnapshotStrategy[*bankaccount.Account](store.NewIntervalSnapshotStrategy(10))))
	aggregateID := accountID
	if tenantID != "" {
		repo = multitenancy.NewTenantScopedRepository[*bankaccount.Account](repo)
		aggregateID = multitenancy.ComposeAggregateID(tenantID, accountID)
	}

	exists, err := repo.Exists(ctx, accountID)
	if err != nil {
		return fmt.Errorf("check account existence: %w", err)
	}

	var acc *bankaccount.Account
	if exists {
		err = obs.WrapLoad(ctx, bankaccount.AggregateType, accountID, false, func() error {
			acc, err = repo.Load(ctx, accountID)
			return err
		})
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		logger.Info("loaded existing account", "accountId", accountID, "balance", acc.Balance(), "version", acc.Version())
	} else {
		acc = bankaccount.NewAccount(aggregateID)
		if err := acc.Open(accountID, bankaccount.Checking, "CUSTOMER-1", decimal.RequireFromString("1000.00"), "USD", domain.NewMetadata()); err != nil {
			return fmt.Errorf("open account: %w", err)
		}
		logger.Info("opened new account", "accountId", accountID)
	}

	if err := acc.Deposit(decimal.RequireFromString("500.00"), domain.NewMetadata()); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	if err := acc.Withdraw(decimal.RequireFromString("250.00"), domain.NewMetadata()); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}

	// Saving runs under a TransactionCoordinator rather than calling
	// repo.Save directly, so the event append and any future write
	// this command performs alongside it (e.g. a command-result record)
	// share one REQUIRED transaction instead of two round trips. The
	// coordinator's middleware chain guards and instruments every
	// operation it executes.
	chain := []middleware.Middleware{
		middleware.RecoveryMiddleware(logger),
		middleware.RequireContextMiddleware(),
		middleware.LoggingMiddleware(logger),
		middleware.TracingMiddleware("bankdemo"),
	}
	if tenantID != "" {
		chain = append(chain, multitenancy.IsolationMiddleware())
	}
	coordinator := txn.NewTransactionCoordinator(events.Pool(), chain...)
	var stream *domain.EventStream
	err = obs.WrapSave(ctx, bankaccount.AggregateType, accountID, acc.Version(), len(acc.UncommittedEvents()), func() error {
		return coordinator.Execute(ctx, func(ctx context.Context) error {
			var err error
			stream, err = repo.Save(ctx, acc)
			return err
		}, txn.WithPropagation(txn.Required))
	})
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	logger.Info("account saved",
		"accountId", accountID,
		"balance", acc.Balance(),
		"version", stream.CurrentVersion,
		"eventCount", len(stream.Envelopes),
	)
	return nil
}
