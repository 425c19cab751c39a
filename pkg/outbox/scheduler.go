package outbox

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerforge/eventledger/pkg/observability"
)

// SchedulerConfig controls the background cadence: pending every 5s
// (initial delay 10s), retry every 30s (initial delay 20s), cleanup
// hourly, statistics every 5min.
type SchedulerConfig struct {
	BatchSize          int
	PendingInterval    time.Duration
	PendingInitialWait time.Duration
	RetryInterval      time.Duration
	RetryInitialWait   time.Duration
	CleanupInterval    time.Duration
	CleanupOlderDays   int
	StatsInterval      time.Duration
}

// DefaultSchedulerConfig is the dispatcher's standard liveness schedule.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:          100,
		PendingInterval:    5 * time.Second,
		PendingInitialWait: 10 * time.Second,
		RetryInterval:      30 * time.Second,
		RetryInitialWait:   20 * time.Second,
		CleanupInterval:    time.Hour,
		CleanupOlderDays:   7,
		StatsInterval:      5 * time.Minute,
	}
}

// Scheduler runs the dispatcher's four periodic loops and implements
// pkg/runner.Service so it can be registered alongside the rest of a
// process's long-running components.
type Scheduler struct {
	dispatcher *Dispatcher
	config     SchedulerConfig
	metrics    *observability.Metrics
	cancel     context.CancelFunc
	group      *errgroup.Group
}

// NewScheduler builds a Scheduler that is not yet running; call Start to
// begin the four loops. metrics may be nil, in which case statistics are
// only logged, never exported.
func NewScheduler(dispatcher *Dispatcher, config SchedulerConfig, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{dispatcher: dispatcher, config: config, metrics: metrics}
}

// Name implements runner.Service.
func (s *Scheduler) Name() string { return "outbox-dispatcher" }

// Start implements runner.Service: launches the four periodic loops on
// an internal errgroup-managed context and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	group, gctx := errgroup.WithContext(loopCtx)
	s.group = group

	group.Go(func() error { return s.loop(gctx, "pending", s.config.PendingInitialWait, s.config.PendingInterval, s.runPending) })
	group.Go(func() error { return s.loop(gctx, "retry", s.config.RetryInitialWait, s.config.RetryInterval, s.runRetry) })
	group.Go(func() error { return s.loop(gctx, "cleanup", s.config.CleanupInterval, s.config.CleanupInterval, s.runCleanup) })
	group.Go(func() error { return s.loop(gctx, "statistics", s.config.StatsInterval, s.config.StatsInterval, s.runStatistics) })

	slog.InfoContext(ctx, "outbox dispatcher started", "batchSize", s.config.BatchSize)
	return nil
}

// Stop implements runner.Service: cancels the loops and waits for them
// to return, bounded by ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, name string, initialWait, interval time.Duration, fn func(context.Context)) error {
	timer := time.NewTimer(initialWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "outbox loop stopping", "loop", name)
			return nil
		case <-timer.C:
			fn(ctx)
			timer.Reset(interval)
		}
	}
}

func (s *Scheduler) runPending(ctx context.Context) {
	count, err := s.dispatcher.ProcessPendingEntries(ctx, s.config.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "process pending outbox entries", "error", err)
		return
	}
	if count > 0 {
		slog.DebugContext(ctx, "processed pending outbox entries", "count", count)
	}
}

func (s *Scheduler) runRetry(ctx context.Context) {
	count, err := s.dispatcher.ProcessRetryEntries(ctx, s.config.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "process retry outbox entries", "error", err)
		return
	}
	if count > 0 {
		slog.DebugContext(ctx, "processed retry outbox entries", "count", count)
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	count, err := s.dispatcher.CleanupCompletedEntries(ctx, s.config.CleanupOlderDays)
	if err != nil {
		slog.ErrorContext(ctx, "cleanup completed outbox entries", "error", err)
		return
	}
	if count > 0 {
		slog.InfoContext(ctx, "cleaned up completed outbox entries", "count", count)
	}
}

func (s *Scheduler) runStatistics(ctx context.Context) {
	stats, err := s.dispatcher.GetStatistics(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "collect outbox statistics", "error", err)
		return
	}
	slog.InfoContext(ctx, "outbox statistics",
		"pending", stats.PendingCount, "processing", stats.ProcessingCount,
		"completed", stats.CompletedCount, "failed", stats.FailedCount, "deadLetter", stats.DeadLetterCount)
	if stats.DeadLetterCount > 0 {
		slog.WarnContext(ctx, "outbox has dead-lettered entries requiring operator attention", "count", stats.DeadLetterCount)
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxStatistics(ctx, stats.PendingCount, stats.ProcessingCount, stats.DeadLetterCount)
		s.metrics.RecordPoolConnections(ctx, int64(s.dispatcher.PoolStat().AcquiredConns()))
	}
}
