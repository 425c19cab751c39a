// Package embeddednats runs a NATS server (JetStream enabled) inside
// the current process, exposed as a runner.Service. The outbox
// dispatcher tests use it as a hermetic stand-in for a real broker;
// single-binary deployments can register it alongside the dispatcher
// so the whole write path ships as one process.
package embeddednats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/ledgerforge/eventledger/pkg/runner"
)

// Service owns the lifecycle of one in-process NATS server.
type Service struct {
	opts   server.Options
	logger runner.Logger
	server *server.Server
}

// Option adjusts the embedded server's configuration.
type Option func(*Service)

// WithPort pins the listen port; the default picks a random free one,
// which is what tests want.
func WithPort(port int) Option {
	return func(s *Service) { s.opts.Port = port }
}

// WithStoreDir sets where JetStream persists streams. Empty uses a
// temporary directory, so data does not survive the process.
func WithStoreDir(dir string) Option {
	return func(s *Service) { s.opts.StoreDir = dir }
}

// WithJetStream toggles JetStream. On by default; the outbox publisher
// requires it.
func WithJetStream(enabled bool) Option {
	return func(s *Service) { s.opts.JetStream = enabled }
}

// WithLogger sets the lifecycle logger.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New builds a not-yet-started embedded server bound to localhost on a
// random port with JetStream enabled.
func New(opts ...Option) *Service {
	s := &Service{
		opts: server.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			JetStream: true,
		},
		logger: runner.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements runner.Service.
func (s *Service) Name() string { return "embedded-nats" }

// Start implements runner.Service: boots the server and blocks until it
// accepts connections.
func (s *Service) Start(ctx context.Context) error {
	srv, err := server.NewServer(&s.opts)
	if err != nil {
		return fmt.Errorf("configure embedded nats: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return fmt.Errorf("embedded nats not ready for connections")
	}

	s.server = srv
	s.logger.Info("embedded nats started", "url", srv.ClientURL())
	return nil
}

// Stop implements runner.Service: shuts the server down and waits for
// it, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("embedded nats stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("embedded nats shutdown: %w", ctx.Err())
	}
}

// HealthCheck implements runner.HealthChecker by opening and closing a
// client connection.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.server == nil {
		return fmt.Errorf("embedded nats not started")
	}
	nc, err := nats.Connect(s.server.ClientURL())
	if err != nil {
		return fmt.Errorf("embedded nats not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the client connection URL; empty before Start.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.ClientURL()
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
