package publish

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without touching the wrapped publisher
// while the breaker is open.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

// BreakerConfig tunes a CircuitBreaker. The zero value keeps the
// breaker disabled, matching the default-off resilience configuration.
type BreakerConfig struct {
	Enabled bool

	// FailureThreshold is how many consecutive failures trip the
	// breaker open.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a
	// probe publish through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the standard thresholds used when the
// breaker is enabled without explicit tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker decorates a Publisher with consecutive-failure
// tripping: after FailureThreshold publish failures in a row the
// breaker opens and fails fast for Cooldown, then lets calls through
// again; a success closes it and a failure re-opens it. Fail-fast keeps a dead
// broker from tying up dispatcher workers (and pooled connections) in
// publish timeouts.
type CircuitBreaker struct {
	inner  Publisher
	config BreakerConfig

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewCircuitBreaker wraps inner. A disabled config returns a breaker
// that forwards every call untouched.
func NewCircuitBreaker(inner Publisher, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{inner: inner, config: config}
}

// Publish implements Publisher.
func (b *CircuitBreaker) Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error {
	if !b.config.Enabled {
		return b.inner.Publish(ctx, destination, payload, headers)
	}

	b.mu.Lock()
	if !b.openUntil.IsZero() && time.Now().Before(b.openUntil) {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCircuitOpen, destination)
	}
	b.mu.Unlock()

	err := b.inner.Publish(ctx, destination, payload, headers)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		b.openUntil = time.Time{}
		return nil
	}
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.openUntil = time.Now().Add(b.config.Cooldown)
	}
	return err
}

// Close implements Closer if the wrapped publisher does.
func (b *CircuitBreaker) Close() error {
	if closer, ok := b.inner.(Closer); ok {
		return closer.Close()
	}
	return nil
}
