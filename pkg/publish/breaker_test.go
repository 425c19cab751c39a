package publish_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerforge/eventledger/pkg/publish"
)

type stubPublisher struct {
	calls int
	err   error
}

func (p *stubPublisher) Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error {
	p.calls++
	return p.err
}

func TestBreakerDisabledForwardsEverything(t *testing.T) {
	sink := &stubPublisher{err: errors.New("down")}
	breaker := publish.NewCircuitBreaker(sink, publish.BreakerConfig{Enabled: false})

	for i := 0; i < 10; i++ {
		require.Error(t, breaker.Publish(context.Background(), "events.x", nil, nil))
	}
	require.Equal(t, 10, sink.calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	sink := &stubPublisher{err: errors.New("down")}
	breaker := publish.NewCircuitBreaker(sink, publish.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		Cooldown:         time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := breaker.Publish(ctx, "events.x", nil, nil)
		require.Error(t, err)
		require.NotErrorIs(t, err, publish.ErrCircuitOpen)
	}

	// Open: fails fast without reaching the sink.
	err := breaker.Publish(ctx, "events.x", nil, nil)
	require.ErrorIs(t, err, publish.ErrCircuitOpen)
	require.Equal(t, 3, sink.calls)
}

func TestBreakerProbesAfterCooldownAndClosesOnSuccess(t *testing.T) {
	sink := &stubPublisher{err: errors.New("down")}
	breaker := publish.NewCircuitBreaker(sink, publish.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
	})
	ctx := context.Background()

	require.Error(t, breaker.Publish(ctx, "events.x", nil, nil))
	require.ErrorIs(t, breaker.Publish(ctx, "events.x", nil, nil), publish.ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)

	// The probe reaches the sink; success closes the breaker.
	sink.err = nil
	require.NoError(t, breaker.Publish(ctx, "events.x", nil, nil))
	require.NoError(t, breaker.Publish(ctx, "events.x", nil, nil))
	require.Equal(t, 3, sink.calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	sink := &stubPublisher{err: errors.New("down")}
	breaker := publish.NewCircuitBreaker(sink, publish.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	})
	ctx := context.Background()

	require.Error(t, breaker.Publish(ctx, "events.x", nil, nil))
	sink.err = nil
	require.NoError(t, breaker.Publish(ctx, "events.x", nil, nil))

	// One more failure is below threshold again: still closed.
	sink.err = errors.New("down")
	err := breaker.Publish(ctx, "events.x", nil, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, publish.ErrCircuitOpen)
}
