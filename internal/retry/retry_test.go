package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
)

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), DefaultConfig(), nil, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, res.RetriesAttempted)
}

func TestDo_RetriesRetryableThenSucceeds(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelayMs: 1, CapDelayMs: 10, ExponentialBackoff: true}
	calls := 0
	res, err := Do(context.Background(), cfg, nil, func() error {
		calls++
		if calls < 3 {
			return &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, res.RetriesAttempted)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	wantErr := &bridgeerr.ValidationError{Command: "x", Reason: "bad"}
	_, err := Do(context.Background(), DefaultConfig(), nil, func() error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, error(wantErr))
	require.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 2, BaseDelayMs: 1, CapDelayMs: 10, ExponentialBackoff: true}
	calls := 0
	_, err := Do(context.Background(), cfg, nil, func() error {
		calls++
		return &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken}
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestDo_TimedOutFlagSet(t *testing.T) {
	cfg := Config{MaxAttempts: 1, BaseDelayMs: 1, CapDelayMs: 10, ExponentialBackoff: true}
	res, err := Do(context.Background(), cfg, nil, func() error {
		return &bridgeerr.TimeoutError{Command: "g", TimeoutMs: 10}
	})
	require.Error(t, err)
	require.True(t, res.TimedOut)
}

func TestDo_BeforeRetryInvoked(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelayMs: 1, CapDelayMs: 10, ExponentialBackoff: true}
	var seen []int
	calls := 0
	_, _ = Do(context.Background(), cfg, func(attempt int, err error) {
		seen = append(seen, attempt)
	}, func() error {
		calls++
		return &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken}
	})
	require.Equal(t, []int{0, 1}, seen)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelayMs: 1000, CapDelayMs: 30_000, ExponentialBackoff: true}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, cfg, nil, func() error {
		return &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDo_LinearBackoffSchedule(t *testing.T) {
	cfg := Config{MaxAttempts: 4, BaseDelayMs: 5, CapDelayMs: 12, ExponentialBackoff: false}
	var delays []time.Duration
	last := time.Now()
	_, _ = Do(context.Background(), cfg, func(attempt int, err error) {
		now := time.Now()
		delays = append(delays, now.Sub(last))
		last = now
	}, func() error {
		return &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken}
	})
	// base*(i+1) capped at 12ms: 5, 10, 12 -> 3 retries recorded via before().
	require.Len(t, delays, 3)
}
