// Package retry implements spec.md §4.6's Retry Engine: run a callable,
// classify its failure, and retry retryable ones with capped exponential
// backoff.
//
// Grounded on the teacher's internal/capture/circuit_breaker.go retry-loop
// shape and original_source/mcp_server/core/execution/retry_engine.py's
// attempt/classify/sleep algorithm. Backoff scheduling itself is delegated
// to github.com/cenkalti/backoff/v4 (SPEC_FULL.md DOMAIN STACK) rather than
// hand-rolled, since that's exactly the concern the library exists for.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
)

// Config is spec.md §4.6's parameter set.
type Config struct {
	MaxAttempts        int
	BaseDelayMs        int
	CapDelayMs         int
	ExponentialBackoff bool
}

// DefaultConfig matches spec.md §4.6's published defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelayMs: 1000, CapDelayMs: 30_000, ExponentialBackoff: true}
}

// BeforeRetry is invoked with the zero-based attempt index and the error
// that triggered the retry, before the engine sleeps.
type BeforeRetry func(attempt int, err error)

// Result carries the outcome metadata spec.md §4.7's Resilient strategy
// records alongside the wrapped call's own return value.
type Result struct {
	RetriesAttempted int
	TimedOut         bool
}

// Do runs fn, retrying under Config per spec.md §4.6's algorithm. fn's
// return value (if any) is threaded through via the closure; Do itself only
// tracks error/retry bookkeeping, since Go's lack of generics-by-default
// return-value retry wrappers makes a closure-capturing style the idiomatic
// fit here (mirrors how the teacher's retry call sites close over a result
// variable rather than returning it through the retry helper).
func Do(ctx context.Context, cfg Config, before BeforeRetry, fn func() error) (Result, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	res := Result{}
	bo := newBackoff(cfg)

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return res, nil
		}

		var timeoutErr *bridgeerr.TimeoutError
		if errors.As(lastErr, &timeoutErr) {
			res.TimedOut = true
		}

		if !bridgeerr.Retryable(lastErr) {
			return res, lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			return res, lastErr
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return res, lastErr
		}

		if before != nil {
			before(attempt, lastErr)
		}

		res.RetriesAttempted++

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}
	return res, lastErr
}

// newBackoff builds a backoff.BackOff matching spec.md §4.6's
// delay = min(cap, base * (2^i if exponential else (i+1))) schedule.
func newBackoff(cfg Config) backoff.BackOff {
	if !cfg.ExponentialBackoff {
		return &linearBackoff{baseMs: cfg.BaseDelayMs, capMs: cfg.CapDelayMs}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(cfg.BaseDelayMs) * time.Millisecond
	eb.Multiplier = 2
	eb.MaxInterval = time.Duration(cfg.CapDelayMs) * time.Millisecond
	eb.MaxElapsedTime = 0 // engine owns the attempt cap, not elapsed time
	eb.RandomizationFactor = 0
	eb.Reset()
	return eb
}

// linearBackoff implements spec.md §4.6's non-exponential schedule
// (base_delay_ms * (i+1), capped), since backoff/v4 ships no linear
// variant out of the box.
type linearBackoff struct {
	baseMs int
	capMs  int
	n      int
}

func (l *linearBackoff) Reset() { l.n = 0 }

func (l *linearBackoff) NextBackOff() time.Duration {
	l.n++
	ms := l.baseMs * l.n
	if ms > l.capMs {
		ms = l.capMs
	}
	return time.Duration(ms) * time.Millisecond
}
