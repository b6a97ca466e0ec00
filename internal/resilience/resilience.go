// Package resilience implements spec.md §4.11's Resilience Monitor:
// per-connection health metrics (EWMA response time, consecutive
// failures), VM state classification, and adaptive timeout.
//
// Grounded on original_source/mcp_server/core/connection_resilience.py's
// ConnectionResilience (EWMA alpha=0.1 average, VM-state-aware timeout
// adjustment) and the teacher's internal/capture/circuit_breaker.go
// streak-based open/closed framing. The open/half-open/closed transition
// itself is delegated to github.com/sony/gobreaker (SPEC_FULL.md DOMAIN
// STACK) per connection, while the EWMA/health-score math — a domain
// computation gobreaker doesn't provide — stays hand-rolled.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/NadavLor/windbg-mcp-bridge/internal/config"
	"github.com/NadavLor/windbg-mcp-bridge/internal/util"
)

// ConnState is spec.md §4.11's per-connection connection state.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnUnstable     ConnState = "unstable"
	ConnRecovering   ConnState = "recovering"
	ConnUnknown      ConnState = "unknown"
)

// VMState is spec.md §4.11's target VM state.
type VMState string

const (
	VMResponsive VMState = "responsive"
	VMSlow       VMState = "slow"
	VMHung       VMState = "hung"
	VMBreakMode  VMState = "break_mode"
	VMRunning    VMState = "running"
	VMUnknown    VMState = "unknown"
)

// ewmaAlpha is original_source's "simple exponential moving average"
// constant.
const ewmaAlpha = 0.1

// metrics is spec.md §4.11's per-connection ConnectionMetrics.
type metrics struct {
	lastSuccess         time.Time
	consecutiveFailures int
	totalCommands       int
	totalFailures       int
	avgResponseTime     time.Duration
	lastResponseTime    time.Duration
	failureStreakStart  time.Time
	state               ConnState
}

// Monitor is spec.md §4.11's Resilience Monitor.
type Monitor struct {
	mu       sync.Mutex
	byConn   map[string]*metrics
	breakers map[string]*gobreaker.CircuitBreaker

	vmState VMState
	logger  *zap.Logger

	probeLimiter *rate.Limiter
	cancelProbe  context.CancelFunc
}

// New builds a Monitor. logger may be nil.
func New(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		byConn:       make(map[string]*metrics),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		vmState:      VMUnknown,
		logger:       logger,
		probeLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (m *Monitor) breakerFor(connID string) *gobreaker.CircuitBreaker {
	if cb, ok := m.breakers[connID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        connID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	m.breakers[connID] = cb
	return cb
}

// RecordSuccess updates metrics after a successful command on connID.
func (m *Monitor) RecordSuccess(connID string, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb := m.breakerFor(connID)
	_, _ = cb.Execute(func() (any, error) { return nil, nil })

	mm := m.metricsForLocked(connID)
	mm.totalCommands++
	mm.lastSuccess = time.Now()
	mm.consecutiveFailures = 0
	mm.lastResponseTime = responseTime
	mm.failureStreakStart = time.Time{}
	mm.state = ConnConnected
	mm.avgResponseTime = updateEWMA(mm.avgResponseTime, responseTime)
}

// RecordFailure updates metrics after a failed command on connID.
func (m *Monitor) RecordFailure(connID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb := m.breakerFor(connID)
	_, _ = cb.Execute(func() (any, error) { return nil, err })

	mm := m.metricsForLocked(connID)
	mm.totalCommands++
	mm.totalFailures++
	mm.consecutiveFailures++
	if mm.failureStreakStart.IsZero() {
		mm.failureStreakStart = time.Now()
	}
	mm.state = classifyState(mm.consecutiveFailures)
	m.logger.Warn("command failed", zap.String("conn_id", connID), zap.Error(err),
		zap.Int("consecutive_failures", mm.consecutiveFailures))
}

func classifyState(consecutiveFailures int) ConnState {
	switch {
	case consecutiveFailures == 0:
		return ConnConnected
	case consecutiveFailures < 3:
		return ConnUnstable
	default:
		return ConnDisconnected
	}
}

func (m *Monitor) metricsForLocked(connID string) *metrics {
	mm, ok := m.byConn[connID]
	if !ok {
		mm = &metrics{state: ConnUnknown}
		m.byConn[connID] = mm
	}
	return mm
}

// updateEWMA is original_source's _update_average_response_time,
// alpha=0.1.
func updateEWMA(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	return time.Duration(ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(prev))
}

// ConnState reports connID's last-known connection state.
func (m *Monitor) ConnState(connID string) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.byConn[connID]
	if !ok {
		return ConnUnknown
	}
	return mm.state
}

// IsCircuitOpen reports whether gobreaker has opened connID's circuit
// (i.e. it should not currently be used).
func (m *Monitor) IsCircuitOpen(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[connID]
	if !ok {
		return false
	}
	return cb.State() == gobreaker.StateOpen
}

// HealthScore computes spec.md §4.11's 0.0-1.0 health score for connID,
// grounded on original_source's _calculate_health_score (penalize
// consecutive failures, elevated response time, a >20% failure rate once
// more than 10 commands were seen, and an abnormal connection state).
func (m *Monitor) HealthScore(connID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.byConn[connID]
	if !ok {
		return 1.0
	}
	score := 1.0
	if mm.consecutiveFailures > 0 {
		score -= 0.2 * float64(mm.consecutiveFailures)
	}
	if mm.avgResponseTime > 5*time.Second {
		score -= 0.2
	}
	if mm.totalCommands > 10 {
		if failureRate := float64(mm.totalFailures) / float64(mm.totalCommands); failureRate > 0.2 {
			score -= failureRate
		}
	}
	switch mm.state {
	case ConnDisconnected:
		score -= 0.5
	case ConnUnstable:
		score -= 0.3
	case ConnRecovering:
		score -= 0.2
	}
	if score < 0 {
		score = 0
	}
	return score
}

// SetVMState sets the currently detected VM state.
func (m *Monitor) SetVMState(s VMState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vmState = s
}

// VMState reports the currently detected VM state.
func (m *Monitor) VMState() VMState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vmState
}

// AdaptiveTimeout applies spec.md §4.11's VM-state adjustment on top of a
// timeout already resolved via internal/timeout: slow doubles it, hung
// caps it low to avoid wedging a retry loop against an unresponsive
// target.
func (m *Monitor) AdaptiveTimeout(baseMs int) int {
	switch m.VMState() {
	case VMSlow:
		return baseMs * 2
	case VMHung:
		if baseMs > 10_000 {
			return 10_000
		}
		return baseMs
	default:
		return baseMs
	}
}

// ProbeFunc is a health probe; it returns the observed VM state (or
// VMUnknown plus an error) for one probe round.
type ProbeFunc func(ctx context.Context, mode config.DebuggingMode) (VMState, error)

// StartHealthProbe launches a background ticker (spec.md §4.11: "~30s")
// via util.SafeGo. Overlapping ticks are shed (not queued) using a
// token-bucket rate limiter, so a slow probe doesn't pile up concurrent
// probes under load.
func (m *Monitor) StartHealthProbe(ctx context.Context, interval time.Duration, mode config.DebuggingMode, probe ProbeFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelProbe = cancel
	m.mu.Unlock()

	util.SafeGo(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.probeLimiter.Allow() {
					continue
				}
				state, err := probe(ctx, mode)
				if err != nil {
					m.logger.Warn("health probe failed", zap.Error(err))
					m.SetVMState(VMUnknown)
					continue
				}
				m.SetVMState(state)
			}
		}
	})
}

// StopHealthProbe stops a running probe loop started by StartHealthProbe.
func (m *Monitor) StopHealthProbe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelProbe != nil {
		m.cancelProbe()
		m.cancelProbe = nil
	}
}
