// Package corectx builds and owns the bridge daemon's single wiring point:
// every component constructed once at startup and passed down explicitly,
// replacing the module-level globals the original Python implementation
// relied on (session_recovery, validator, etc. were all package singletons).
//
// Grounded on SPEC_FULL.md's Design Notes §9 ("Module-level mutable
// globals... implemented literally: internal/corectx.Core holds references
// to the pool, cache, validator, timeout resolver, retry engine, executor,
// context manager, recovery manager, resilience monitor, handler registry,
// async task manager, metrics registry and logger") and the teacher's
// cmd/dev-console wiring style (one struct built in main, threaded through
// request handling instead of reached for via package state).
package corectx

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/NadavLor/windbg-mcp-bridge/internal/asynctask"
	"github.com/NadavLor/windbg-mcp-bridge/internal/cache"
	"github.com/NadavLor/windbg-mcp-bridge/internal/config"
	"github.com/NadavLor/windbg-mcp-bridge/internal/dbgcontext"
	"github.com/NadavLor/windbg-mcp-bridge/internal/executor"
	"github.com/NadavLor/windbg-mcp-bridge/internal/handlers"
	"github.com/NadavLor/windbg-mcp-bridge/internal/metrics"
	"github.com/NadavLor/windbg-mcp-bridge/internal/pool"
	"github.com/NadavLor/windbg-mcp-bridge/internal/recovery"
	"github.com/NadavLor/windbg-mcp-bridge/internal/resilience"
	"github.com/NadavLor/windbg-mcp-bridge/internal/retry"
	"github.com/NadavLor/windbg-mcp-bridge/internal/timeout"
	"github.com/NadavLor/windbg-mcp-bridge/internal/transport"
	"github.com/NadavLor/windbg-mcp-bridge/internal/validator"

	"github.com/prometheus/client_golang/prometheus"
)

// Core holds every long-lived component the daemon needs, constructed once
// in cmd/windbg-mcp-bridge/main.go and threaded through request handling.
type Core struct {
	Config      *config.Config
	Logger      *zap.Logger
	Transport   transport.Transport
	Pool        *pool.Pool
	Validator   *validator.Validator
	Timeouts    *timeout.Resolver
	RetryConfig retry.Config
	Cache       *cache.Cache
	ContextMgr  *dbgcontext.Manager
	Handlers    *handlers.Registry
	Resilience  *resilience.Monitor
	Recovery    *recovery.Manager
	AsyncTasks  *asynctask.Manager
	Executor    *executor.Executor
	Metrics     *metrics.Registry
}

// Build constructs a Core from cfg: the transport, connection pool, command
// validator, timeout resolver, handler registry, context manager, unified
// cache, resilience monitor, session recovery manager, unified executor,
// and async task manager, in dependency order.
func Build(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}

	tr := transport.New(transport.Config{EndpointName: cfg.EndpointName})
	connPool := pool.New(tr, pool.Config{
		MaxConnections:        cfg.PoolMaxConnections,
		MaxConcurrentRequests: cfg.PoolMaxConcurrentRequests,
	})

	v := validator.New(cfg.DisallowForAutomation, logger)
	t := timeout.New(cfg.NetworkMultipliers, cfg.DefaultTimeoutMs)

	retryCfg := retry.Config{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		BaseDelayMs:        cfg.Retry.BaseDelayMs,
		CapDelayMs:         cfg.Retry.CapDelayMs,
		ExponentialBackoff: cfg.Retry.ExponentialBackoff,
	}

	c := cache.New(cache.Config{
		MaxEntries:        cfg.Cache.MaxEntries,
		PerCommandTTL:     cache.DefaultPerCommandTTL(),
		CompressThreshold: cfg.Cache.CompressThresholdByte,
	})

	ctxMgr := dbgcontext.New(logger)
	handlerRegistry := handlers.Default(ctxMgr)
	resilienceMonitor := resilience.New(logger)
	recoveryMgr := recovery.New(recovery.Config{
		StateFile:   cfg.Session.SnapshotFile,
		MaxStateAge: time.Duration(cfg.Session.MaxStateAgeS) * time.Second,
	}, c, logger)
	metricsReg := metrics.New(reg)

	exec := executor.New(
		executor.Config{Mode: cfg.DebuggingMode},
		connPool, v, t, retryCfg, handlerRegistry, ctxMgr, c, resilienceMonitor, metricsReg, logger,
	)

	asyncMgr := asynctask.New(asynctask.Config{}, func(ctx context.Context, command, category string) (string, error) {
		return exec.Execute(ctx, command, executor.Options{
			CategoryOverride: timeout.Category(category),
			Resilient:        true,
			Optimize:         true,
		}).OutputOrError()
	})
	exec.AttachAsync(asyncMgr)

	return &Core{
		Config:      cfg,
		Logger:      logger,
		Transport:   tr,
		Pool:        connPool,
		Validator:   v,
		Timeouts:    t,
		RetryConfig: retryCfg,
		Cache:       c,
		ContextMgr:  ctxMgr,
		Handlers:    handlerRegistry,
		Resilience:  resilienceMonitor,
		Recovery:    recoveryMgr,
		AsyncTasks:  asyncMgr,
		Executor:    exec,
		Metrics:     metricsReg,
	}
}

// Shutdown stops the async task manager and closes the transport,
// combining their failures with multierr rather than stopping at the first
// one, then persists the current session snapshot. A snapshot save failure
// is logged, not returned.
func (c *Core) Shutdown() error {
	var err error
	if shutdownErr := c.AsyncTasks.Shutdown(); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("async task manager: %w", shutdownErr))
	}
	if closeErr := c.Transport.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("transport: %w", closeErr))
	}
	if saveErr := c.Recovery.SaveSnapshot(); saveErr != nil {
		c.Logger.Warn("failed to persist session snapshot on shutdown", zap.Error(saveErr))
	}
	return err
}
