// Command windbg-mcp-bridge runs the WinDbg command execution bridge as a
// long-lived daemon: it loads configuration, wires every component via
// corectx.Build, and serves until SIGINT/SIGTERM.
//
// Usage:
//
//	windbg-mcp-bridge -config /etc/windbg-mcp-bridge.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/NadavLor/windbg-mcp-bridge/internal/config"
	"github.com/NadavLor/windbg-mcp-bridge/internal/corectx"
	"github.com/NadavLor/windbg-mcp-bridge/internal/obslog"
	"github.com/NadavLor/windbg-mcp-bridge/internal/protocol"
	"github.com/NadavLor/windbg-mcp-bridge/internal/resilience"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (missing file runs on defaults)")
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "windbg-mcp-bridge: loading config: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	logger, err := obslog.New(obslog.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	if err != nil {
		fmt.Fprintf(os.Stderr, "windbg-mcp-bridge: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("bridge_starting",
		zap.String("endpoint", cfg.EndpointName),
		zap.String("debugging_mode", string(cfg.DebuggingMode)),
	)

	core := corectx.Build(cfg, logger, prometheus.DefaultRegisterer)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	core.Resilience.StartHealthProbe(watchCtx, 30*time.Second, cfg.DebuggingMode, healthProbe(core))
	logger.Info("health_probe_started")

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("bridge_ready")
	sig := <-sigCh
	logger.Info("shutdown_signal_received", zap.String("signal", sig.String()))

	cancelWatch()
	core.Resilience.StopHealthProbe()

	if metricsSrv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shCtx)
		shCancel()
	}

	if shutdownErr := core.Shutdown(); shutdownErr != nil {
		for _, e := range multierr.Errors(shutdownErr) {
			logger.Error("shutdown_error", zap.Error(e))
		}
		os.Exit(1)
	}
	logger.Info("bridge_stopped")
}

// startMetricsServer exposes the process-wide Prometheus registry on
// /metrics, per SPEC_FULL.md's AMBIENT STACK metrics table. A blank
// MetricsAddr disables it. Runs in a background goroutine; a bind failure
// is logged, not fatal, since the bridge's debugging function doesn't
// depend on it.
func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics_server_failed", zap.Error(err))
		}
	}()
	logger.Info("metrics_server_started", zap.String("addr", addr))
	return srv
}

// healthProbe issues a cheap always-safe command through the connection
// pool and classifies the target's responsiveness, feeding
// resilience.Monitor's adaptive-timeout logic.
func healthProbe(core *corectx.Core) resilience.ProbeFunc {
	return func(ctx context.Context, mode config.DebuggingMode) (resilience.VMState, error) {
		guard, err := core.Pool.Acquire(ctx, 5*time.Second, 5*time.Second)
		if err != nil {
			return resilience.VMUnknown, err
		}
		defer core.Pool.Release(guard)

		wire, err := protocol.Serialize(protocol.NewCommandMessage("version", 5_000))
		if err != nil {
			return resilience.VMUnknown, err
		}

		start := time.Now()
		if err := guard.Conn().Write(wire, 10*time.Second); err != nil {
			return resilience.VMHung, err
		}
		if _, err := guard.Conn().ReadMessage(10 * time.Second); err != nil {
			return resilience.VMHung, err
		}

		if elapsed := time.Since(start); elapsed > 5*time.Second {
			return resilience.VMSlow, nil
		}
		return resilience.VMResponsive, nil
	}
}
