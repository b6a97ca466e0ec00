// Package config loads and hot-reloads the bridge daemon's configuration,
// covering every option spec.md §6 names.
//
// Grounded on cmd/gasoline-cmd/config/loader.go's YAML-plus-defaults
// loading style; the teacher loads a CLI tool's config once at startup,
// this daemon additionally watches the file with fsnotify the way
// kubernaut's runtime config loader does, so Watcher.Current always
// returns the latest parsed file. Components built from a Config (retry
// backoff, network multipliers, pool and cache sizes) keep the values they
// were built with until the daemon restarts.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DebuggingMode mirrors spec.md §3's DebuggingMode enum.
type DebuggingMode string

const (
	ModeLocal      DebuggingMode = "local"
	ModeNetwork    DebuggingMode = "network"
	ModeVMNetwork  DebuggingMode = "vm_network"
)

// RetryConfig is spec.md §6's retry.* block.
type RetryConfig struct {
	MaxAttempts        int  `yaml:"max_attempts"`
	BaseDelayMs        int  `yaml:"base_delay_ms"`
	CapDelayMs         int  `yaml:"cap_delay_ms"`
	ExponentialBackoff bool `yaml:"exponential_backoff"`
}

// CacheConfig is spec.md §6's cache.* block.
type CacheConfig struct {
	MaxEntries            int            `yaml:"max_entries"`
	DefaultTTLPerContext  map[string]int `yaml:"default_ttl_per_context"`
	CompressThresholdByte int            `yaml:"compress_threshold_bytes"`
}

// SessionConfig is spec.md §6's session.* block.
type SessionConfig struct {
	SnapshotFile string `yaml:"snapshot_file"`
	MaxStateAgeS int    `yaml:"max_state_age_s"`
}

// Config is the full set of options spec.md §6 recognizes.
type Config struct {
	EndpointName              string        `yaml:"endpoint_name"`
	DefaultTimeoutMs          int           `yaml:"default_timeout_ms"`
	DebuggingMode             DebuggingMode `yaml:"debugging_mode"`
	PoolMaxConnections        int           `yaml:"pool_max_connections"`
	PoolMaxConcurrentRequests int           `yaml:"pool_max_concurrent_requests"`
	Retry                     RetryConfig   `yaml:"retry"`
	Cache                     CacheConfig   `yaml:"cache"`
	Session                   SessionConfig `yaml:"session"`

	// NetworkMultipliers maps DebuggingMode -> timeout multiplier. Tunable
	// from the config file per spec.md §9's open question (read when the
	// timeout resolver is built at startup); defaults match spec.md §4.5.
	NetworkMultipliers map[DebuggingMode]float64 `yaml:"network_multipliers"`

	// DisallowForAutomation is spec.md §4.4's configurable deny-list on top
	// of validity; empty by default (execution/breakpoint ops allowed).
	DisallowForAutomation []string `yaml:"disallow_for_automation"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// MetricsAddr is the listen address for the /metrics Prometheus
	// endpoint. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration spec.md's defaults describe.
func Default() *Config {
	return &Config{
		EndpointName:              "/tmp/windbg-mcp-bridge.sock",
		DefaultTimeoutMs:          30_000,
		DebuggingMode:             ModeVMNetwork,
		PoolMaxConnections:        4,
		PoolMaxConcurrentRequests: 10,
		Retry: RetryConfig{
			MaxAttempts:        3,
			BaseDelayMs:        1000,
			CapDelayMs:         30_000,
			ExponentialBackoff: true,
		},
		Cache: CacheConfig{
			MaxEntries: 500,
			DefaultTTLPerContext: map[string]int{
				"startup":     0,
				"command":     300,
				"session":     30,
				"performance": 600,
			},
			CompressThresholdByte: 10 * 1024,
		},
		Session: SessionConfig{
			SnapshotFile: "/tmp/windbg-mcp-bridge-session.json",
			MaxStateAgeS: 3600,
		},
		NetworkMultipliers: map[DebuggingMode]float64{
			ModeLocal:     1,
			ModeNetwork:   2,
			ModeVMNetwork: 3,
		},
		DisallowForAutomation: nil,
		LogLevel:              "info",
		LogJSON:               true,
		MetricsAddr:           ":9090",
	}
}

// Load reads a YAML file at path and overlays it onto Default(). A missing
// file is not an error — the daemon runs on defaults, matching the
// teacher's config loader's graceful-missing-file posture.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher hot-reloads a Config from disk, publishing each reload via an
// atomic.Pointer swap. Current() returns the latest Config; a caller that
// keeps the returned pointer keeps that version across later reloads.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher loads path once and arms an fsnotify watch on it. If the file
// doesn't exist yet, Current() returns Default() until it appears.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger, stopCh: make(chan struct{})}
	w.current.Store(cfg)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// A daemon should still run without hot-reload; log and continue.
		if logger != nil {
			logger.Warn("config hot-reload disabled", zap.Error(err))
		}
		return w, nil
	}
	w.watcher = fsw

	dir := dirOf(path)
	if err := fsw.Add(dir); err != nil {
		if logger != nil {
			logger.Warn("config hot-reload watch failed", zap.String("dir", dir), zap.Error(err))
		}
		_ = fsw.Close()
		w.watcher = nil
		return w, nil
	}

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Config. Safe for concurrent use.
func (w *Watcher) Current() *Config {
	if c := w.current.Load(); c != nil {
		return c
	}
	return Default()
}

// Close stops the watch goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(50 * time.Millisecond)
		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				if w.logger != nil {
					w.logger.Warn("config reload failed, keeping previous", zap.Error(err))
				}
				continue
			}
			w.current.Store(cfg)
			if w.logger != nil {
				w.logger.Info("config reloaded", zap.String("path", w.path))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
