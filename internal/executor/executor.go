// Package executor implements spec.md §4.7's Unified Executor: the front
// door that every MCP tool call funnels through, dispatching to one of
// four strategies (direct/resilient/optimized/async) and building the
// resulting ExecutionResult.
//
// Grounded on original_source/mcp_server/core/execution/unified_executor.py
// (strategy selection from boolean flags, the shared validate/build-context/
// resolve-timeout preamble, and the optimization bypass list) and the
// teacher's internal/queries dispatcher (a single entry point fanning out
// to per-concern helpers rather than duplicating plumbing per call site).
// Wires together every other package built for this bridge: validator,
// timeout, pool, protocol, retry, handlers, asynctask, dbgcontext, cache.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NadavLor/windbg-mcp-bridge/internal/asynctask"
	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
	"github.com/NadavLor/windbg-mcp-bridge/internal/cache"
	"github.com/NadavLor/windbg-mcp-bridge/internal/config"
	"github.com/NadavLor/windbg-mcp-bridge/internal/dbgcontext"
	"github.com/NadavLor/windbg-mcp-bridge/internal/handlers"
	"github.com/NadavLor/windbg-mcp-bridge/internal/metrics"
	"github.com/NadavLor/windbg-mcp-bridge/internal/pool"
	"github.com/NadavLor/windbg-mcp-bridge/internal/protocol"
	"github.com/NadavLor/windbg-mcp-bridge/internal/resilience"
	"github.com/NadavLor/windbg-mcp-bridge/internal/retry"
	"github.com/NadavLor/windbg-mcp-bridge/internal/timeout"
	"github.com/NadavLor/windbg-mcp-bridge/internal/validator"
)

// Mode is spec.md §3's ExecutionResult.mode enumeration.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeResilient Mode = "resilient"
	ModeOptimized Mode = "optimized"
	ModeAsync     Mode = "async"
)

// Result is spec.md §3's ExecutionResult entity.
type Result struct {
	Success          bool
	Output           string
	Error            string
	Mode             Mode
	StartedAt        time.Time
	CompletedAt      time.Time
	Elapsed          time.Duration
	RetriesAttempted int
	TimeoutCategory  timeout.Category
	TimeoutMs        int
	TimedOut         bool
	Cached           bool
	Compressed       bool
	OptimizationLevel string
	Metadata         map[string]any
	TaskID           string // populated for ModeAsync's fire-and-forget form
}

// OutputOrError collapses a Result into the (string, error) shape a plain
// caller expects, for composing Execute with components that don't need
// the full Result (e.g. the async task manager's executor callback).
func (r Result) OutputOrError() (string, error) {
	if r.Success {
		return r.Output, nil
	}
	return "", errors.New(r.Error)
}

// Options selects the strategy and tunes strategy-specific behavior, per
// spec.md §4.7's "strategy selected from flags".
type Options struct {
	Async             bool
	Optimize          bool
	Resilient         bool
	CategoryOverride  timeout.Category
	Priority          asynctask.Priority
	AsyncWaitFor      time.Duration // 0 = return task id immediately
	CorrelationID     string
}

func (o Options) strategy() Mode {
	switch {
	case o.Async:
		return ModeAsync
	case o.Optimize:
		return ModeOptimized
	case o.Resilient:
		return ModeResilient
	default:
		return ModeDirect
	}
}

// bypassOptimizationPrefixes are state-changing commands that must never be
// treated as optimizable, per spec.md §4.7's Optimized strategy bypass
// list.
var bypassOptimizationPrefixes = []string{
	".reload /f", ".restart",
	"g", "p", "t", "gu", "wt",
	"bp", "ba", "bu", "bm", "bc", "bd", "be",
	".thread", ".process",
	".sympath",
}

func bypassesOptimization(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	head := fields[0]
	for _, p := range bypassOptimizationPrefixes {
		if head == p || strings.HasPrefix(command, p) {
			return true
		}
	}
	return false
}

// Config wires the Executor's dependencies and static tunables.
type Config struct {
	Mode               config.DebuggingMode
	ConnectTimeout     time.Duration // default 5s
	AdmissionTimeout   time.Duration // default 10s
}

// Executor is spec.md §4.7's Unified Executor.
type Executor struct {
	cfg        Config
	pool       *pool.Pool
	validator  *validator.Validator
	timeouts   *timeout.Resolver
	retryCfg   retry.Config
	handlers   *handlers.Registry
	ctxMgr     *dbgcontext.Manager
	cache      *cache.Cache
	resilience *resilience.Monitor
	metrics    *metrics.Registry
	async      *asynctask.Manager
	logger     *zap.Logger
}

// New builds an Executor wiring the Connection Pool, Command Validator,
// Timeout Resolver, Retry Engine config, Handler Registry, Context Manager,
// Unified Cache, Resilience Monitor, and metrics Registry. res and m may be
// nil (health tracking/metrics become no-ops). The Async strategy is
// unavailable until AttachAsync is called with a task manager built over
// this Executor's send.
func New(cfg Config, p *pool.Pool, v *validator.Validator, t *timeout.Resolver, retryCfg retry.Config, h *handlers.Registry, ctxMgr *dbgcontext.Manager, c *cache.Cache, res *resilience.Monitor, m *metrics.Registry, logger *zap.Logger) *Executor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg: cfg, pool: p, validator: v, timeouts: t, retryCfg: retryCfg,
		handlers: h, ctxMgr: ctxMgr, cache: c, resilience: res, metrics: m,
		logger: logger,
	}
}

// AttachAsync wires in the asynctask.Manager the async strategy submits
// to, enabling that strategy. The manager's own Executor callback decides
// how each task runs (corectx runs it back through Execute).
func (e *Executor) AttachAsync(m *asynctask.Manager) {
	e.async = m
}

// ContextManager returns the Context Manager this Executor was built with,
// for callers (e.g. a "context" MCP tool) that need direct stack access
// outside the command-execution path.
func (e *Executor) ContextManager() *dbgcontext.Manager {
	return e.ctxMgr
}

// Execute runs command under the strategy opts.strategy() selects, per
// spec.md §4.7.
func (e *Executor) Execute(ctx context.Context, command string, opts Options) Result {
	started := time.Now()
	mode := opts.strategy()

	if strings.TrimSpace(command) == "" {
		return errorResult(mode, started, "Parameter error")
	}

	if v := e.validator.Validate(command); !v.Valid {
		return errorResult(mode, started, v.Reason)
	}

	timeoutMs, category := e.timeouts.Resolve(command, e.cfg.Mode, opts.CategoryOverride)

	var result Result
	switch mode {
	case ModeAsync:
		result = e.executeAsync(command, category, timeoutMs, opts, started)
	case ModeResilient:
		result = e.executeResilient(ctx, command, category, timeoutMs, started)
	case ModeOptimized:
		result = e.executeOptimized(ctx, command, category, timeoutMs, started)
	default:
		result = e.executeDirect(ctx, command, category, timeoutMs, started)
	}
	if opts.CorrelationID != "" {
		if result.Metadata == nil {
			result.Metadata = map[string]any{}
		}
		result.Metadata["correlation_id"] = opts.CorrelationID
	}
	return result
}

func (e *Executor) executeDirect(ctx context.Context, command string, category timeout.Category, timeoutMs int, started time.Time) Result {
	out, cached, err := e.sendCached(ctx, command, timeoutMs)
	result := e.finish(ModeDirect, started, category, timeoutMs, out, err, 0)
	result.Cached = cached
	return result
}

func (e *Executor) executeResilient(ctx context.Context, command string, category timeout.Category, timeoutMs int, started time.Time) Result {
	var out string
	var cached bool
	beforeRetry := func(attempt int, retryErr error) {
		if e.metrics != nil {
			e.metrics.RecordRetry(string(category))
		}
	}
	res, err := retry.Do(ctx, e.retryCfg, beforeRetry, func() error {
		var sendErr error
		out, cached, sendErr = e.sendCached(ctx, command, timeoutMs)
		return sendErr
	})
	result := e.finish(ModeResilient, started, category, timeoutMs, out, err, res.RetriesAttempted)
	result.TimedOut = res.TimedOut
	result.Cached = cached
	return result
}

func (e *Executor) executeOptimized(ctx context.Context, command string, category timeout.Category, timeoutMs int, started time.Time) Result {
	if bypassesOptimization(command) {
		return e.executeDirect(ctx, command, category, timeoutMs, started)
	}
	out, cached, err := e.sendCached(ctx, command, timeoutMs)
	result := e.finish(ModeOptimized, started, category, timeoutMs, out, err, 0)
	result.Cached = cached
	result.OptimizationLevel = "direct"
	return result
}

func (e *Executor) executeAsync(command string, category timeout.Category, timeoutMs int, opts Options, started time.Time) Result {
	if e.async == nil {
		return errorResult(ModeAsync, started, "async strategy unavailable: no task manager attached")
	}
	id := e.async.Submit(command, opts.Priority, string(category), nil)

	if opts.AsyncWaitFor <= 0 {
		return Result{
			Success:   true,
			Mode:      ModeAsync,
			StartedAt: started,
			TaskID:    id,
			TimeoutMs: timeoutMs,
			TimeoutCategory: category,
			Metadata:  map[string]any{"async_submitted": true},
		}
	}

	out, err := e.async.GetResult(context.Background(), id, opts.AsyncWaitFor)
	result := e.finish(ModeAsync, started, category, timeoutMs, out, err, 0)
	result.TaskID = id
	return result
}

// send issues command through the Handler Registry (which may rewrite it
// or chain fallbacks) over the Connection Pool + Transport + Message
// Protocol stack, per spec.md §4.1/§4.2/§4.3.
func (e *Executor) send(ctx context.Context, command string, timeoutMs int) (string, error) {
	out, _, err := e.sendCached(ctx, command, timeoutMs)
	return out, err
}

// sendCached is send plus spec.md §4.8's Unified Cache lookaside: a hit
// skips the Handler Registry/Connection Pool entirely, a miss dispatches
// normally and populates the cache on success. Commands on the
// optimization bypass list are never looked up or stored.
func (e *Executor) sendCached(ctx context.Context, command string, timeoutMs int) (string, bool, error) {
	base := commandBase(command)
	useCache := e.cache != nil && !bypassesOptimization(command)
	var key string
	if useCache {
		key = cache.Key(cache.ContextCommand, command, nil)
		if hit, ok := e.cache.Get(key, cache.ContextCommand); ok {
			if e.metrics != nil {
				e.metrics.RecordCacheAccess(true)
			}
			return string(hit), true, nil
		}
		if e.metrics != nil {
			e.metrics.RecordCacheAccess(false)
		}
	}

	raw := func(c context.Context, cmd string) (string, error) {
		return e.rawSend(c, cmd, timeoutMs)
	}
	var out string
	var err error
	if e.handlers != nil {
		out, err = e.handlers.Dispatch(ctx, command, raw)
	} else {
		out, err = raw(ctx, command)
	}
	if err == nil && useCache {
		e.cache.Put(key, []byte(out), cache.ContextCommand, base, 0, cache.PriorityNormal)
	}
	return out, false, err
}

// commandBase returns command's leading whitespace-delimited token, for
// cache.Cache's per-command TTL lookup.
func commandBase(command string) string {
	if i := strings.IndexAny(command, " \t"); i >= 0 {
		return command[:i]
	}
	return command
}

func (e *Executor) rawSend(ctx context.Context, command string, timeoutMs int) (string, error) {
	g, err := e.pool.Acquire(ctx, e.cfg.ConnectTimeout, e.cfg.AdmissionTimeout)
	if err != nil {
		return "", fmt.Errorf("%w", &bridgeerr.TransportError{Kind: bridgeerr.TransportBusy, Err: err})
	}
	defer e.pool.Release(g)
	if e.metrics != nil {
		e.metrics.SetPoolInUse(e.pool.InFlight())
	}

	connID := g.ID()
	if e.resilience != nil {
		timeoutMs = e.resilience.AdaptiveTimeout(timeoutMs)
	}

	msg := protocol.NewCommandMessage(command, timeoutMs)
	payload, err := protocol.Serialize(msg)
	if err != nil {
		return "", err
	}

	started := time.Now()
	deadline := time.Duration(timeoutMs) * time.Millisecond
	conn := g.Conn()
	if err := conn.Write(payload, deadline); err != nil {
		e.recordFailure(connID, err)
		return "", err
	}
	respPayload, err := conn.ReadMessage(deadline)
	if err != nil {
		e.recordFailure(connID, err)
		return "", err
	}
	resp, err := protocol.ParseResponse(respPayload)
	if err != nil {
		var netDbgErr *bridgeerr.NetworkDebuggingError
		if !errors.As(err, &netDbgErr) {
			e.recordFailure(connID, err)
		}
		return "", err
	}
	if resp.Status == "error" {
		err := &bridgeerr.NonRetryableError{Err: errors.New(resp.Error)}
		e.recordFailure(connID, err)
		return "", err
	}
	var output string
	if err := json.Unmarshal(resp.Output, &output); err != nil {
		output = string(resp.Output)
	}
	if e.resilience != nil {
		e.resilience.RecordSuccess(connID, time.Since(started))
	}
	return output, nil
}

func (e *Executor) recordFailure(connID string, err error) {
	if e.resilience != nil {
		e.resilience.RecordFailure(connID, err)
	}
}

func (e *Executor) finish(mode Mode, started time.Time, category timeout.Category, timeoutMs int, out string, err error, retries int) Result {
	completed := time.Now()
	result := Result{
		Mode:             mode,
		StartedAt:        started,
		CompletedAt:      completed,
		Elapsed:          completed.Sub(started),
		TimeoutCategory:  category,
		TimeoutMs:        timeoutMs,
		RetriesAttempted: retries,
		OptimizationLevel: "direct",
		Metadata:         map[string]any{},
	}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		var timeoutErr *bridgeerr.TimeoutError
		if errors.As(err, &timeoutErr) {
			result.TimedOut = true
		}
		if e.metrics != nil {
			e.metrics.RecordRequest(string(mode), "error")
		}
		return result
	}
	result.Success = true
	result.Output = out
	if e.metrics != nil {
		e.metrics.RecordRequest(string(mode), "success")
	}
	return result
}

func errorResult(mode Mode, started time.Time, reason string) Result {
	return Result{
		Success:     false,
		Error:       reason,
		Mode:        mode,
		StartedAt:   started,
		CompletedAt: started,
		Metadata:    map[string]any{},
	}
}

// BatchItem is one command's outcome within a Batch call.
type BatchItem struct {
	Command string
	Result  Result
}

// BatchSummary aggregates a Batch call's outcomes, per spec.md §4.7.
type BatchSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// BatchResult is Batch's return value.
type BatchResult struct {
	Items   []BatchItem
	Summary BatchSummary
}

// Batch executes commands in order, stopping early on first failure if
// stopOnError is set, per spec.md §4.7's Batch API.
func (e *Executor) Batch(ctx context.Context, commands []string, opts Options, stopOnError bool) BatchResult {
	started := time.Now()
	br := BatchResult{Items: make([]BatchItem, 0, len(commands))}

	for _, cmd := range commands {
		res := e.Execute(ctx, cmd, opts)
		br.Items = append(br.Items, BatchItem{Command: cmd, Result: res})
		br.Summary.Total++
		if res.Success {
			br.Summary.Succeeded++
		} else {
			br.Summary.Failed++
			if stopOnError {
				break
			}
		}
	}
	br.Summary.Elapsed = time.Since(started)
	return br
}
