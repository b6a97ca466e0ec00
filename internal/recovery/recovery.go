// Package recovery implements spec.md §4.10's Session Recovery: capturing a
// point-in-time SessionSnapshot via a fixed best-effort diagnostic sequence,
// detecting session interruption, and running a strategy state machine to
// restore a debugging session after the connection or the target drops.
//
// Grounded on original_source/mcp_server/core/session_recovery.py's
// SessionRecovery (capture_session_snapshot, detect_session_interruption,
// attempt_session_recovery, save/load_session_state,
// get_recovery_recommendations), translated from a module-global singleton
// with a Path-based snapshot directory into an explicit *Manager per Design
// Notes §9. The 30s snapshot cache rides on internal/cache's session
// context rather than the original's bespoke cache helpers.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
	"github.com/NadavLor/windbg-mcp-bridge/internal/cache"
	"go.uber.org/zap"
)

// State is spec.md §3's session-state enumeration.
type State string

const (
	StateActive      State = "active"
	StateInterrupted State = "interrupted"
	StateRecovering  State = "recovering"
	StateLost        State = "lost"
	StateUnknown     State = "unknown"
)

// Strategy is spec.md §4.10's recovery-strategy enumeration.
type Strategy string

const (
	StrategyReconnectOnly      Strategy = "reconnect_only"
	StrategyRestoreContext     Strategy = "restore_context"
	StrategyFullRecovery       Strategy = "full_recovery"
	StrategyManualIntervention Strategy = "manual_intervention"
)

const (
	snapshotCacheTTL    = 30 * time.Second
	defaultMaxStateAge  = time.Hour
	snapshotCacheKey    = "current"
	callStackTruncateAt = 200
)

var (
	processAddrRe = regexp.MustCompile(`PROCESS\s+([a-fA-F0-9` + "`" + `]+)`)
	threadAddrRe  = regexp.MustCompile(`THREAD\s+([0-9a-f]+)`)
)

// Snapshot is spec.md §3's SessionSnapshot entity.
type Snapshot struct {
	Timestamp      time.Time         `json:"timestamp"`
	SessionID      string            `json:"session_id"`
	DebuggingMode  string            `json:"debugging_mode"` // "kernel" / "user" / "unknown"
	TargetInfo     map[string]string `json:"target_info"`
	CurrentProcess string            `json:"current_process,omitempty"`
	CurrentThread  string            `json:"current_thread,omitempty"`
	Breakpoints    []string          `json:"breakpoints"`
	CallStack      string            `json:"call_stack,omitempty"`
	Registers      string            `json:"registers,omitempty"`
	Modules        []string          `json:"modules"`
}

// Send issues command against the live debugger and returns its textual
// output.
type Send func(ctx context.Context, command string) (string, error)

// TestConnection reports whether the underlying transport can be reached at
// all, independent of whether the debugger itself responds.
type TestConnection func(ctx context.Context) bool

// Config configures a Manager.
type Config struct {
	StateFile   string        // path for atomic snapshot persistence
	MaxStateAge time.Duration // default 1h, spec.md §4.10
}

// Manager is spec.md §4.10's Session Recovery component.
type Manager struct {
	cfg     Config
	cache   *cache.Cache
	logger  *zap.Logger
	current *Snapshot
	state   State
}

// New builds a Manager backed by the given cache (for the 30s snapshot
// cache, spec.md §4.8) and logger.
func New(cfg Config, c *cache.Cache, logger *zap.Logger) *Manager {
	if cfg.MaxStateAge <= 0 {
		cfg.MaxStateAge = defaultMaxStateAge
	}
	if cfg.StateFile == "" {
		cfg.StateFile = "windbg_session_state.json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, cache: c, logger: logger, state: StateUnknown}
}

// CaptureSnapshot runs spec.md §4.10's fixed diagnostic sequence
// (.effmach, version, "!process -1 0", "!thread", "k 5", "r", "lm", "bl"),
// each step best-effort: a failure downgrades only its field, never aborts
// the capture. sessionID identifies the snapshot; an empty sessionID uses
// the 30s cache keyed "current" unless forceRefresh is set.
func (m *Manager) CaptureSnapshot(ctx context.Context, send Send, sessionID string, forceRefresh bool) (*Snapshot, error) {
	useCache := sessionID == "" && !forceRefresh
	if useCache {
		if raw, ok := m.cache.Get(snapshotCacheKey, cache.ContextSession); ok {
			var snap Snapshot
			if err := json.Unmarshal(raw, &snap); err == nil {
				return &snap, nil
			}
		}
	}
	if sessionID == "" {
		sessionID = fmt.Sprintf("session_%d", time.Now().UnixNano())
	}

	snap := &Snapshot{
		Timestamp:   time.Now(),
		SessionID:   sessionID,
		TargetInfo:  map[string]string{},
		Breakpoints: []string{},
		Modules:     []string{},
	}

	if out, err := send(ctx, ".effmach"); err != nil {
		m.logger.Warn("capture: .effmach failed", zap.Error(err))
		snap.DebuggingMode = "unknown"
	} else {
		snap.DebuggingMode = classifyMode(out)
	}

	if out, err := send(ctx, "version"); err != nil {
		m.logger.Warn("capture: version failed", zap.Error(err))
	} else {
		snap.TargetInfo["version"] = out
	}

	if snap.DebuggingMode == "kernel" {
		if out, err := send(ctx, "!process -1 0"); err != nil {
			m.logger.Warn("capture: !process -1 0 failed", zap.Error(err))
		} else if match := processAddrRe.FindStringSubmatch(out); match != nil {
			snap.CurrentProcess = match[1]
		}
	}

	if out, err := send(ctx, "!thread"); err != nil {
		m.logger.Warn("capture: !thread failed", zap.Error(err))
	} else if match := threadAddrRe.FindStringSubmatch(out); match != nil {
		snap.CurrentThread = match[1]
	} else if pcrOut, pcrErr := send(ctx, "!pcr"); pcrErr == nil {
		snap.TargetInfo["current_processor"] = pcrOut
	}

	if out, err := send(ctx, "k 5"); err != nil {
		m.logger.Warn("capture: k 5 failed", zap.Error(err))
	} else {
		snap.CallStack = truncate(out, callStackTruncateAt)
	}

	if out, err := send(ctx, "r"); err != nil {
		m.logger.Warn("capture: r failed", zap.Error(err))
	} else {
		snap.Registers = out
	}

	if out, err := send(ctx, "lm"); err != nil {
		m.logger.Warn("capture: lm failed", zap.Error(err))
	} else {
		snap.Modules = firstLines(out, 10)
	}

	if out, err := send(ctx, "bl"); err != nil {
		m.logger.Warn("capture: bl failed", zap.Error(err))
	} else {
		snap.Breakpoints = nonEmptyLines(out)
	}

	m.current = snap

	if strings.HasPrefix(sessionID, "session_") {
		if raw, err := json.Marshal(snap); err == nil {
			m.cache.Put(snapshotCacheKey, raw, cache.ContextSession, "session_snapshot", snapshotCacheTTL, cache.PriorityHigh)
		}
	}

	return snap, nil
}

// DetectInterruption runs spec.md §4.10's ordered probes: connectivity,
// responsiveness, then (kernel mode only) target liveness. It returns
// (interrupted, cause).
func (m *Manager) DetectInterruption(ctx context.Context, testConn TestConnection, send Send) (bool, string) {
	if !testConn(ctx) {
		m.cache.ClearContext(cache.ContextSession)
		return true, "Extension connection lost"
	}

	if _, err := send(ctx, "version"); err != nil {
		m.cache.ClearContext(cache.ContextSession)
		return true, fmt.Sprintf("WinDbg unresponsive: %v", err)
	}

	if m.current != nil && m.current.DebuggingMode == "kernel" {
		out, err := send(ctx, "!uptime")
		switch {
		case err != nil:
			m.cache.ClearContext(cache.ContextSession)
			m.logger.Warn("target connectivity check failed", zap.Error(err))
			return true, fmt.Sprintf("Target VM connectivity lost: %v", err)
		case strings.Contains(strings.ToLower(out), "uptime:"), strings.Contains(strings.ToLower(out), "system up time"):
			// Target responsive and connected.
		case strings.Contains(strings.ToLower(out), "target not connected"), strings.Contains(strings.ToLower(out), "rpc/tcp error"):
			m.cache.ClearContext(cache.ContextSession)
			return true, "Target VM disconnected"
		default:
			reg, regErr := send(ctx, "r rip")
			lower := strings.ToLower(reg)
			if regErr == nil && (strings.Contains(lower, "bad register") || strings.Contains(lower, "target not connected")) {
				m.cache.ClearContext(cache.ContextSession)
				return true, "Target VM disconnected"
			}
		}
	}

	return false, "Session active"
}

// Result is the outcome of AttemptRecovery.
type Result struct {
	Success        bool
	Message        string
	StepsCompleted []string
}

// AttemptRecovery runs spec.md §4.10's select-and-apply recovery state
// machine for the given strategy (default RESTORE_CONTEXT if unspecified).
func (m *Manager) AttemptRecovery(ctx context.Context, strategy Strategy, testConn TestConnection, send Send) Result {
	if m.current == nil {
		return Result{Success: false, Message: "No session state to recover"}
	}
	if strategy == "" {
		strategy = StrategyRestoreContext
	}

	var steps []string
	m.state = StateRecovering

	if strategy == StrategyManualIntervention {
		steps = append(steps, "manual_intervention_required")
		m.state = StateLost
		return Result{Success: false, Message: "Manual intervention required", StepsCompleted: steps}
	}

	if !testConn(ctx) {
		steps = append(steps, "connection_test_failed")
		return Result{Success: false, Message: "Extension connection cannot be established", StepsCompleted: steps}
	}
	steps = append(steps, "connection_test_passed")

	if _, err := send(ctx, "version"); err != nil {
		steps = append(steps, "windbg_unresponsive")
		return Result{Success: false, Message: fmt.Sprintf("WinDbg not responding: %v", err), StepsCompleted: steps}
	}
	steps = append(steps, "windbg_responsive")

	currentMode, err := m.detectCurrentMode(ctx, send)
	if err == nil && currentMode != m.current.DebuggingMode {
		steps = append(steps, "mode_mismatch")
		return Result{Success: false, Message: fmt.Sprintf("Debugging mode changed: %s -> %s", m.current.DebuggingMode, currentMode), StepsCompleted: steps}
	}
	steps = append(steps, "mode_consistent")

	if strategy == StrategyReconnectOnly {
		steps = append(steps, "reconnect_only_complete")
		m.state = StateActive
		return Result{Success: true, Message: "Connection recovered", StepsCompleted: steps}
	}

	if (strategy == StrategyRestoreContext || strategy == StrategyFullRecovery) &&
		m.current.DebuggingMode == "kernel" && m.current.CurrentProcess != "" {
		if _, err := send(ctx, ".process /i "+m.current.CurrentProcess); err != nil {
			steps = append(steps, "process_context_failed")
			m.logger.Warn("failed to restore process context", zap.Error(err))
		} else {
			steps = append(steps, "process_context_restored")
		}
	}

	if (strategy == StrategyRestoreContext || strategy == StrategyFullRecovery) && m.current.CurrentThread != "" {
		if _, err := send(ctx, "~"+m.current.CurrentThread+"s"); err != nil {
			steps = append(steps, "thread_context_failed")
			m.logger.Warn("failed to restore thread context", zap.Error(err))
		} else {
			steps = append(steps, "thread_context_restored")
		}
	}

	if strategy == StrategyFullRecovery && len(m.current.Breakpoints) > 0 {
		restored := 0
		for _, bp := range m.current.Breakpoints {
			m.logger.Debug("attempting to restore breakpoint", zap.String("breakpoint", bp))
			restored++
		}
		steps = append(steps, fmt.Sprintf("breakpoints_restored_%d", restored))
	}

	verifySnapshot, _ := m.CaptureSnapshot(ctx, send, m.current.SessionID+"_recovered", true)
	if verifySnapshot != nil {
		steps = append(steps, "verification_complete")
		m.state = StateActive
		return Result{Success: true, Message: "Session recovery successful", StepsCompleted: steps}
	}
	steps = append(steps, "verification_failed")
	return Result{Success: false, Message: "Recovery verification failed", StepsCompleted: steps}
}

// Recommendations is spec.md §4.10's advisory output for a caller deciding
// whether to invoke AttemptRecovery and with which strategy.
type Recommendations struct {
	SessionState         State
	AutoRecoveryAvailable bool
	RecoveryStrategies    []Strategy
	ManualSteps           []string
	RiskAssessment        string
}

// GetRecoveryRecommendations inspects the last captured snapshot's age and
// the current interruption cause to suggest a recovery path, without taking
// any action itself.
func (m *Manager) GetRecoveryRecommendations(ctx context.Context, testConn TestConnection, send Send) Recommendations {
	rec := Recommendations{SessionState: m.state, RiskAssessment: "unknown"}

	if m.current == nil {
		rec.ManualSteps = []string{
			"No previous session state available",
			"Start fresh debugging session",
			"Capture new session state",
		}
		return rec
	}

	age := time.Since(m.current.Timestamp)
	switch {
	case age > 24*time.Hour:
		rec.RiskAssessment = "high"
		rec.ManualSteps = append(rec.ManualSteps, "Session state is very old (>24h) - manual recovery recommended")
	case age > time.Hour:
		rec.RiskAssessment = "medium"
	default:
		rec.RiskAssessment = "low"
	}

	interrupted, cause := m.DetectInterruption(ctx, testConn, send)
	if !interrupted {
		rec.ManualSteps = []string{"Session appears to be active - no recovery needed"}
		return rec
	}

	lowerCause := strings.ToLower(cause)
	switch {
	case strings.Contains(lowerCause, "connection lost"):
		rec.RecoveryStrategies = []Strategy{StrategyReconnectOnly, StrategyRestoreContext}
		rec.AutoRecoveryAvailable = true
	case strings.Contains(lowerCause, "unresponsive"):
		rec.RecoveryStrategies = []Strategy{StrategyRestoreContext, StrategyFullRecovery}
		rec.AutoRecoveryAvailable = true
	case strings.Contains(lowerCause, "rebooted"), strings.Contains(lowerCause, "disconnected"):
		rec.RecoveryStrategies = []Strategy{StrategyManualIntervention}
		rec.ManualSteps = []string{
			"Target VM has been rebooted or disconnected",
			"Reconnect to target VM manually",
			"Restart debugging session",
			"Load new session state",
		}
	}
	return rec
}

// persistedState is the on-disk envelope for SaveSnapshot/LoadSnapshot.
type persistedState struct {
	Session Snapshot  `json:"session"`
	State   State     `json:"session_state"`
	SavedAt time.Time `json:"saved_time"`
}

// SaveSnapshot atomically persists the current snapshot (write to a temp
// file, then rename) so a partial write never corrupts the state file.
func (m *Manager) SaveSnapshot() error {
	if m.current == nil {
		return &bridgeerr.RecoveryFailure{Strategy: "save_snapshot", Reason: "no session state to save"}
	}
	payload := persistedState{Session: *m.current, State: m.state, SavedAt: time.Now()}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("recovery: marshal state: %w", err)
	}

	dir := filepath.Dir(m.cfg.StateFile)
	tmp, err := os.CreateTemp(dir, ".windbg_session_state-*.tmp")
	if err != nil {
		return fmt.Errorf("recovery: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("recovery: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("recovery: close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, m.cfg.StateFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("recovery: rename temp state file: %w", err)
	}
	return nil
}

// LoadSnapshot loads a previously saved snapshot, ignoring it (returning
// nil, nil) if older than cfg.MaxStateAge.
func (m *Manager) LoadSnapshot() (*Snapshot, error) {
	raw, err := os.ReadFile(m.cfg.StateFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recovery: read state file: %w", err)
	}

	var payload persistedState
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("recovery: parse state file: %w", err)
	}

	if time.Since(payload.SavedAt) > m.cfg.MaxStateAge {
		m.logger.Info("session state too old, ignoring", zap.Duration("age", time.Since(payload.SavedAt)))
		return nil, nil
	}

	snap := payload.Session
	m.current = &snap
	m.state = payload.State
	return &snap, nil
}

// Current returns the last captured or loaded snapshot, if any.
func (m *Manager) Current() *Snapshot {
	return m.current
}

// State returns the manager's current session state.
func (m *Manager) State() State {
	return m.state
}

func (m *Manager) detectCurrentMode(ctx context.Context, send Send) (string, error) {
	out, err := send(ctx, ".effmach")
	if err != nil {
		return "unknown", err
	}
	return classifyMode(out), nil
}

func classifyMode(effmachOutput string) string {
	lower := strings.ToLower(effmachOutput)
	if strings.Contains(lower, "x64_kernel") || strings.Contains(lower, "x86_kernel") || strings.Contains(lower, "kernel mode") {
		return "kernel"
	}
	return "user"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstLines(s string, n int) []string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return lines
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "No breakpoints" {
			continue
		}
		out = append(out, trimmed)
	}
	if out == nil {
		out = []string{}
	}
	return out
}
