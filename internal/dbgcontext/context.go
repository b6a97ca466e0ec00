// Package dbgcontext maintains the stack of (process, thread) debugger
// contexts, per spec.md §4.9. Named dbgcontext (not "context") to avoid
// shadowing the standard library's context package at every import site.
//
// Grounded on original_source/mcp_server/core/context.py's ContextManager:
// save_current_context/push_context/pop_context/restore_context/
// switch_to_process/switch_to_thread, translated from a module-global
// singleton into an explicit *Manager a caller constructs and owns (per
// Design Notes §9's "replace module globals with explicit structs").
package dbgcontext

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DebugContext is spec.md §3's DebugContext entity.
type DebugContext struct {
	Process string
	Thread  string
}

// NonEmpty reports whether either component is set, per spec.md §3's
// "Non-empty if either component set".
func (d DebugContext) NonEmpty() bool { return d.Process != "" || d.Thread != "" }

// Sender issues a debugger command and returns its textual output,
// matching the signature every component above Transport needs.
type Sender func(ctx context.Context, command string) (string, error)

var (
	processRe = regexp.MustCompile("Implicit process is ([0-9a-fA-F`]+)")
	threadRe  = regexp.MustCompile("Current thread is ([0-9a-fA-F`]+)")
)

// Manager is spec.md §4.9's Context Manager: a LIFO stack of
// DebugContexts plus the current one.
type Manager struct {
	mu      sync.Mutex
	stack   []DebugContext
	current DebugContext
	logger  *zap.Logger
}

// New builds a Manager. logger may be nil.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// SaveCurrent queries the debugger with ".process" and ".thread"
// (best-effort; failures are logged, not raised) and returns the
// discovered DebugContext, per spec.md §4.9.
func (m *Manager) SaveCurrent(ctx context.Context, send Sender) DebugContext {
	var dc DebugContext

	if out, err := send(ctx, ".process"); err != nil {
		m.logger.Warn("failed to query process context", zap.Error(err))
	} else if strings.Contains(out, "Implicit process is") {
		if match := processRe.FindStringSubmatch(out); match != nil {
			dc.Process = match[1]
		}
	}

	if out, err := send(ctx, ".thread"); err != nil {
		m.logger.Warn("failed to query thread context", zap.Error(err))
	} else if strings.Contains(out, "Current thread is") {
		if match := threadRe.FindStringSubmatch(out); match != nil {
			dc.Thread = match[1]
		}
	}

	m.mu.Lock()
	m.current = dc
	m.mu.Unlock()
	return dc
}

// PushCurrent saves the current context, pushes it onto the stack, and
// returns it, per spec.md §4.9. An empty context (neither process nor
// thread discovered) is returned but not pushed. The caller is responsible
// for an eventual matching Pop (spec.md §4.9's push/pop balance invariant).
func (m *Manager) PushCurrent(ctx context.Context, send Sender) DebugContext {
	dc := m.SaveCurrent(ctx, send)
	if dc.NonEmpty() {
		m.mu.Lock()
		m.stack = append(m.stack, dc)
		m.mu.Unlock()
	}
	return dc
}

// Pop pops the stack top and restores it, per spec.md §4.9. Returns false
// if the stack was empty or restoration failed.
func (m *Manager) Pop(ctx context.Context, send Sender) bool {
	m.mu.Lock()
	if len(m.stack) == 0 {
		m.mu.Unlock()
		return false
	}
	dc := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	m.mu.Unlock()

	return m.Restore(ctx, dc, send)
}

// Restore restores dc, issuing ".process /r /p <addr>" and
// ".thread <addr>" as applicable. Success requires both restorations (for
// the components present) to report their success phrases, per spec.md
// §4.9.
func (m *Manager) Restore(ctx context.Context, dc DebugContext, send Sender) bool {
	if !dc.NonEmpty() {
		return false
	}

	success := true

	if dc.Process != "" {
		out, err := send(ctx, ".process /r /p "+dc.Process)
		if err != nil || !strings.Contains(out, "Implicit process is now") {
			m.logger.Warn("failed to restore process context", zap.String("process", dc.Process))
			success = false
		}
	}

	if dc.Thread != "" {
		out, err := send(ctx, ".thread "+dc.Thread)
		if err != nil || !strings.Contains(out, "Current thread is now") {
			m.logger.Warn("failed to restore thread context", zap.String("thread", dc.Thread))
			success = false
		}
	}

	if success {
		m.mu.Lock()
		m.current = dc
		m.mu.Unlock()
	}
	return success
}

// SwitchToProcess switches the implicit process, per spec.md §4.9.
func (m *Manager) SwitchToProcess(ctx context.Context, addr string, send Sender) bool {
	out, err := send(ctx, ".process /r /p "+addr)
	if err != nil || !strings.Contains(out, "Implicit process is now") {
		m.logger.Warn("failed to switch process context", zap.String("process", addr))
		return false
	}
	m.mu.Lock()
	m.current.Process = addr
	m.mu.Unlock()
	return true
}

// SwitchToThread switches the current thread, per spec.md §4.9.
func (m *Manager) SwitchToThread(ctx context.Context, addr string, send Sender) bool {
	out, err := send(ctx, ".thread "+addr)
	if err != nil || !strings.Contains(out, "Current thread is now") {
		m.logger.Warn("failed to switch thread context", zap.String("thread", addr))
		return false
	}
	m.mu.Lock()
	m.current.Thread = addr
	m.mu.Unlock()
	return true
}

// Current returns the last-known DebugContext.
func (m *Manager) Current() DebugContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// StackDepth reports the current stack depth.
func (m *Manager) StackDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

// ClearStack discards every pushed context without restoring it.
func (m *Manager) ClearStack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack = nil
}
