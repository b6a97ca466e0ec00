// Package handlers implements spec.md §4.12's Handler Registry: a static
// prefix -> pre/post handler table, consulted by the Unified Executor for
// command families that need rewriting, context preservation, or fallback
// chaining.
//
// Grounded on original_source/mcp_server/commands/command_handlers.py's
// CommandRegistry (prefix-keyed handler table, get_handler_for_command)
// and handle_process_command's save-context / try-direct /
// fallback-to-".process /r /p"-then-retry chain, restructured as an
// explicit registry type per the teacher's internal/queries dispatcher
// split-by-concern convention rather than a module-global singleton.
package handlers

import (
	"context"
	"sort"
	"strings"

	"github.com/NadavLor/windbg-mcp-bridge/internal/dbgcontext"
)

// Exec issues command and returns its textual output.
type Exec func(ctx context.Context, command string) (string, error)

// Handler is a per-command-family handler. Rewrite, if non-nil, may
// replace the command before execution. Around, if non-nil, wraps the
// execution (for context save/restore and fallback chaining); it receives
// the (possibly rewritten) command and an exec closure bound to the
// caller's transport/pool/retry stack.
type Handler struct {
	Prefix string

	// Rewrite optionally transforms command before dispatch.
	Rewrite func(command string) string

	// Around executes command via exec, optionally wrapping it with
	// context save/restore or fallback chaining. If nil, Dispatch
	// executes the (possibly rewritten) command directly via exec.
	Around func(ctx context.Context, command string, exec Exec) (string, error)

	// FeatureToggle gates whether this handler is active; default true.
	// Per DESIGN.md's Open Question decision, a deployment can disable a
	// fallback heuristic that doesn't hold for a given debugger build.
	FeatureToggle bool
}

// Registry is spec.md §4.12's static prefix -> handler table, matched
// longest-prefix-first so "!process" doesn't shadow "!processinfo" (or
// vice versa).
type Registry struct {
	handlers []*Handler // kept sorted by descending prefix length
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds h to the registry. Registration is static, performed at
// startup per spec.md §4.12.
func (r *Registry) Register(h *Handler) {
	r.handlers = append(r.handlers, h)
	sort.SliceStable(r.handlers, func(i, j int) bool {
		return len(r.handlers[i].Prefix) > len(r.handlers[j].Prefix)
	})
}

// Lookup returns the longest-prefix-matching active Handler for command,
// or nil if none match.
func (r *Registry) Lookup(command string) *Handler {
	for _, h := range r.handlers {
		if !h.FeatureToggle {
			continue
		}
		if strings.HasPrefix(command, h.Prefix) {
			return h
		}
	}
	return nil
}

// Dispatch runs command through its matching handler (rewrite then
// around), or directly via exec if no handler matches.
func (r *Registry) Dispatch(ctx context.Context, command string, exec Exec) (string, error) {
	h := r.Lookup(command)
	if h == nil {
		return exec(ctx, command)
	}
	rewritten := command
	if h.Rewrite != nil {
		rewritten = h.Rewrite(command)
	}
	if h.Around != nil {
		return h.Around(ctx, rewritten, exec)
	}
	return exec(ctx, rewritten)
}

// Default builds the supplemental handler set ported from
// original_source's command_handlers.py, for the command families spec.md
// §4.12 names explicitly: !process, !dlls, !handle, .reload. ctxMgr saves
// and restores the debugger context around the !process and .reload
// handlers' execution; the !dlls and !handle handlers do not use it.
func Default(ctxMgr *dbgcontext.Manager) *Registry {
	r := NewRegistry()

	r.Register(&Handler{
		Prefix:        "!process",
		FeatureToggle: true,
		Around: func(ctx context.Context, command string, exec Exec) (string, error) {
			send := func(c context.Context, cmd string) (string, error) { return exec(c, cmd) }
			saved := ctxMgr.PushCurrent(ctx, send)
			defer func() {
				if saved.NonEmpty() {
					ctxMgr.Pop(ctx, send)
				}
			}()

			out, err := exec(ctx, command)
			if err != nil || !isEmptyProcessResult(out) {
				return out, err
			}

			fields := strings.Fields(command)
			if len(fields) < 2 {
				// No address given: fall back to listing all processes.
				return exec(ctx, "!process 0 0")
			}
			addr := fields[1]
			procOut, procErr := exec(ctx, ".process /r /p "+addr)
			if procErr != nil || strings.HasPrefix(procOut, "Error:") {
				return out, err
			}
			details, detErr := exec(ctx, "!process")
			if detErr != nil {
				return out, err
			}
			return "Process context set to " + addr + ":\n" + procOut + "\n\nProcess Details:\n" + details, nil
		},
	})

	r.Register(&Handler{
		Prefix:        "!dlls",
		FeatureToggle: true,
		Around: func(ctx context.Context, command string, exec Exec) (string, error) {
			out, err := exec(ctx, command)
			if err != nil || !isEmptyProcessResult(out) {
				return out, err
			}
			return exec(ctx, "!dlls")
		},
	})

	r.Register(&Handler{
		Prefix:        "!handle",
		FeatureToggle: true,
		Around: func(ctx context.Context, command string, exec Exec) (string, error) {
			out, err := exec(ctx, command)
			if err != nil || !isEmptyProcessResult(out) {
				return out, err
			}
			return exec(ctx, "!handle 0 f")
		},
	})

	r.Register(&Handler{
		Prefix:        ".reload",
		FeatureToggle: true,
		Around: func(ctx context.Context, command string, exec Exec) (string, error) {
			send := func(c context.Context, cmd string) (string, error) { return exec(c, cmd) }
			saved := ctxMgr.PushCurrent(ctx, send)
			defer func() {
				if saved.NonEmpty() {
					ctxMgr.Pop(ctx, send)
				}
			}()
			return exec(ctx, command)
		},
	})

	return r
}

// isEmptyProcessResult mirrors original_source's
// `not result or "NONE" in result or result.strip() == "None"` emptiness
// check that gates the fallback chain.
func isEmptyProcessResult(out string) bool {
	trimmed := strings.TrimSpace(out)
	return trimmed == "" || strings.Contains(out, "NONE") || trimmed == "None"
}
