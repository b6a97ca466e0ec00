// Package timeout resolves a debugger command to (timeout_ms, category),
// per spec.md §4.5.
//
// Category derivation is grounded on
// original_source/mcp_server/core/execution/timeout_resolver.py's
// TimeoutResolver._categorize_command ordering (extended before symbols
// before process_list before streaming before large_analysis before bulk
// before analysis before memory before execution before quick, else
// normal). Base timeouts are spec.md §4.5's published values; the mode
// multipliers are passed to New (corectx supplies config's
// network_multipliers), with spec.md §4.5's values when none are given.
package timeout

import (
	"strings"
	"sync"
	"time"

	"github.com/NadavLor/windbg-mcp-bridge/internal/config"
)

// Category is spec.md §3's Command.Category enumeration.
type Category string

const (
	CategoryQuick         Category = "quick"
	CategoryNormal        Category = "normal"
	CategoryAnalysis      Category = "analysis"
	CategoryMemory        Category = "memory"
	CategoryExecution     Category = "execution"
	CategoryBulk          Category = "bulk"
	CategoryLargeAnalysis Category = "large_analysis"
	CategoryProcessList   Category = "process_list"
	CategoryStreaming     Category = "streaming"
	CategorySymbols       Category = "symbols"
	CategoryExtended      Category = "extended"
)

// baseTimeouts are spec.md §4.5's approximate base timeouts per category.
var baseTimeouts = map[Category]time.Duration{
	CategoryQuick:         5 * time.Second,
	CategoryNormal:        15 * time.Second,
	CategoryAnalysis:      60 * time.Second,
	CategoryMemory:        15 * time.Second,
	CategoryExecution:     15 * time.Second,
	CategoryBulk:          60 * time.Second,
	CategoryLargeAnalysis: 120 * time.Second,
	CategoryProcessList:   60 * time.Second,
	CategoryStreaming:     60 * time.Second,
	CategorySymbols:       60 * time.Second,
	CategoryExtended:      120 * time.Second,
}

const maxTimeoutMs = 300_000

// Resolver resolves (timeout_ms, category) for a command under a
// DebuggingMode, with a per-command category cache per spec.md §4.5
// ("A category is cached per command"). The cache has no size limit;
// ClearCache empties it.
type Resolver struct {
	mu          sync.RWMutex
	cache       map[string]Category
	multipliers map[config.DebuggingMode]float64
	// defaultTimeoutMs is the DEFAULT floor spec.md §4.5's clamp refers
	// to — config's default_timeout_ms (30000 by default), matching
	// original_source/mcp_server/commands/windbg_api.py's
	// `max(DEFAULT_TIMEOUT_MS, min(suggested_timeout, 300000))`.
	defaultTimeoutMs int
}

// New builds a Resolver. multipliers maps DebuggingMode to its timeout
// multiplier; pass nil to use spec.md §4.5's defaults (local=1, network=2,
// vm_network=3). defaultTimeoutMs is the clamp floor; pass 0 to use
// spec.md §6's default of 30000.
func New(multipliers map[config.DebuggingMode]float64, defaultTimeoutMs int) *Resolver {
	if multipliers == nil {
		multipliers = map[config.DebuggingMode]float64{
			config.ModeLocal:     1,
			config.ModeNetwork:   2,
			config.ModeVMNetwork: 3,
		}
	}
	if defaultTimeoutMs <= 0 {
		defaultTimeoutMs = 30_000
	}
	return &Resolver{
		cache:            make(map[string]Category),
		multipliers:      multipliers,
		defaultTimeoutMs: defaultTimeoutMs,
	}
}

// Resolve returns (timeout_ms, category) for command under mode. If
// categoryOverride is non-empty and recognized, it's used in place of the
// derived category (spec.md §4.5).
func (r *Resolver) Resolve(command string, mode config.DebuggingMode, categoryOverride Category) (int, Category) {
	category := categoryOverride
	if category == "" || !validCategory(category) {
		category = r.GetCategory(command)
	}

	base, ok := baseTimeouts[category]
	if !ok {
		base = baseTimeouts[CategoryNormal]
		category = CategoryNormal
	}

	mult, ok := r.multipliers[mode]
	if !ok {
		mult = 1
	}

	ms := int(float64(base.Milliseconds()) * mult)
	if ms < r.defaultTimeoutMs {
		ms = r.defaultTimeoutMs
	}
	if ms > maxTimeoutMs {
		ms = maxTimeoutMs
	}
	return ms, category
}

// GetCategory returns the cached-or-computed Category for command.
// Idempotent: repeated calls with the same command return the same value,
// per spec.md §8.
func (r *Resolver) GetCategory(command string) Category {
	r.mu.RLock()
	if c, ok := r.cache[command]; ok {
		r.mu.RUnlock()
		return c
	}
	r.mu.RUnlock()

	category := categorize(command)

	r.mu.Lock()
	r.cache[command] = category
	r.mu.Unlock()
	return category
}

// ClearCache empties the category cache, per spec.md §4.5.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Category)
}

func validCategory(c Category) bool {
	_, ok := baseTimeouts[c]
	return ok
}

// categorize derives a Category by prefix-matching, checking the most
// specific categories first so e.g. ".reload /f" (extended) isn't
// shadowed by the more general ".reload" (symbols) match, per
// original_source's _categorize_command ordering.
func categorize(command string) Category {
	lower := strings.ToLower(strings.TrimSpace(command))

	if strings.Contains(lower, ".reload") && (strings.Contains(lower, "/f") || strings.Contains(lower, "-f")) {
		return CategoryExtended
	}
	if hasAnyPrefix(lower, ".reload", ".sympath", ".symfix") {
		return CategorySymbols
	}
	if hasAnyPrefix(lower, "!process 0 0", "!process 0 7", "!process 0 1f") {
		return CategoryProcessList
	}
	if hasAnyPrefix(lower, "!for_each_process", "!for_each_thread", "!for_each_module") {
		return CategoryStreaming
	}
	if hasAnyPrefix(lower, "!analyze -v", "!thread -1", "!process -1") {
		return CategoryLargeAnalysis
	}
	if hasAnyPrefix(lower, "!process 0 0", "!handle 0 f", "lm", "!dlls", "!vm", "!address") {
		return CategoryBulk
	}
	if hasAnyPrefix(lower, "!analyze", "!poolfind", "!poolused", "!thread", "!process") {
		return CategoryAnalysis
	}
	if hasAnyPrefix(lower, "dd", "dq", "dp", "da", "du", "ed", "ew", "eb", "eq") {
		return CategoryMemory
	}
	if hasAnyPrefix(lower, "g", "p", "t", "bp", "bc", "bd", "be") {
		return CategoryExecution
	}
	if hasAnyPrefix(lower, "version", "r", "?", ".effmach", "help") {
		return CategoryQuick
	}
	return CategoryNormal
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
