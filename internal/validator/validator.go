// Package validator classifies and gates WinDbg commands before they ever
// reach the transport, per spec.md §4.4.
//
// Grounded directly on original_source/mcp_server/validation.py (the
// DANGEROUS_COMMANDS / ALWAYS_SAFE_PREFIXES sets and the
// validate_command/is_safe_for_automation ordering) and on the teacher's
// internal/security package for "classify, then log-and-allow the rest"
// posture. The "log unrecognized command" path is throttled with
// golang.org/x/time/rate (SPEC_FULL.md DOMAIN STACK) so a tight loop of
// unusual commands can't flood the log the way it could in the original's
// logger.info-per-call implementation.
package validator

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxCommandLength is spec.md §4.4 rule 2.
const MaxCommandLength = 4096

// dangerous is spec.md §4.4 rule 3 / original's DANGEROUS_COMMANDS.
var dangerous = map[string]bool{
	"q": true, "qq": true, "qd": true,
	".kill": true, ".detach": true, ".restart": true,
	".dump": true, ".dumpexr": true, ".dumpcab": true,
	".logopen": true, ".logappend": true,
	".connect": true, ".server": true,
	".load": true, ".unload": true,
}

// alwaysSafePrefixes is spec.md §4.4 rule 4 / original's ALWAYS_SAFE_PREFIXES.
var alwaysSafePrefixes = []string{
	"lm", "x", "dt", "dd", "dw", "db", "dq", "da", "du",
	"!process", "!thread", "!dlls", "!handle", "!peb", "!teb",
	"!object", "!idt", "!gdt", "!pcr", "!address",
	"k", "kb", "kp", "kv", "r",
	"u", "uf",
	"s",
	".reload", ".sympath", ".symfix",
	".echo", ".help", "?", "??",
	"bl",
	"version", "vertarget",
	".effmach", ".formats",
	"!drivers", "!devobj", "!irp",
	"!dh",
	"!vprot", "!pte",
}

var breakpointOps = map[string]bool{"bp": true, "ba": true, "bu": true, "bm": true, "bc": true, "bd": true, "be": true}
var executionOps = map[string]bool{"g": true, "p": true, "t": true, "gu": true, "wt": true}
var contextSwitchOps = map[string]bool{".thread": true, ".process": true}

// Result is the outcome of validating a command.
type Result struct {
	Valid             bool
	Reason            string
	SafeForAutomation bool
}

// Validator gates commands per spec.md §4.4. The zero value is usable;
// DisallowForAutomation configures the "disallow-for-automation" override
// set spec.md leaves configurable (empty by default).
type Validator struct {
	DisallowForAutomation map[string]bool

	logger *zap.Logger
	logLim *rate.Limiter
}

// New builds a Validator. disallow is the configurable
// disallow-for-automation set (may be nil/empty, spec.md's default).
func New(disallow []string, logger *zap.Logger) *Validator {
	set := make(map[string]bool, len(disallow))
	for _, c := range disallow {
		set[strings.ToLower(c)] = true
	}
	return &Validator{
		DisallowForAutomation: set,
		logger:                logger,
		logLim:                rate.NewLimiter(rate.Every(time.Second), 5), // at most ~5 burst, 1/s sustained
	}
}

// Validate classifies command per spec.md §4.4's ordered rules.
func (v *Validator) Validate(command string) Result {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Result{Valid: false, Reason: "Empty command"}
	}
	if len(trimmed) > MaxCommandLength {
		return Result{Valid: false, Reason: "Command too long"}
	}

	fields := strings.Fields(trimmed)
	base := strings.ToLower(fields[0])

	if dangerous[base] {
		return Result{Valid: false, Reason: "Command '" + base + "' is restricted for safety. It could terminate the debugging session or cause system damage."}
	}

	lowerCmd := strings.ToLower(trimmed)
	for _, prefix := range alwaysSafePrefixes {
		if strings.HasPrefix(lowerCmd, strings.ToLower(prefix)) {
			return Result{Valid: true, SafeForAutomation: v.automationAllowed(base)}
		}
	}

	if breakpointOps[base] || executionOps[base] || contextSwitchOps[base] {
		return Result{Valid: true, SafeForAutomation: v.automationAllowed(base)}
	}

	// Catch-all: meta commands, extensions, and anything else are valid
	// but logged, per spec.md §4.4 rule 8.
	v.logAllowed(base)
	return Result{Valid: true, SafeForAutomation: v.automationAllowed(base)}
}

// automationAllowed applies spec.md §4.4's safe_for_automation rule: valid
// AND base word not in the configurable disallow set.
func (v *Validator) automationAllowed(base string) bool {
	return !v.DisallowForAutomation[base]
}

func (v *Validator) logAllowed(base string) {
	if v.logger == nil {
		return
	}
	if v.logLim != nil && !v.logLim.Allow() {
		return
	}
	v.logger.Info("allowing unrecognized or meta command", zap.String("base_command", base))
}
