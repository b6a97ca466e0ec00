package bridgeerr

import "errors"

// Retryable reports whether err belongs to a class the Retry Engine
// (internal/retry) should retry, per spec.md §7's propagation policy.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}
	var paramErr *ParameterError
	if errors.As(err, &paramErr) {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var contextErr *ContextError
	if errors.As(err, &contextErr) {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var netDbgErr *NetworkDebuggingError
	if errors.As(err, &netDbgErr) {
		return true
	}

	// Errors of no known kind are retryable like transport errors, up to
	// the caller's max attempts; they are not limited to a single retry.
	return true
}

// RemediationHint returns a short, user-facing suggestion derived from the
// error kind, per spec.md §7's "short remediation suggestion" requirement.
func RemediationHint(err error) string {
	var paramErr *ParameterError
	if errors.As(err, &paramErr) {
		return "Check the command argument and retry."
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return "This command is restricted; choose a non-destructive alternative."
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		switch transportErr.Kind {
		case TransportNotFound:
			return "Ensure the debugger extension is loaded and retry."
		case TransportBusy:
			return "The extension is busy; wait and retry."
		default:
			return "The connection was interrupted; a retry will reconnect."
		}
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return "The command is slow; retry with a larger timeout or narrower scope."
	}
	var netDbgErr *NetworkDebuggingError
	if errors.As(err, &netDbgErr) {
		return "Network debugging link is resyncing; retry shortly."
	}
	var recoveryErr *RecoveryFailure
	if errors.As(err, &recoveryErr) {
		return "Try a stronger recovery strategy or intervene manually."
	}
	return "Retry; if this persists, inspect the daemon log."
}
