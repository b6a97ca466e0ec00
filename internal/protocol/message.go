// Package protocol implements the newline-terminated JSON wire protocol
// between the bridge daemon and the in-process debugger extension, per
// spec.md §4.2.
//
// Grounded on the teacher's internal/mcp/protocol.go (JSON-RPC-shaped
// request/response structs with a custom UnmarshalJSON) generalized from
// the MCP JSON-RPC envelope to this spec's simpler
// {"type":"command",...} / {"status":...} wire shape, and on
// original_source/mcp_server/core/communication.py's MessageProtocol
// class for the exact field names.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
)

// requestSeq disambiguates Request IDs created within the same
// millisecond, per spec.md §3's "id equals millisecond wall time at
// creation; implementation must ensure uniqueness under concurrency".
var requestSeq uint64

// NextRequestID returns a monotonically increasing id. The high bits carry
// the millisecond timestamp (matching spec.md's "id equals millisecond
// wall time"); the low bits are an atomic counter guaranteeing uniqueness
// when multiple requests are created within the same millisecond.
func NextRequestID() uint64 {
	ms := uint64(time.Now().UnixMilli())
	seq := atomic.AddUint64(&requestSeq, 1) & 0xFFF
	return (ms << 12) | seq
}

// CommandMessage is the wire request for regular command execution:
// handler name "execute_command", args {command, timeout_ms}.
type CommandMessage struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	ID      uint64         `json:"id"`
	Args    CommandMsgArgs `json:"args"`
}

// CommandMsgArgs is the args payload for an "execute_command" message.
type CommandMsgArgs struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms"`
}

// NewCommandMessage builds the wire request for executing a debugger
// command, per spec.md §4.2.
func NewCommandMessage(command string, timeoutMs int) CommandMessage {
	return CommandMessage{
		Type:    "command",
		Command: "execute_command",
		ID:      NextRequestID(),
		Args: CommandMsgArgs{
			Command:   command,
			TimeoutMs: timeoutMs,
		},
	}
}

// HandlerMessage is the wire request for a direct handler call (e.g.
// "version", "health_check") whose args are handler-defined.
type HandlerMessage struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	ID      uint64         `json:"id"`
	Args    map[string]any `json:"args,omitempty"`
}

// NewHandlerMessage builds a direct handler-call wire request.
func NewHandlerMessage(handlerName string, args map[string]any) HandlerMessage {
	return HandlerMessage{
		Type:    "command",
		Command: handlerName,
		ID:      NextRequestID(),
		Args:    args,
	}
}

// Serialize encodes v followed by a single trailing newline, per the
// framing contract in spec.md §4.1/§4.2.
func Serialize(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w", &bridgeerr.ParameterError{Msg: fmt.Sprintf("serialize message: %v", err)})
	}
	return append(body, '\n'), nil
}

// Response is the wire response shape, per spec.md §3/§4.2.
type Response struct {
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	Suggestion    string          `json:"suggestion,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
}

// Valid reports whether the Response invariant in spec.md §3 holds:
// status present and matching the payload shape (success ⇒ output
// present; error ⇒ error present).
func (r Response) Valid() bool {
	switch r.Status {
	case "success":
		return len(r.Output) > 0
	case "error":
		return r.Error != ""
	default:
		return false
	}
}

// networkDebuggingPhrases are case-insensitive substrings that, when found
// in a Response's error field, tag the response as a retryable
// NetworkDebuggingError per spec.md §4.2.
var networkDebuggingPhrases = []string{
	"retry sending",
	"transport connection",
	"lost",
	"network",
	"target windows seems lost",
	"resync with target",
}

// IsNetworkDebuggingError reports whether errMsg matches one of spec.md
// §4.2's network-debugging phrases (case-insensitive substring match).
func IsNetworkDebuggingError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, phrase := range networkDebuggingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ParseResponse decodes a newline-stripped wire payload into a Response,
// validating UTF-8, JSON structure, and the Response invariant.
// Non-UTF-8 input and malformed/missing fields are reported as typed
// bridgeerr values per spec.md §4.2's parser rules.
func ParseResponse(payload []byte) (Response, error) {
	trimmed := strings.TrimRight(string(payload), "\n")
	if !utf8.ValidString(trimmed) {
		return Response{}, &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken, Err: fmt.Errorf("non-UTF-8 response")}
	}

	var resp Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return Response{}, &bridgeerr.NonRetryableError{Err: fmt.Errorf("communication error: invalid response JSON: %w", err)}
	}
	if !resp.Valid() {
		return Response{}, &bridgeerr.NonRetryableError{Err: fmt.Errorf("communication error: malformed response (status=%q)", resp.Status)}
	}

	if resp.Status == "error" && IsNetworkDebuggingError(resp.Error) {
		return resp, &bridgeerr.NetworkDebuggingError{Message: resp.Error}
	}
	return resp, nil
}

