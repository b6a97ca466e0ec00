package protocol

import (
	"encoding/json"
	"testing"

	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
	"github.com/stretchr/testify/require"
)

func TestNextRequestID_Unique(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id := NextRequestID()
		require.False(t, seen[id], "duplicate request id %d", id)
		seen[id] = true
	}
}

func TestNewCommandMessage_RoundTrip(t *testing.T) {
	msg := NewCommandMessage("version", 5000)
	require.Equal(t, "command", msg.Type)
	require.Equal(t, "execute_command", msg.Command)
	require.Equal(t, "version", msg.Args.Command)
	require.Equal(t, 5000, msg.Args.TimeoutMs)

	raw, err := Serialize(msg)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), raw[len(raw)-1])

	var decoded CommandMessage
	require.NoError(t, json.Unmarshal(raw[:len(raw)-1], &decoded))
	require.Equal(t, msg, decoded)
}

func TestParseResponse_Success(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"status":"success","output":"WinDbg 10.0"}` + "\n"))
	require.NoError(t, err)
	require.Equal(t, "success", resp.Status)
	require.True(t, resp.Valid())
}

func TestParseResponse_ErrorMissingField(t *testing.T) {
	_, err := ParseResponse([]byte(`{"status":"error"}`))
	require.Error(t, err)
	var nonRetryable *bridgeerr.NonRetryableError
	require.ErrorAs(t, err, &nonRetryable)
}

func TestParseResponse_InvalidJSON(t *testing.T) {
	_, err := ParseResponse([]byte(`not json`))
	require.Error(t, err)
}

func TestParseResponse_NetworkDebuggingTagged(t *testing.T) {
	_, err := ParseResponse([]byte(`{"status":"error","error":"Target Windows seems lost, resync with target required"}`))
	require.Error(t, err)
	var netErr *bridgeerr.NetworkDebuggingError
	require.ErrorAs(t, err, &netErr)
}

func TestIsNetworkDebuggingError_CaseInsensitive(t *testing.T) {
	require.True(t, IsNetworkDebuggingError("Connection LOST, please retry sending"))
	require.True(t, IsNetworkDebuggingError("a NETWORK issue occurred"))
	require.False(t, IsNetworkDebuggingError("symbol not found"))
}

func TestResponse_ValidInvariant(t *testing.T) {
	require.True(t, Response{Status: "success", Output: json.RawMessage(`"ok"`)}.Valid())
	require.False(t, Response{Status: "success"}.Valid())
	require.True(t, Response{Status: "error", Error: "boom"}.Valid())
	require.False(t, Response{Status: "error"}.Valid())
	require.False(t, Response{}.Valid())
}
