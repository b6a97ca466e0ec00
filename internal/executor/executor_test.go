package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NadavLor/windbg-mcp-bridge/internal/asynctask"
	"github.com/NadavLor/windbg-mcp-bridge/internal/cache"
	"github.com/NadavLor/windbg-mcp-bridge/internal/config"
	"github.com/NadavLor/windbg-mcp-bridge/internal/dbgcontext"
	"github.com/NadavLor/windbg-mcp-bridge/internal/handlers"
	"github.com/NadavLor/windbg-mcp-bridge/internal/pool"
	"github.com/NadavLor/windbg-mcp-bridge/internal/protocol"
	"github.com/NadavLor/windbg-mcp-bridge/internal/resilience"
	"github.com/NadavLor/windbg-mcp-bridge/internal/retry"
	"github.com/NadavLor/windbg-mcp-bridge/internal/timeout"
	"github.com/NadavLor/windbg-mcp-bridge/internal/transport"
	"github.com/NadavLor/windbg-mcp-bridge/internal/validator"
)

// wireResponse mirrors protocol.Response's wire shape with a plain-string
// Output field, letting tests build responses without round-tripping
// through json.RawMessage by hand.
type wireResponse struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func fakeServer(t *testing.T, onCommand func(cmd string) wireResponse) *transport.InMemory {
	t.Helper()
	return transport.NewInMemory(func(server net.Conn) {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				var msg protocol.CommandMessage
				if jsonErr := json.Unmarshal(line, &msg); jsonErr == nil {
					resp := onCommand(msg.Args.Command)
					out, _ := json.Marshal(resp)
					out = append(out, '\n')
					if _, writeErr := server.Write(out); writeErr != nil {
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	})
}

func newTestExecutor(t *testing.T, onCommand func(cmd string) wireResponse) *Executor {
	t.Helper()
	p := pool.New(fakeServer(t, onCommand), pool.Config{MaxConnections: 2, MaxConcurrentRequests: 4})
	v := validator.New(nil, nil)
	tr := timeout.New(nil, 30_000)
	return New(Config{Mode: config.ModeLocal}, p, v, tr, retry.DefaultConfig(), handlers.NewRegistry(), dbgcontext.New(nil), cache.New(cache.Config{}), resilience.New(nil), nil, nil)
}

func TestExecute_DirectSuccess(t *testing.T) {
	e := newTestExecutor(t, func(cmd string) wireResponse {
		return wireResponse{Status: "success", Output: "result:" + cmd}
	})

	res := e.Execute(context.Background(), "version", Options{})
	require.True(t, res.Success)
	require.Equal(t, "result:version", res.Output)
	require.Equal(t, ModeDirect, res.Mode)
}

func TestExecute_EmptyCommandReturnsParameterError(t *testing.T) {
	e := newTestExecutor(t, func(cmd string) wireResponse {
		return wireResponse{Status: "success", Output: "unreachable"}
	})

	res := e.Execute(context.Background(), "   ", Options{})
	require.False(t, res.Success)
	require.Equal(t, "Parameter error", res.Error)
}

func TestExecute_ValidatorRejectsDangerousCommand(t *testing.T) {
	e := newTestExecutor(t, func(cmd string) wireResponse {
		return wireResponse{Status: "success", Output: "unreachable"}
	})

	res := e.Execute(context.Background(), "q", Options{})
	require.False(t, res.Success)
}

func TestExecute_ResilientRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	e := newTestExecutor(t, func(cmd string) wireResponse {
		attempts++
		if attempts < 2 {
			return wireResponse{Status: "error", Error: "network connection lost, retry sending"}
		}
		return wireResponse{Status: "success", Output: "ok"}
	})
	e.retryCfg.BaseDelayMs = 1
	e.retryCfg.CapDelayMs = 5

	res := e.Execute(context.Background(), "version", Options{Resilient: true})
	require.True(t, res.Success)
	require.Equal(t, "ok", res.Output)
	require.Equal(t, 1, res.RetriesAttempted)
}

func TestExecute_OptimizedBypassesStateChangingCommand(t *testing.T) {
	var seen string
	e := newTestExecutor(t, func(cmd string) wireResponse {
		seen = cmd
		return wireResponse{Status: "success", Output: "ok"}
	})

	res := e.Execute(context.Background(), "bp ntdll!NtCreateFile", Options{Optimize: true})
	require.True(t, res.Success)
	require.Equal(t, "bp ntdll!NtCreateFile", seen)
}

func TestExecute_AsyncSubmitAndWait(t *testing.T) {
	e := newTestExecutor(t, func(cmd string) wireResponse {
		return wireResponse{Status: "success", Output: "async:" + cmd}
	})
	mgr := asynctask.New(asynctask.Config{}, func(ctx context.Context, command, category string) (string, error) {
		return e.send(ctx, command, 5000)
	})
	defer mgr.Shutdown()
	e.AttachAsync(mgr)

	res := e.Execute(context.Background(), "version", Options{Async: true, AsyncWaitFor: time.Second})
	require.True(t, res.Success)
	require.Equal(t, "async:version", res.Output)
	require.NotEmpty(t, res.TaskID)
}

func TestExecute_AsyncFireAndForgetReturnsTaskID(t *testing.T) {
	e := newTestExecutor(t, func(cmd string) wireResponse {
		return wireResponse{Status: "success", Output: "ok"}
	})
	mgr := asynctask.New(asynctask.Config{}, func(ctx context.Context, command, category string) (string, error) {
		return e.send(ctx, command, 5000)
	})
	defer mgr.Shutdown()
	e.AttachAsync(mgr)

	res := e.Execute(context.Background(), "version", Options{Async: true})
	require.True(t, res.Success)
	require.NotEmpty(t, res.TaskID)
	require.Empty(t, res.Output)
}

func TestBatch_StopsOnFirstFailure(t *testing.T) {
	e := newTestExecutor(t, func(cmd string) wireResponse {
		if cmd == "bad" {
			return wireResponse{Status: "error", Error: "boom"}
		}
		return wireResponse{Status: "success", Output: "ok"}
	})

	br := e.Batch(context.Background(), []string{"version", "bad", "lm"}, Options{}, true)
	require.Equal(t, 2, br.Summary.Total)
	require.Equal(t, 1, br.Summary.Succeeded)
	require.Equal(t, 1, br.Summary.Failed)
}

func TestBatch_ContinuesWhenStopOnErrorFalse(t *testing.T) {
	e := newTestExecutor(t, func(cmd string) wireResponse {
		if cmd == "bad" {
			return wireResponse{Status: "error", Error: "boom"}
		}
		return wireResponse{Status: "success", Output: "ok"}
	})

	br := e.Batch(context.Background(), []string{"version", "bad", "lm"}, Options{}, false)
	require.Equal(t, 3, br.Summary.Total)
	require.Equal(t, 2, br.Summary.Succeeded)
	require.Equal(t, 1, br.Summary.Failed)
}

func TestBypassesOptimization_CoversExecutionAndBreakpointAndContextOps(t *testing.T) {
	require.True(t, bypassesOptimization("g"))
	require.True(t, bypassesOptimization("bp ntdll!NtCreateFile"))
	require.True(t, bypassesOptimization(".process /i ffff0001"))
	require.True(t, bypassesOptimization(".reload /f"))
	require.False(t, bypassesOptimization("version"))
}
