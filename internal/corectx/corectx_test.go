package corectx

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/NadavLor/windbg-mcp-bridge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.EndpointName = filepath.Join(t.TempDir(), "bridge.sock")
	cfg.Session.SnapshotFile = filepath.Join(t.TempDir(), "session.json")
	return cfg
}

func TestBuild_WiresEveryComponent(t *testing.T) {
	core := Build(testConfig(t), nil, prometheus.NewRegistry())

	require.NotNil(t, core.Transport)
	require.NotNil(t, core.Pool)
	require.NotNil(t, core.Validator)
	require.NotNil(t, core.Timeouts)
	require.NotNil(t, core.Cache)
	require.NotNil(t, core.ContextMgr)
	require.NotNil(t, core.Handlers)
	require.NotNil(t, core.Resilience)
	require.NotNil(t, core.Recovery)
	require.NotNil(t, core.AsyncTasks)
	require.NotNil(t, core.Executor)
	require.NotNil(t, core.Metrics)

	require.NoError(t, core.Shutdown())
}

func TestBuild_ExecutorSharesCoreContextManager(t *testing.T) {
	core := Build(testConfig(t), nil, prometheus.NewRegistry())
	defer core.Shutdown()

	require.Same(t, core.ContextMgr, core.Executor.ContextManager())
}

func TestBuild_NilLoggerDefaultsToNop(t *testing.T) {
	core := Build(testConfig(t), nil, prometheus.NewRegistry())
	defer core.Shutdown()
	require.NotNil(t, core.Logger)
}
