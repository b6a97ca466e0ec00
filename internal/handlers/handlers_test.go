package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NadavLor/windbg-mcp-bridge/internal/dbgcontext"
)

func TestLookup_LongestPrefixWins(t *testing.T) {
	r := NewRegistry()
	r.Register(&Handler{Prefix: "!process", FeatureToggle: true})
	r.Register(&Handler{Prefix: "!processinfo", FeatureToggle: true})

	h := r.Lookup("!processinfo 0x1000")
	require.Equal(t, "!processinfo", h.Prefix)

	h2 := r.Lookup("!process 0x1000")
	require.Equal(t, "!process", h2.Prefix)
}

func TestLookup_DisabledHandlerSkipped(t *testing.T) {
	r := NewRegistry()
	r.Register(&Handler{Prefix: "!process", FeatureToggle: false})
	require.Nil(t, r.Lookup("!process 0x1000"))
}

func TestDispatch_NoMatchRunsDirect(t *testing.T) {
	r := NewRegistry()
	got, err := r.Dispatch(context.Background(), "version", func(_ context.Context, cmd string) (string, error) {
		return "ok:" + cmd, nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok:version", got)
}

func TestDispatch_RewriteAppliedBeforeExec(t *testing.T) {
	r := NewRegistry()
	r.Register(&Handler{
		Prefix:        "!foo",
		FeatureToggle: true,
		Rewrite:       func(cmd string) string { return cmd + " --rewritten" },
	})
	got, err := r.Dispatch(context.Background(), "!foo bar", func(_ context.Context, cmd string) (string, error) {
		return cmd, nil
	})
	require.NoError(t, err)
	require.Equal(t, "!foo bar --rewritten", got)
}

func TestDefault_ProcessFallbackChainsOnEmptyResult(t *testing.T) {
	r := Default(dbgcontext.New(nil))

	calls := []string{}
	exec := func(_ context.Context, cmd string) (string, error) {
		calls = append(calls, cmd)
		switch {
		case cmd == ".process":
			return "Implicit process is ffff0001", nil
		case cmd == ".thread":
			return "Current thread is ffff0002", nil
		case cmd == "!process ffff0099 7":
			return "NONE", nil
		case cmd == ".process /r /p ffff0099":
			return "Implicit process is now ffff0099", nil
		case cmd == "!process":
			return "PROCESS ffff0099 details...", nil
		case cmd == ".process /r /p ffff0001":
			return "Implicit process is now ffff0001", nil
		case cmd == ".thread ffff0002":
			return "Current thread is now ffff0002", nil
		}
		return "", nil
	}

	out, err := r.Dispatch(context.Background(), "!process ffff0099 7", exec)
	require.NoError(t, err)
	require.Contains(t, out, "Process context set to ffff0099")
	require.Contains(t, out, "PROCESS ffff0099 details...")
}

func TestDefault_ProcessNoFallbackOnNonEmptyResult(t *testing.T) {
	r := Default(dbgcontext.New(nil))
	exec := func(_ context.Context, cmd string) (string, error) {
		if cmd == "!process ffff0099 7" {
			return "PROCESS ffff0099 SessionId: 1", nil
		}
		return "", nil
	}
	out, err := r.Dispatch(context.Background(), "!process ffff0099 7", exec)
	require.NoError(t, err)
	require.Equal(t, "PROCESS ffff0099 SessionId: 1", out)
}
