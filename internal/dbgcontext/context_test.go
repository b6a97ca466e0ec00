package dbgcontext

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func scriptedSender(t *testing.T, script map[string]string) Sender {
	return func(_ context.Context, command string) (string, error) {
		out, ok := script[command]
		if !ok {
			t.Fatalf("unexpected command %q", command)
		}
		return out, nil
	}
}

func TestSaveCurrent_ParsesProcessAndThread(t *testing.T) {
	m := New(nil)
	send := scriptedSender(t, map[string]string{
		".process": "Implicit process is ffff8000`12345678",
		".thread":  "Current thread is ffff8000`87654321",
	})
	dc := m.SaveCurrent(context.Background(), send)
	require.Equal(t, "ffff8000`12345678", dc.Process)
	require.Equal(t, "ffff8000`87654321", dc.Thread)
}

func TestSaveCurrent_BestEffortOnSendError(t *testing.T) {
	m := New(nil)
	send := func(_ context.Context, command string) (string, error) {
		return "", errors.New("pipe broken")
	}
	dc := m.SaveCurrent(context.Background(), send)
	require.False(t, dc.NonEmpty())
}

func TestPushPop_RoundTrip(t *testing.T) {
	m := New(nil)
	send := scriptedSender(t, map[string]string{
		".process":                 "Implicit process is ffff0001",
		".thread":                  "Current thread is ffff0002",
		".process /r /p ffff0001": "Implicit process is now ffff0001",
		".thread ffff0002":         "Current thread is now ffff0002",
	})
	pushed := m.PushCurrent(context.Background(), send)
	require.True(t, pushed.NonEmpty())
	require.Equal(t, 1, m.StackDepth())

	ok := m.Pop(context.Background(), send)
	require.True(t, ok)
	require.Equal(t, 0, m.StackDepth())
}

func TestPop_EmptyStackReturnsFalse(t *testing.T) {
	m := New(nil)
	ok := m.Pop(context.Background(), func(context.Context, string) (string, error) { return "", nil })
	require.False(t, ok)
}

func TestRestore_PartialFailureReturnsFalse(t *testing.T) {
	m := New(nil)
	dc := DebugContext{Process: "ffff0001", Thread: "ffff0002"}
	send := scriptedSender(t, map[string]string{
		".process /r /p ffff0001": "Implicit process is now ffff0001",
		".thread ffff0002":        "failed to switch thread",
	})
	ok := m.Restore(context.Background(), dc, send)
	require.False(t, ok)
}

func TestSwitchToProcess_SuccessUpdatesCurrent(t *testing.T) {
	m := New(nil)
	send := scriptedSender(t, map[string]string{
		".process /r /p ffff0099": "Implicit process is now ffff0099",
	})
	ok := m.SwitchToProcess(context.Background(), "ffff0099", send)
	require.True(t, ok)
	require.Equal(t, "ffff0099", m.Current().Process)
}

func TestSwitchToThread_FailureLeavesCurrentUnchanged(t *testing.T) {
	m := New(nil)
	send := scriptedSender(t, map[string]string{
		".thread ffff0099": "error: no such thread",
	})
	ok := m.SwitchToThread(context.Background(), "ffff0099", send)
	require.False(t, ok)
	require.Empty(t, m.Current().Thread)
}

func TestClearStack(t *testing.T) {
	m := New(nil)
	send := scriptedSender(t, map[string]string{
		".process": "no process info",
		".thread":  "Current thread is ffff0002",
	})
	m.PushCurrent(context.Background(), send)
	m.ClearStack()
	require.Equal(t, 0, m.StackDepth())
}
