package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGet_RoundTrip(t *testing.T) {
	c := New(Config{})
	key := Key(ContextCommand, "version", nil)
	c.Put(key, []byte("hello"), ContextCommand, "version", 0, PriorityNormal)

	got, ok := c.Get(key, ContextCommand)
	require.True(t, ok)
	require.Equal(t, "hello", string(got))
}

func TestGet_WrongContextMisses(t *testing.T) {
	c := New(Config{})
	key := Key(ContextCommand, "lm", nil)
	c.Put(key, []byte("x"), ContextCommand, "lm", 0, PriorityNormal)
	_, ok := c.Get(key, ContextSession)
	require.False(t, ok)
}

func TestGet_ExpiredEntryMisses(t *testing.T) {
	c := New(Config{})
	key := Key(ContextCommand, "r", nil)
	c.Put(key, []byte("x"), ContextCommand, "r", 1*time.Millisecond, PriorityNormal)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(key, ContextCommand)
	require.False(t, ok)
}

func TestPut_StartupNoOpUnlessActive(t *testing.T) {
	c := New(Config{})
	key := Key(ContextStartup, "init", nil)
	c.Put(key, []byte("x"), ContextStartup, "", 0, PriorityNormal)
	_, ok := c.Get(key, ContextStartup)
	require.False(t, ok)

	c.StartStartupCaching()
	c.Put(key, []byte("x"), ContextStartup, "", 0, PriorityNormal)
	_, ok = c.Get(key, ContextStartup)
	require.True(t, ok)
}

func TestStopStartupCaching_ClearsStartupEntries(t *testing.T) {
	c := New(Config{})
	c.StartStartupCaching()
	key := Key(ContextStartup, "init", nil)
	c.Put(key, []byte("x"), ContextStartup, "", 0, PriorityNormal)
	c.StopStartupCaching()
	_, ok := c.Get(key, ContextStartup)
	require.False(t, ok)
}

func TestPut_PerCommandTTLOverride(t *testing.T) {
	c := New(Config{})
	require.Equal(t, 5*time.Second, c.resolveTTL(ContextCommand, "r"))
	require.Equal(t, 300*time.Second, c.resolveTTL(ContextCommand, "unlisted"))
}

func TestEviction_LowestPriorityFirst(t *testing.T) {
	c := New(Config{MaxEntries: 2})
	kLow := Key(ContextCommand, "low", nil)
	kHigh := Key(ContextCommand, "high", nil)
	c.Put(kLow, []byte("a"), ContextCommand, "low", time.Hour, PriorityLow)
	c.Put(kHigh, []byte("b"), ContextCommand, "high", time.Hour, PriorityCritical)

	kNew := Key(ContextCommand, "new", nil)
	c.Put(kNew, []byte("c"), ContextCommand, "new", time.Hour, PriorityNormal)

	_, lowOk := c.Get(kLow, ContextCommand)
	_, highOk := c.Get(kHigh, ContextCommand)
	require.False(t, lowOk)
	require.True(t, highOk)
	require.Equal(t, 2, c.Len())
}

func TestEviction_OldestLastAccessAmongEqualPriority(t *testing.T) {
	c := New(Config{MaxEntries: 2})
	kOld := Key(ContextCommand, "old", nil)
	kRecent := Key(ContextCommand, "recent", nil)
	c.Put(kOld, []byte("a"), ContextCommand, "old", time.Hour, PriorityNormal)
	time.Sleep(2 * time.Millisecond)
	c.Put(kRecent, []byte("b"), ContextCommand, "recent", time.Hour, PriorityNormal)

	kNew := Key(ContextCommand, "new", nil)
	c.Put(kNew, []byte("c"), ContextCommand, "new", time.Hour, PriorityNormal)

	_, oldOk := c.Get(kOld, ContextCommand)
	_, recentOk := c.Get(kRecent, ContextCommand)
	require.False(t, oldOk)
	require.True(t, recentOk)
}

func TestPut_CompressesLargeCompressiblePayload(t *testing.T) {
	c := New(Config{CompressThreshold: 64})
	payload := []byte(strings.Repeat("a", 10_000))
	key := Key(ContextCommand, "bigdump", nil)
	c.Put(key, payload, ContextCommand, "bigdump", time.Hour, PriorityNormal)

	got, ok := c.Get(key, ContextCommand)
	require.True(t, ok)
	require.Equal(t, payload, got)
}

func TestInvalidatePattern(t *testing.T) {
	c := New(Config{})
	k1 := Key(ContextCommand, "process-1", nil)
	k2 := Key(ContextCommand, "process-2", nil)
	c.Put(k1, []byte("a"), ContextCommand, "", time.Hour, PriorityNormal)
	c.Put(k2, []byte("b"), ContextCommand, "", time.Hour, PriorityNormal)

	c.InvalidatePattern(k1[:8])
	_, ok1 := c.Get(k1, ContextCommand)
	require.False(t, ok1)
}

func TestClearContext(t *testing.T) {
	c := New(Config{})
	k := Key(ContextSession, "current", nil)
	c.Put(k, []byte("a"), ContextSession, "", time.Hour, PriorityNormal)
	c.ClearContext(ContextSession)
	_, ok := c.Get(k, ContextSession)
	require.False(t, ok)
}

func TestKey_StableAcrossCalls(t *testing.T) {
	extra := map[string]any{"addr": "0x1000", "count": 5}
	k1 := Key(ContextCommand, "dd", extra)
	k2 := Key(ContextCommand, "dd", map[string]any{"addr": "0x1000", "count": 5})
	require.Equal(t, k1, k2)
}
