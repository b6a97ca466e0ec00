// Package cache implements spec.md §4.8's Unified Cache: a single
// capacity-bounded map shared across contexts (startup, command, session,
// performance), with per-context and per-command TTLs, priority-then-LRU
// eviction, and conditional gzip compression for large payloads.
//
// Grounded on the teacher's internal/ttl package (bounded map + sweep) and
// internal/pagination (MRU list-based ordering), generalized to add
// priority-first eviction and context partitioning per spec.md §3's
// CacheEntry. Compression uses github.com/klauspost/compress/gzip and key
// hashing uses github.com/cespare/xxhash/v2 (SPEC_FULL.md DOMAIN STACK),
// replacing the original Python implementation's MD5 with a faster
// non-cryptographic hash, since CacheEntry's key only needs stability and
// low collision rate, not cryptographic properties.
package cache

import (
	"bytes"
	"container/list"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// Context is spec.md §3's CacheEntry.context enumeration.
type Context string

const (
	ContextStartup     Context = "startup"
	ContextCommand     Context = "command"
	ContextSession     Context = "session"
	ContextPerformance Context = "performance"
)

// Priority is spec.md §3's CacheEntry.priority enumeration, ordered lowest
// first so eviction can compare priorities numerically.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// minSavingsRatio is spec.md §4.8's "saves >= 20%" compression rule; the
// "exceeds 10 KiB" threshold is Config.CompressThreshold's default in New.
const minSavingsRatio = 0.20

// entry is the internal record backing a CacheEntry; data is always the
// logical (uncompressed) payload once past Get's decompression step.
type entry struct {
	key         string
	data        []byte
	context     Context
	timestamp   time.Time
	ttl         time.Duration
	priority    Priority
	compressed  bool
	sizeBytes   int
	accessCount int
	lastAccess  time.Time
	elem        *list.Element // position in lru
}

// Cache is spec.md §4.8's Unified Cache. The zero value is not usable; use
// New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // MRU at Front, LRU candidates toward Back

	maxEntries        int
	defaultTTL        map[Context]time.Duration
	perCommandTTL     map[string]time.Duration
	compressThreshold int

	startupActive bool
}

// Config configures a new Cache. DefaultTTL maps Context to its default
// TTL (spec.md §4.8: startup none, command 300s, session 30s, performance
// 600s). PerCommandTTL overrides by command base word (spec.md §4.8's
// examples: version 1800s, lm 900s, .effmach 1800s, r 5s, k 30s, !thread
// 60s, bl 120s).
type Config struct {
	MaxEntries        int
	DefaultTTL        map[Context]time.Duration
	PerCommandTTL     map[string]time.Duration
	CompressThreshold int
}

// DefaultPerCommandTTL is spec.md §4.8's published per-command TTL
// overrides.
func DefaultPerCommandTTL() map[string]time.Duration {
	return map[string]time.Duration{
		"version":  1800 * time.Second,
		"lm":       900 * time.Second,
		".effmach": 1800 * time.Second,
		"r":        5 * time.Second,
		"k":        30 * time.Second,
		"!thread":  60 * time.Second,
		"bl":       120 * time.Second,
	}
}

// New builds a Cache.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 500
	}
	if cfg.DefaultTTL == nil {
		cfg.DefaultTTL = map[Context]time.Duration{
			ContextStartup:     0,
			ContextCommand:     300 * time.Second,
			ContextSession:     30 * time.Second,
			ContextPerformance: 600 * time.Second,
		}
	}
	if cfg.PerCommandTTL == nil {
		cfg.PerCommandTTL = DefaultPerCommandTTL()
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = 10 * 1024
	}
	return &Cache{
		entries:           make(map[string]*entry),
		lru:               list.New(),
		maxEntries:        cfg.MaxEntries,
		defaultTTL:        cfg.DefaultTTL,
		perCommandTTL:     cfg.PerCommandTTL,
		compressThreshold: cfg.CompressThreshold,
	}
}

// Key derives spec.md §3's "stable hash of (context, command, extra)".
func Key(ctx Context, base string, extra map[string]any) string {
	norm := struct {
		Context Context        `json:"context"`
		Base    string         `json:"base"`
		Extra   map[string]any `json:"extra,omitempty"`
	}{Context: ctx, Base: base, Extra: extra}
	// json.Marshal sorts map keys, so this is stable across calls with the
	// same logical extra map.
	b, err := json.Marshal(norm)
	if err != nil {
		b = []byte(string(ctx) + "|" + base)
	}
	h := xxhash.Sum64(b)
	return formatHash(h)
}

func formatHash(h uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(buf)
}

// Get returns the stored value for key under context, iff present and
// unexpired. Updates access bookkeeping and moves the entry to MRU.
func (c *Cache) Get(key string, ctx Context) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.context != ctx {
		c.mu.Unlock()
		return nil, false
	}
	if c.expiredLocked(e) {
		c.removeLocked(e)
		c.mu.Unlock()
		return nil, false
	}
	e.accessCount++
	e.lastAccess = time.Now()
	c.lru.MoveToFront(e.elem)

	compressed := e.compressed
	data := e.data
	c.mu.Unlock()

	if !compressed {
		return data, true
	}
	raw, err := decompress(data)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Put stores value under key/context. A ttl of zero uses the per-command
// or context default; priority is stored as given (its zero value is
// PriorityLow). base, if non-empty, is the command base word
// used to look up a per-command TTL override.
func (c *Cache) Put(key string, value []byte, ctx Context, base string, ttl time.Duration, priority Priority) {
	if ctx == ContextStartup {
		c.mu.Lock()
		active := c.startupActive
		c.mu.Unlock()
		if !active {
			return
		}
	}

	if ttl <= 0 {
		ttl = c.resolveTTL(ctx, base)
	}

	data := value
	compressed := false
	if len(value) > c.compressThreshold {
		if gz, err := compress(value); err == nil && len(gz) <= int(float64(len(value))*(1-minSavingsRatio)) {
			data = gz
			compressed = true
		}
	}

	e := &entry{
		key:        key,
		data:       data,
		context:    ctx,
		timestamp:  time.Now(),
		ttl:        ttl,
		priority:   priority,
		compressed: compressed,
		sizeBytes:  len(data),
		lastAccess: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	for len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}

	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
}

// resolveTTL applies spec.md §4.8's per-command override, else the
// context default.
func (c *Cache) resolveTTL(ctx Context, base string) time.Duration {
	if base != "" {
		if ttl, ok := c.perCommandTTL[strings.ToLower(base)]; ok {
			return ttl
		}
	}
	return c.defaultTTL[ctx]
}

// StartStartupCaching enters startup caching mode, per spec.md §4.8.
func (c *Cache) StartStartupCaching() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startupActive = true
}

// StopStartupCaching exits startup caching mode and clears all startup
// entries, per spec.md §4.8.
func (c *Cache) StopStartupCaching() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startupActive = false
	c.clearContextLocked(ContextStartup)
}

// ClearContext removes every entry in ctx, per spec.md §4.8's
// clear_context.
func (c *Cache) ClearContext(ctx Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearContextLocked(ctx)
}

func (c *Cache) clearContextLocked(ctx Context) {
	for _, e := range c.entries {
		if e.context == ctx {
			c.removeLocked(e)
		}
	}
}

// InvalidateKey removes a single entry by key.
func (c *Cache) InvalidateKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// InvalidatePattern removes every entry whose key contains substr, per
// spec.md §4.8's "by substring pattern" invalidation mode.
func (c *Cache) InvalidatePattern(substr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if strings.Contains(k, substr) {
			c.removeLocked(e)
		}
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expiredLocked(e *entry) bool {
	if e.context == ContextStartup {
		return false
	}
	if e.ttl <= 0 {
		return false
	}
	return time.Since(e.timestamp) > e.ttl
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
}

// evictOneLocked applies spec.md §3's CacheEntry eviction order:
// lowest-priority first, then oldest last_access.
func (c *Cache) evictOneLocked() {
	var victim *entry
	for back := c.lru.Back(); back != nil; back = back.Prev() {
		e := back.Value.(*entry)
		if victim == nil {
			victim = e
			continue
		}
		if e.priority < victim.priority {
			victim = e
			continue
		}
		if e.priority == victim.priority && e.lastAccess.Before(victim.lastAccess) {
			victim = e
		}
	}
	if victim != nil {
		c.removeLocked(victim)
	}
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
