// Package pool implements spec.md §4.3's Connection Pool: a bounded set of
// reusable transport handles plus an admission gate on in-flight requests.
//
// Grounded on the teacher's internal/queries/dispatcher.go mutex-guarded
// bookkeeping for the pooled handles, and on
// SPEC_FULL.md/DESIGN.md's decision to implement the admission gate with
// golang.org/x/sync/semaphore.Weighted (SPEC_FULL.md DOMAIN STACK) rather
// than a hand-rolled condition variable, since the pack (kubernaut) shows
// that exact package for this exact job.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
	"github.com/NadavLor/windbg-mcp-bridge/internal/transport"
)

// handle wraps a transport.Handle with spec.md §3's ConnectionHandle
// bookkeeping fields.
type handle struct {
	h         *transport.Handle
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	useCount  int
	temporary bool
}

// Guard is returned by Acquire and must be released on every exit path.
type Guard struct {
	pool *Pool
	h    *handle
}

// Conn returns the underlying connection the caller may Write/ReadMessage
// on.
func (g *Guard) Conn() *transport.Handle { return g.h.h }

// ID returns a stable identifier for the underlying pooled handle, for
// callers (internal/resilience) that track per-connection health across
// repeated Acquire/Release cycles of the same physical handle.
func (g *Guard) ID() string { return fmt.Sprintf("%p", g.h) }

// Config configures a Pool.
type Config struct {
	MaxConnections        int // default pool cap, spec.md §4.3's "3-5"
	MaxConcurrentRequests int // admission gate cap, spec.md §4.3's default 10
	MaxAge                time.Duration
}

// Pool is spec.md §4.3's Connection Pool.
type Pool struct {
	transport transport.Transport
	cfg       Config

	mu       sync.Mutex
	pooled   []*handle
	inFlight int

	admission *semaphore.Weighted
}

// New builds a Pool over tr.
func New(tr transport.Transport, cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	return &Pool{
		transport: tr,
		cfg:       cfg,
		admission: semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}
}

// Acquire implements spec.md §4.3's acquire algorithm: block on the
// admission gate up to timeout, then hand back a pooled or temporary
// handle.
func (p *Pool) Acquire(ctx context.Context, connectTimeout, admissionTimeout time.Duration) (*Guard, error) {
	actx, cancel := context.WithTimeout(ctx, admissionTimeout)
	defer cancel()

	if err := p.admission.Acquire(actx, 1); err != nil {
		return nil, &bridgeerr.TimeoutError{Command: "pool.acquire", TimeoutMs: int(admissionTimeout.Milliseconds())}
	}

	p.mu.Lock()
	for _, hd := range p.pooled {
		if !hd.inUse {
			hd.inUse = true
			hd.useCount++
			hd.lastUsed = time.Now()
			p.inFlight++
			p.mu.Unlock()
			return &Guard{pool: p, h: hd}, nil
		}
	}
	canGrow := len(p.pooled) < p.cfg.MaxConnections
	p.mu.Unlock()

	conn, err := p.transport.Connect(ctx, connectTimeout)
	if err != nil {
		p.admission.Release(1)
		return nil, err
	}

	now := time.Now()
	hd := &handle{h: conn, createdAt: now, lastUsed: now, inUse: true, useCount: 1}

	p.mu.Lock()
	if canGrow && len(p.pooled) < p.cfg.MaxConnections {
		p.pooled = append(p.pooled, hd)
	} else {
		hd.temporary = true
	}
	p.inFlight++
	p.mu.Unlock()

	return &Guard{pool: p, h: hd}, nil
}

// Release returns g's handle to the pool (or closes it, if temporary) and
// notifies waiters on the admission gate.
func (p *Pool) Release(g *Guard) {
	p.mu.Lock()
	g.h.inUse = false
	g.h.lastUsed = time.Now()
	p.inFlight--
	temp := g.h.temporary
	if temp {
		p.removePooledLocked(g.h)
	}
	p.mu.Unlock()

	if temp {
		_ = g.h.h.Close()
	}
	p.admission.Release(1)
}

func (p *Pool) removePooledLocked(hd *handle) {
	for i, e := range p.pooled {
		if e == hd {
			p.pooled = append(p.pooled[:i], p.pooled[i+1:]...)
			return
		}
	}
}

// InFlight reports the current number of admitted in-flight requests.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// PooledCount reports the current number of installed (non-temporary)
// handles.
func (p *Pool) PooledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pooled)
}

// EvictStale closes and removes pooled handles idle for longer than
// MaxAge, per spec.md §4.3's "stale cleanup" invariant. It runs only when
// called; no goroutine in this repository calls it periodically.
func (p *Pool) EvictStale() {
	p.mu.Lock()
	var stale []*handle
	kept := p.pooled[:0:0]
	for _, hd := range p.pooled {
		if !hd.inUse && time.Since(hd.lastUsed) > p.cfg.MaxAge {
			stale = append(stale, hd)
			continue
		}
		kept = append(kept, hd)
	}
	p.pooled = kept
	p.mu.Unlock()

	for _, hd := range stale {
		_ = hd.h.Close()
	}
}
