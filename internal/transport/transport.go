// Package transport implements the duplex byte stream to the debugger
// extension, per spec.md §4.1.
//
// The spec describes a Windows named pipe; Design Notes §9 explicitly
// calls for encapsulating that behind an interface so non-Windows targets
// substitute something else for tests — here, a Unix domain socket, the
// direct cross-platform analogue. Framing (newline-terminated messages,
// partial-read coalescing, best-effort partial-message-on-break) is
// handled above the raw connection, grounded on the teacher's
// internal/bridge/stdio.go buffered-reader accumulation loop and on
// original_source/mcp_server/core/communication.py's
// NamedPipeProtocol.read_from_pipe accumulate-until-newline semantics.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
)

// Handle is a single duplex connection to the debugger extension. One
// Handle must not be used concurrently by more than one caller; the
// Connection Pool (internal/pool) enforces that.
type Handle struct {
	conn net.Conn
	mu   sync.Mutex
	r    *bufio.Reader
}

// Transport opens Handles to a well-known local endpoint. The production
// implementation (Unix) dials a Unix domain socket; tests use
// NewInMemory, which is backed by net.Pipe.
type Transport interface {
	Connect(ctx context.Context, timeout time.Duration) (*Handle, error)
	Close() error
}

// Config configures a Unix-domain-socket Transport.
type Config struct {
	EndpointName string
	BufferSize   int // matches spec.md §6's default 8 KiB
}

// unixTransport dials a Unix domain socket endpoint, waiting out
// "busy"/"not yet listening" conditions up to the caller's deadline, per
// spec.md §4.1's Busy/NotFound semantics.
type unixTransport struct {
	cfg Config
}

// New returns the production Transport backed by a Unix domain socket.
func New(cfg Config) Transport {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 8 * 1024
	}
	return &unixTransport{cfg: cfg}
}

func (t *unixTransport) Connect(ctx context.Context, timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)

	if _, err := os.Stat(t.cfg.EndpointName); err != nil {
		if os.IsNotExist(err) {
			return nil, &bridgeerr.TransportError{Kind: bridgeerr.TransportNotFound,
				Err: fmt.Errorf("debugger extension not found at %s", t.cfg.EndpointName)}
		}
	}

	var lastErr error
	for {
		dctx, cancel := context.WithDeadline(ctx, deadline)
		d := net.Dialer{}
		conn, err := d.DialContext(dctx, "unix", t.cfg.EndpointName)
		cancel()
		if err == nil {
			return &Handle{conn: conn, r: bufio.NewReaderSize(conn, t.cfg.BufferSize)}, nil
		}
		lastErr = err

		if isRefused(err) && time.Now().Before(deadline) {
			// Treat any dial-level failure on an existing endpoint
			// (connection refused, listener not yet accepting) as "busy"
			// and poll until the deadline, per spec.md §4.1.
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil, &bridgeerr.TransportError{Kind: bridgeerr.TransportBusy, Err: ctx.Err()}
			}
		}
		break
	}
	return nil, &bridgeerr.TransportError{Kind: bridgeerr.TransportBusy, Err: lastErr}
}

func (t *unixTransport) Close() error { return nil }

func isRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Write sends bytes, honoring timeout. A write timeout is treated as a
// connection failure per spec.md §4.1 ("timeout on write is treated as
// connection failure").
func (h *Handle) Write(data []byte, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken, Err: err}
	}
	if _, err := h.conn.Write(data); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken, Err: fmt.Errorf("write timeout: %w", err)}
		}
		return &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken, Err: err}
	}
	return nil
}

// ReadMessage reads one newline-terminated message, coalescing partial
// reads. If the stream breaks after some bytes were accumulated, those
// bytes are returned best-effort (spec.md §4.1); a break with nothing
// accumulated yields a TransportError{Kind: TransportBroken}. A pure
// timeout with no data read yields a TimeoutError, distinguished from
// Broken as spec.md §4.1 requires.
func (h *Handle) ReadMessage(timeout time.Duration) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken, Err: err}
	}

	line, err := h.r.ReadBytes('\n')
	if err == nil {
		return line, nil
	}

	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if len(line) > 0 {
			return line, nil
		}
		return nil, &bridgeerr.TimeoutError{TimeoutMs: int(timeout.Milliseconds())}
	}
	if errors.Is(err, io.EOF) {
		if len(line) > 0 {
			return line, nil
		}
		return nil, &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken, Err: io.EOF}
	}
	return nil, &bridgeerr.TransportError{Kind: bridgeerr.TransportBroken, Err: err}
}

// Close closes the underlying connection.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.Close()
}
