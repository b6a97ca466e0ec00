package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/NadavLor/windbg-mcp-bridge/internal/bridgeerr"
)

// InMemory is a Transport backed by net.Pipe, for tests exercising the
// pool/executor/retry layers without a real socket. Each Connect call
// hands back one end of a fresh pipe; the other end goes to the onDial
// callback, run in its own goroutine (typically a test's stub debugger
// extension).
type InMemory struct {
	mu      sync.Mutex
	dialer  func() (net.Conn, net.Conn)
	closed  bool
	onDial  func(server net.Conn)
	bufSize int
}

// NewInMemory builds an InMemory transport. onDial, if non-nil, is invoked
// with the server side of each new pipe so a test can drive a stub
// extension loop (e.g. echoing back canned responses).
func NewInMemory(onDial func(server net.Conn)) *InMemory {
	return &InMemory{onDial: onDial, bufSize: 8 * 1024}
}

func (m *InMemory) Connect(ctx context.Context, timeout time.Duration) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &bridgeerr.TransportError{Kind: bridgeerr.TransportNotFound}
	}
	m.mu.Unlock()

	client, server := net.Pipe()
	if m.onDial != nil {
		go m.onDial(server)
	}
	return &Handle{conn: client, r: bufio.NewReaderSize(client, m.bufSize)}, nil
}

func (m *InMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
