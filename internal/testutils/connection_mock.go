package testutils

import (
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ConnectionMock is a scripted net.Conn for driving connections in tests.
// Each Read returns the next chunk (or error) from the script, so a test
// controls exactly how the byte stream is split across reads. Once the
// script is exhausted Read returns io.EOF.
type ConnectionMock struct {
	mu        sync.Mutex
	script    []readResult
	writeBuf  bytes.Buffer
	closed    bool
	deadlines []time.Time
}

type readResult struct {
	data []byte
	err  error
}

// NewConnectionMock creates a mock whose reads return the given chunks in order.
func NewConnectionMock(chunks ...[]byte) *ConnectionMock {
	m := &ConnectionMock{}
	for _, c := range chunks {
		m.script = append(m.script, readResult{data: c})
	}
	return m
}

// AddChunk appends a chunk to the read script.
func (m *ConnectionMock) AddChunk(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, readResult{data: data})
}

// AddError appends a read error to the script.
func (m *ConnectionMock) AddError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, readResult{err: err})
}

// AddTimeout appends a deadline-exceeded read to the script.
func (m *ConnectionMock) AddTimeout() {
	m.AddError(os.ErrDeadlineExceeded)
}

func (m *ConnectionMock) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	if len(m.script) == 0 {
		return 0, io.EOF
	}

	next := &m.script[0]
	if next.err != nil {
		err := next.err
		m.script = m.script[1:]
		return 0, err
	}

	n := copy(b, next.data)
	next.data = next.data[n:]
	if len(next.data) == 0 {
		m.script = m.script[1:]
	}
	return n, nil
}

func (m *ConnectionMock) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.UnixAddr{Name: "mock.sock", Net: "unix"}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.UnixAddr{Name: "@peer", Net: "unix"}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error {
	return m.SetReadDeadline(t)
}

func (m *ConnectionMock) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines = append(m.deadlines, t)
	return nil
}

func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns the bytes written to the mock so far.
func (m *ConnectionMock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.writeBuf.Bytes())
}

// Deadlines returns every read deadline set on the mock.
func (m *ConnectionMock) Deadlines() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.deadlines...)
}
