package ipc

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/ipc/internal/coarsetime"
	"github.com/pior/ipc/wire"
)

// Role tells which side of the socket a Connection belongs to.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Connection is one endpoint of one socket: the socket, its frame parser,
// its reusable buffers and its connectivity status.
//
// A Connection is driven by exactly one goroutine at a time: the dedicated
// driver for server and asynchronous client connections, the calling
// goroutine for synchronous clients. Only the status, last error, activity
// stamp, Close and the write path are safe to use from other goroutines.
type Connection struct {
	id    uint64
	role  Role
	async bool

	netConn net.Conn
	parser  *wire.Parser
	recvBuf []byte
	offset  int
	out     *bytes.Buffer

	handler      Handler
	skipEmpty    bool
	writeTimeout time.Duration
	onError      func(conn *Connection, err error)
	logger       *slog.Logger
	stats        *linkStatsCollector

	wmu  sync.Mutex
	wbuf []byte

	status     atomic.Int32
	lastErr    atomic.Pointer[error]
	lastActive atomic.Int64
	closed     atomic.Bool

	// client only, owned by the goroutine issuing calls
	seq       uint8
	want      uint8
	ready     bool
	frame     receivedFrame
	frameHook func(pkt *wire.Packet)
}

// receivedFrame is the copy of the last frame signalled to a synchronous client.
type receivedFrame struct {
	seq     uint8
	cmd     wire.Command
	payload []byte
}

type connOptions struct {
	role           Role
	async          bool
	recvBufferSize int
	writeTimeout   time.Duration
	handler        Handler
	skipEmpty      bool
	onError        func(conn *Connection, err error)
	logger         *slog.Logger
	stats          *linkStatsCollector
	out            *bytes.Buffer
}

func newConnection(opts connOptions) *Connection {
	if opts.recvBufferSize <= 0 {
		opts.recvBufferSize = wire.DefaultRecvBufferSize
	}
	if opts.out == nil {
		opts.out = new(bytes.Buffer)
	}
	if opts.stats == nil {
		opts.stats = &linkStatsCollector{}
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	return &Connection{
		role:         opts.role,
		async:        opts.async,
		parser:       wire.NewParser(wire.MaxPayloadFor(opts.recvBufferSize)),
		recvBuf:      make([]byte, opts.recvBufferSize),
		out:          opts.out,
		handler:      opts.handler,
		skipEmpty:    opts.skipEmpty,
		writeTimeout: opts.writeTimeout,
		onError:      opts.onError,
		logger:       opts.logger,
		stats:        opts.stats,
	}
}

// attach binds the connection to a freshly connected socket.
// Buffers are kept; the parse state, status and error are reset.
func (c *Connection) attach(id uint64, nc net.Conn) {
	c.id = id
	c.netConn = nc
	c.offset = 0
	c.parser.Reset()
	c.out.Reset()
	c.seq = 0
	c.ready = false
	c.lastErr.Store(nil)
	c.closed.Store(false)
	c.setStatus(StatusConnected)
	c.touch()
}

// ID returns the connection identifier, unique within its server.
func (c *Connection) ID() uint64 {
	return c.id
}

// Role returns which side of the socket the connection belongs to.
func (c *Connection) Role() Role {
	return c.role
}

// Async reports whether the connection is driven by a background goroutine.
func (c *Connection) Async() bool {
	return c.async
}

// Status returns the connectivity status.
func (c *Connection) Status() Status {
	return Status(c.status.Load())
}

func (c *Connection) setStatus(s Status) {
	c.status.Store(int32(s))
}

// LastError returns the last socket error recorded on the connection.
func (c *Connection) LastError() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Connection) setLastError(err error) {
	c.lastErr.Store(&err)
}

// LastActive returns the (coarse) time of the last successful read.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(coarsetime.UnixNano())
}

// IdleFor returns how long the connection has gone without receiving data.
func (c *Connection) IdleFor() time.Duration {
	return coarsetime.Since(c.LastActive())
}

// LocalAddr returns the local network address.
func (c *Connection) LocalAddr() net.Addr {
	return c.netConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Close closes the socket. A server connection closed this way is torn down
// and reclaimed by its driver. Closing twice is a no-op.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.netConn.Close()
}

// step performs one receive into the receive buffer and feeds the bytes
// through the parser, dispatching every completed frame.
//
// It returns the number of bytes read. A clean close by the peer returns
// ErrPeerClosed; transient errors return (0, nil).
func (c *Connection) step(timeout time.Duration) (int, error) {
	if c.offset >= len(c.recvBuf) {
		c.offset = 0
	}

	if err := c.netConn.SetReadDeadline(wire.Deadline(timeout)); err != nil {
		return 0, c.fail(err)
	}

	n, err := c.netConn.Read(c.recvBuf[c.offset:])
	if n > 0 {
		c.lastErr.Store(nil)
		c.setStatus(StatusConnected)
		c.touch()

		chunk := c.recvBuf[c.offset : c.offset+n]
		c.offset += n

		before := c.parser.Stats()
		c.parser.Feed(chunk, c.handleFrame)
		after := c.parser.Stats()
		c.stats.recordParser(wire.ParserStats{
			Frames:    after.Frames - before.Frames,
			Resyncs:   after.Resyncs - before.Resyncs,
			Oversized: after.Oversized - before.Oversized,
		})
		// a pending error is reported by the next read
		return n, nil
	}

	if err == nil {
		return 0, nil
	}
	if errors.Is(err, io.EOF) {
		c.setStatus(StatusNotConnected)
		c.setLastError(ErrPeerClosed)
		return 0, ErrPeerClosed
	}
	return 0, c.fail(err)
}

// fail classifies a socket error, records it and reports it to OnError.
// Transient errors are swallowed.
func (c *Connection) fail(err error) error {
	status, retry := classifyError(err)
	if retry {
		return nil
	}
	c.setStatus(status)
	c.setLastError(err)
	c.stats.recordTransportError()
	if c.onError != nil {
		c.onError(c, err)
	}
	return err
}

func (c *Connection) handleFrame(pkt *wire.Packet) {
	c.dispatch(pkt)
	c.signal(pkt)
}

// signal makes a completed frame available to the client call waiting on it.
// Within one read, a frame matching the awaited sequence is never replaced
// by a later one.
func (c *Connection) signal(pkt *wire.Packet) {
	if c.role != RoleClient {
		return
	}
	if c.frameHook != nil {
		c.frameHook(pkt)
		return
	}
	if c.ready && c.frame.seq == c.want {
		return
	}
	c.frame.seq = pkt.Seq
	c.frame.cmd = pkt.Command
	c.frame.payload = append(c.frame.payload[:0], pkt.Payload...)
	c.ready = true
}

func (c *Connection) resetSignal() {
	c.ready = false
}

// nextSeq advances the client sequence counter.
func (c *Connection) nextSeq() uint8 {
	c.seq = wire.NextSeq(c.seq)
	return c.seq
}

// send encodes and writes one frame. It returns the payload bytes written.
func (c *Connection) send(seq uint8, cmd wire.Command, payload []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	pkt := wire.Packet{Seq: seq, Command: cmd, Length: uint32(len(payload)), Payload: payload}
	buf, err := wire.AppendPacket(c.wbuf[:0], &pkt)
	if err != nil {
		return 0, err
	}
	c.wbuf = buf

	if err := c.netConn.SetWriteDeadline(wire.Deadline(c.writeTimeout)); err != nil {
		c.fail(err)
		return 0, err
	}
	if _, err := c.netConn.Write(buf); err != nil {
		c.fail(err)
		return 0, err
	}

	c.stats.recordFrameOut()
	return len(payload), nil
}
