package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/ipc/wire"
)

// Client owns a single connection to a server.
//
// Calls are serialized: a client has at most one request in flight. In
// synchronous mode every call performs its I/O on the calling goroutine;
// in asynchronous mode a background goroutine drives the connection and
// responses are delivered to ClientConfig.Handler.
type Client struct {
	addr    string
	cfg     ClientConfig
	conn    *Connection
	breaker CircuitBreaker
	logger  *slog.Logger
	stats   *clientStatsCollector

	tolerance uint8

	mu     sync.Mutex
	closed atomic.Bool

	// async mode only
	acks chan uint8
	done chan struct{}
}

// Dial connects to a server. An empty network means "unix".
func Dial(network, address string, cfg ClientConfig) (*Client, error) {
	return DialContext(context.Background(), network, address, cfg)
}

// DialContext connects to a server, giving up when ctx is done or after
// ClientConfig.DialTimeout.
func DialContext(ctx context.Context, network, address string, cfg ClientConfig) (*Client, error) {
	if network == "" {
		network = DefaultNetwork
	}
	cfg = cfg.withDefaults()

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(nc, address, cfg), nil
}

// NewClient wraps an established connection. addr names the server in logs
// and circuit breakers.
func NewClient(nc net.Conn, addr string, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()

	c := &Client{
		addr:      addr,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "ipc.client", "addr", addr),
		stats:     &clientStatsCollector{},
		tolerance: cfg.tolerance(),
	}

	c.conn = newConnection(connOptions{
		role:           RoleClient,
		async:          cfg.Async,
		recvBufferSize: cfg.RecvBufferSize,
		writeTimeout:   cfg.WriteTimeout,
		handler:        cfg.Handler,
		onError:        c.reportError,
		logger:         c.logger,
		stats:          &c.stats.link,
	})
	c.conn.attach(1, nc)

	if cfg.NewCircuitBreaker != nil {
		c.breaker = cfg.NewCircuitBreaker(addr)
	}

	if cfg.Async {
		c.acks = make(chan uint8, 16)
		c.done = make(chan struct{})
		c.conn.frameHook = c.onAsyncFrame
		go c.drive()
	}

	return c
}

// Addr returns the server address the client was created for.
func (c *Client) Addr() string {
	return c.addr
}

// Connection returns the client's connection.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// Close closes the connection and, in asynchronous mode, waits for the
// driver to stop. It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	if c.done != nil {
		<-c.done
	}
	c.conn.setStatus(StatusNotConnected)
	return err
}

// Heartbeat sends a heartbeat and waits up to timeout for the matching ack.
func (c *Client) Heartbeat(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClientClosed
	}

	seq := c.conn.nextSeq()
	if _, err := c.conn.send(seq, wire.CmdHeartbeat, nil); err != nil {
		return c.failed(err)
	}

	var err error
	if c.cfg.Async {
		err = c.awaitAck(seq, timeout)
	} else {
		err = c.readAck(seq, timeout)
	}
	if err != nil {
		return c.failed(err)
	}

	c.stats.heartbeats.Add(1)
	return nil
}

// SendOneWay sends a one-way frame. It never waits for a reply and returns
// the number of payload bytes sent.
func (c *Client) SendOneWay(payload []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return 0, ErrClientClosed
	}

	n, err := c.conn.send(c.conn.nextSeq(), wire.CmdOneWay, payload)
	if err != nil {
		return 0, c.failed(err)
	}
	c.stats.oneWays.Add(1)
	return n, nil
}

// Request sends a request and, in synchronous mode, waits up to timeout for
// the matching response and returns its payload. In asynchronous mode it
// returns (nil, nil) once the request is sent.
//
// Replies to earlier requests still in flight are discarded when their
// sequence number is within ClientConfig.SequenceTolerance; a reply further
// away fails the call with an error matching ErrOutOfSequence.
func (c *Client) Request(payload []byte, timeout time.Duration) ([]byte, error) {
	var reply []byte
	err := c.execute(func() error {
		return c.roundTrip(payload, timeout, func(b []byte) {
			reply = append([]byte(nil), b...)
		})
	})
	return reply, err
}

// RequestInto is Request copying the response into out. It returns the
// response length, or io.ErrShortBuffer when out is too small.
func (c *Client) RequestInto(payload, out []byte, timeout time.Duration) (int, error) {
	n := 0
	err := c.execute(func() error {
		return c.roundTrip(payload, timeout, func(b []byte) {
			n = len(b)
			copy(out, b)
		})
	})
	if err != nil {
		return 0, err
	}
	if n > len(out) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

func (c *Client) execute(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	_, err := c.breaker.Execute(func() (bool, error) {
		return true, fn()
	})
	return err
}

func (c *Client) roundTrip(payload []byte, timeout time.Duration, onReply func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClientClosed
	}

	seq := c.conn.nextSeq()
	if _, err := c.conn.send(seq, wire.CmdRequest, payload); err != nil {
		return c.failed(err)
	}
	c.stats.requests.Add(1)

	if c.cfg.Async {
		return nil
	}

	reply, err := c.await(seq, timeout)
	if err != nil {
		return c.failed(err)
	}
	c.stats.responses.Add(1)
	onReply(reply)
	return nil
}

// await drives the connection on the calling goroutine until the frame
// answering seq is received or the timeout budget is spent. The returned
// slice is valid until the next call.
func (c *Client) await(seq uint8, timeout time.Duration) ([]byte, error) {
	conn := c.conn
	conn.want = seq
	defer conn.resetSignal()

	start := time.Now()
	remaining := timeout

	for {
		if _, err := conn.step(remaining); err != nil {
			return nil, err
		}

		if conn.ready {
			got := conn.frame.seq
			if got == seq {
				return conn.frame.payload, nil
			}
			if !wire.SeqWithin(seq, got, c.tolerance) {
				return nil, &SequenceError{Sent: seq, Received: got}
			}
			c.stats.staleReplies.Add(1)
			c.logger.Debug("ipc: discarding stale reply", "sent", seq, "received", got, "command", conn.frame.cmd)
			conn.resetSignal()
		}

		if timeout >= 0 {
			remaining = timeout - time.Since(start)
			if remaining <= 0 {
				return nil, ErrTimeout
			}
		}
	}
}

// readAck reads frames straight from the socket until the heartbeat ack
// arrives or the timeout budget is spent. Late replies to earlier calls are
// dispatched (a late response is acknowledged) and otherwise skipped.
func (c *Client) readAck(seq uint8, timeout time.Duration) error {
	conn := c.conn
	start := time.Now()
	remaining := timeout

	for {
		pkt, err := wire.ReadPacket(conn.netConn, conn.recvBuf, remaining)
		drained := errors.Is(err, io.ErrShortBuffer)
		if err != nil && !drained {
			return c.readFailed(err)
		}

		conn.setStatus(StatusConnected)
		conn.touch()
		conn.stats.recordParser(wire.ParserStats{Frames: 1})

		switch {
		case drained && pkt.Command == wire.CmdResponse:
			// the payload is gone, only the ack is owed
			conn.reply(pkt.Seq, wire.CmdAck, nil)
		case !drained:
			conn.dispatch(pkt)
		}

		got := pkt.Seq
		if got == seq {
			if pkt.Command != wire.CmdAck {
				return fmt.Errorf("%w: got %s", ErrUnexpectedAck, pkt.Command)
			}
			return nil
		}
		if !wire.SeqWithin(seq, got, c.tolerance) {
			return &SequenceError{Sent: seq, Received: got}
		}
		c.stats.staleReplies.Add(1)
		c.logger.Debug("ipc: discarding stale reply", "sent", seq, "received", got, "command", pkt.Command)

		if timeout >= 0 {
			remaining = timeout - time.Since(start)
			if remaining <= 0 {
				return ErrTimeout
			}
		}
	}
}

func (c *Client) readFailed(err error) error {
	if errors.Is(err, wire.ErrShortRead) {
		c.conn.setStatus(StatusNotConnected)
		err = fmt.Errorf("%w: %w", ErrPeerClosed, err)
	} else if status, retry := classifyError(err); !retry {
		c.conn.setStatus(status)
	}
	c.conn.setLastError(err)
	return err
}

// awaitAck waits for the driver to deliver the heartbeat ack.
func (c *Client) awaitAck(seq uint8, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(max(timeout, wire.PollWindow))
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case got := <-c.acks:
			if got == seq {
				return nil
			}
			if !wire.SeqWithin(seq, got, c.tolerance) {
				return &SequenceError{Sent: seq, Received: got}
			}
			c.stats.staleReplies.Add(1)
		case <-c.done:
			if err := c.conn.LastError(); err != nil {
				return err
			}
			return ErrPeerClosed
		case <-expired:
			return ErrTimeout
		}
	}
}

func (c *Client) onAsyncFrame(pkt *wire.Packet) {
	if pkt.Command != wire.CmdAck {
		return
	}
	select {
	case c.acks <- pkt.Seq:
	default:
		c.logger.Debug("ipc: dropping ack, nobody waiting", "seq", pkt.Seq)
	}
}

// drive runs the receive loop of an asynchronous client.
func (c *Client) drive() {
	defer close(c.done)

	for {
		_, err := c.conn.step(Infinite)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrPeerClosed) {
			c.logger.Info("ipc: server closed the connection")
		}
		return
	}
}

// failed records a failed call and normalizes timeouts to ErrTimeout.
func (c *Client) failed(err error) error {
	c.stats.recordError(err)
	if isTimeout(err) {
		return ErrTimeout
	}
	return err
}

func (c *Client) reportError(conn *Connection, err error) {
	if c.closed.Load() {
		return
	}
	if !isTimeout(err) {
		c.logger.Warn("ipc: connection error", "status", conn.Status(), "error", err)
	}
	if c.cfg.OnError != nil {
		c.cfg.OnError(conn, err)
	}
}
