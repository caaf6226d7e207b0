package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/pior/ipc/internal"
)

// Server accepts up to MaxConnections clients and drives each of them on a
// dedicated goroutine.
//
// Connection slots are allocated from a fixed-size arena and reused across
// clients: a Connection handed to a callback must not be retained after
// OnDisconnected returns.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	handler  Handler
	logger   *slog.Logger
	bufPool  *internal.BufferPool
	arena    *puddle.Pool[*Connection]
	stats    *serverStatsCollector

	// mu guards conns, nextID and admission
	mu     sync.Mutex
	conns  map[uint64]*puddle.Resource[*Connection]
	nextID uint64
	closed atomic.Bool

	wg sync.WaitGroup
}

// Listen creates a listener on the given network and address and starts a
// server on it. For unix sockets a stale socket file left by a dead process
// is removed first.
func Listen(network, address string, handler Handler, cfg ServerConfig) (*Server, error) {
	if network == "" {
		network = DefaultNetwork
	}
	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
	}

	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}

	s, err := NewServer(l, handler, cfg)
	if err != nil {
		l.Close()
		return nil, err
	}
	return s, nil
}

// NewServer starts a server accepting connections from l.
// The handler may be nil, in which case requests get empty responses.
func NewServer(l net.Listener, handler Handler, cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:      cfg,
		listener: l,
		handler:  handler,
		logger:   cfg.Logger.With("component", "ipc.server", "addr", addrString(l.Addr())),
		bufPool:  internal.NewBufferPool(cfg.RecvBufferSize),
		stats:    &serverStatsCollector{},
		conns:    make(map[uint64]*puddle.Resource[*Connection], cfg.MaxConnections),
	}

	arena, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: func(ctx context.Context) (*Connection, error) {
			return newConnection(connOptions{
				role:           RoleServer,
				async:          true,
				recvBufferSize: cfg.RecvBufferSize,
				writeTimeout:   cfg.WriteTimeout,
				handler:        handler,
				skipEmpty:      cfg.SkipEmptyResponses,
				onError:        s.reportError,
				logger:         s.logger,
				stats:          &s.stats.link,
				out:            s.bufPool.Get(),
			}), nil
		},
		Destructor: func(conn *Connection) {
			s.bufPool.Put(conn.out)
		},
		MaxSize: int32(cfg.MaxConnections),
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: connection arena: %w", err)
	}
	s.arena = arena

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("ipc: server listening", "max_connections", cfg.MaxConnections)
	return s, nil
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// NumConns returns the number of live connections.
func (s *Server) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// acceptLoop runs on its own goroutine and blocks in Accept until the
// listener is closed.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ipc: accept failed", "error", err)
			time.Sleep(s.cfg.AcceptBackoff)
			continue
		}
		s.admit(nc)
	}
}

// admit binds an accepted socket to an arena slot, or closes it when the
// server is full.
func (s *Server) admit(nc net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		nc.Close()
		return
	}

	if len(s.conns) >= s.cfg.MaxConnections {
		s.stats.recordReject()
		s.logger.Warn("ipc: connection rejected, server full",
			"remote", addrString(nc.RemoteAddr()), "max_connections", s.cfg.MaxConnections)
		nc.Close()
		return
	}

	// never waits: every acquired slot is held by an entry of conns
	res, err := s.arena.Acquire(context.Background())
	if err != nil {
		s.stats.recordReject()
		s.logger.Warn("ipc: connection rejected, no slot", "error", err)
		nc.Close()
		return
	}

	s.nextID++
	conn := res.Value()
	conn.attach(s.nextID, nc)
	s.conns[conn.id] = res
	s.stats.recordAccept()

	s.wg.Add(1)
	go s.drive(res)
}

// drive repeatedly receives and parses on one connection until the peer
// leaves, the connection faults or the server closes.
func (s *Server) drive(res *puddle.Resource[*Connection]) {
	defer s.wg.Done()

	conn := res.Value()
	s.logger.Info("ipc: client connected", "conn", conn.id, "remote", addrString(conn.RemoteAddr()))
	if s.cfg.OnConnected != nil {
		s.cfg.OnConnected(conn)
	}

	for !s.closed.Load() {
		n, err := conn.step(s.cfg.ReadTimeout)
		if err == nil {
			if n == 0 {
				time.Sleep(s.cfg.DriveInterval)
			}
			continue
		}
		if conn.Status() != StatusTimedOut {
			break
		}
		if s.cfg.IdleTimeout > 0 && conn.IdleFor() >= s.cfg.IdleTimeout {
			s.logger.Info("ipc: closing idle client", "conn", conn.id, "idle", conn.IdleFor())
			break
		}
	}

	s.teardown(res)
}

// teardown closes the socket, reports the disconnection and returns the
// slot to the arena.
func (s *Server) teardown(res *puddle.Resource[*Connection]) {
	conn := res.Value()
	conn.Close()
	if conn.Status() == StatusConnected || conn.Status() == StatusTimedOut {
		conn.setStatus(StatusNotConnected)
	}

	s.logger.Info("ipc: client disconnected", "conn", conn.id, "status", conn.Status(), "error", conn.LastError())
	if s.cfg.OnDisconnected != nil {
		s.cfg.OnDisconnected(conn)
	}

	s.mu.Lock()
	delete(s.conns, conn.id)
	s.stats.recordDisconnect()
	res.Release()
	s.mu.Unlock()
}

func (s *Server) reportError(conn *Connection, err error) {
	// errors caused by a local close are part of the teardown
	if s.closed.Load() || conn.closed.Load() {
		return
	}
	if isTimeout(err) {
		s.logger.Debug("ipc: receive timed out", "conn", conn.id)
	} else {
		s.logger.Warn("ipc: connection error", "conn", conn.id, "status", conn.Status(), "error", err)
	}
	if s.cfg.OnError != nil {
		s.cfg.OnError(conn, err)
	}
}

// Close stops accepting, disconnects every client, waits for their drivers
// and releases the connection arena. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	err := s.listener.Close()
	for _, res := range s.conns {
		res.Value().Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.arena.Close()

	s.logger.Info("ipc: server closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Stats returns a snapshot of server statistics.
func (s *Server) Stats() ServerStats {
	arena := s.arena.Stat()

	return ServerStats{
		LinkStats:    s.stats.link.snapshot(),
		Accepted:     s.stats.accepted.Load(),
		Rejected:     s.stats.rejected.Load(),
		Disconnected: s.stats.disconnected.Load(),
		ActiveConns:  int32(s.NumConns()),
		MaxConns:     int32(s.cfg.MaxConnections),
		ArenaTotal:   arena.TotalResources(),
		ArenaIdle:    arena.IdleResources(),
	}
}

// removeStaleSocket removes a unix socket file nobody listens on.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("ipc: %s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		c.Close()
		return fmt.Errorf("ipc: %s is in use", path)
	}
	return os.Remove(path)
}
