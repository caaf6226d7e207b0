package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Group routes calls across several servers. Each routing key is mapped to
// one server by GroupConfig.SelectServer; every server gets its own pool of
// synchronous clients, created on first use.
type Group struct {
	servers Servers
	cfg     GroupConfig

	mu     sync.RWMutex
	pools  map[string]*ServerPool
	closed bool
}

// NewGroup creates a group over the given servers.
func NewGroup(servers Servers, cfg GroupConfig) (*Group, error) {
	if len(servers.List()) == 0 {
		return nil, ErrNoServers
	}

	return &Group{
		servers: servers,
		cfg:     cfg.withDefaults(),
		pools:   make(map[string]*ServerPool),
	}, nil
}

// Request sends payload to the server selected by key and returns the
// response. The timeout is taken from the ctx deadline, if any.
func (g *Group) Request(ctx context.Context, key string, payload []byte) ([]byte, error) {
	timeout, err := g.timeout(ctx)
	if err != nil {
		return nil, err
	}
	sp, err := g.poolForKey(key)
	if err != nil {
		return nil, err
	}
	return sp.Request(ctx, payload, timeout)
}

// SendOneWay sends payload to the server selected by key.
func (g *Group) SendOneWay(ctx context.Context, key string, payload []byte) (int, error) {
	if _, err := g.timeout(ctx); err != nil {
		return 0, err
	}
	sp, err := g.poolForKey(key)
	if err != nil {
		return 0, err
	}
	return sp.SendOneWay(ctx, payload)
}

// Ping sends a heartbeat to every server and returns the joined errors.
func (g *Group) Ping(ctx context.Context) error {
	var errs []error
	for _, addr := range g.servers.List() {
		timeout, err := g.timeout(ctx)
		var sp *ServerPool
		if err == nil {
			sp, err = g.pool(addr)
		}
		if err == nil {
			err = sp.Heartbeat(ctx, timeout)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// AllPoolStats returns the stats of every server pool created so far.
func (g *Group) AllPoolStats() []ServerPoolStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make([]ServerPoolStats, 0, len(g.pools))
	for _, sp := range g.pools {
		stats = append(stats, sp.Stats())
	}
	return stats
}

// Close closes every server pool. Calls made after Close fail with ErrClientClosed.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	for addr, sp := range g.pools {
		sp.Close()
		delete(g.pools, addr)
	}
}

// timeout returns the budget left by the ctx deadline, or RequestTimeout.
// A done ctx fails before any I/O is issued.
func (g *Group) timeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
		}
		return remaining, nil
	}
	return g.cfg.RequestTimeout, nil
}

func (g *Group) poolForKey(key string) (*ServerPool, error) {
	servers := g.servers.List()
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	return g.pool(servers[g.cfg.SelectServer(key, len(servers))])
}

// pool gets or creates the pool of a server.
func (g *Group) pool(addr string) (*ServerPool, error) {
	g.mu.RLock()
	sp, ok := g.pools[addr]
	closed := g.closed
	g.mu.RUnlock()
	if ok {
		return sp, nil
	}
	if closed {
		return nil, ErrClientClosed
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClientClosed
	}
	if sp, ok := g.pools[addr]; ok {
		return sp, nil
	}

	sp, err := NewServerPool(addr, g.cfg)
	if err != nil {
		return nil, err
	}
	g.pools[addr] = sp
	return sp, nil
}
