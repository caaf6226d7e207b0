package ipc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"
)

// ServerPool keeps synchronous clients to one server, guarded by an
// optional circuit breaker.
type ServerPool struct {
	addr           string
	cfg            GroupConfig
	pool           *puddle.Pool[*Client]
	circuitBreaker CircuitBreaker

	created   atomic.Uint64
	destroyed atomic.Uint64
}

// PoolStats contains statistics about the clients of a ServerPool.
type PoolStats struct {
	TotalClients     int32
	IdleClients      int32
	ActiveClients    int32
	AcquireCount     int64
	AcquireWaitTime  time.Duration
	CreatedClients   uint64
	DestroyedClients uint64
}

// ServerPoolStats contains stats for a single server pool.
type ServerPoolStats struct {
	Addr                 string
	Pool                 PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// NewServerPool creates the client pool of one server.
func NewServerPool(addr string, cfg GroupConfig) (*ServerPool, error) {
	cfg = cfg.withDefaults()

	sp := &ServerPool{addr: addr, cfg: cfg}

	pool, err := puddle.NewPool(&puddle.Config[*Client]{
		Constructor: func(ctx context.Context) (*Client, error) {
			client, err := cfg.dial(ctx, cfg.Network, addr, cfg.Client)
			if err != nil {
				return nil, err
			}
			sp.created.Add(1)
			return client, nil
		},
		Destructor: func(client *Client) {
			client.Close()
			sp.destroyed.Add(1)
		},
		MaxSize: cfg.MaxSize,
	})
	if err != nil {
		return nil, err
	}
	sp.pool = pool

	if cfg.NewCircuitBreaker != nil {
		sp.circuitBreaker = cfg.NewCircuitBreaker(addr)
	}
	return sp, nil
}

func (sp *ServerPool) Address() string {
	return sp.addr
}

// Request sends a request on a pooled client and returns the response.
func (sp *ServerPool) Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	var reply []byte
	err := sp.execute(ctx, func(client *Client) error {
		var err error
		reply, err = client.Request(payload, timeout)
		return err
	})
	return reply, err
}

// SendOneWay sends a one-way frame on a pooled client.
func (sp *ServerPool) SendOneWay(ctx context.Context, payload []byte) (int, error) {
	var n int
	err := sp.execute(ctx, func(client *Client) error {
		var err error
		n, err = client.SendOneWay(payload)
		return err
	})
	return n, err
}

// Heartbeat checks the server with a pooled client.
func (sp *ServerPool) Heartbeat(ctx context.Context, timeout time.Duration) error {
	return sp.execute(ctx, func(client *Client) error {
		return client.Heartbeat(timeout)
	})
}

// execute runs fn on a pooled client, wrapped with the server's circuit breaker.
func (sp *ServerPool) execute(ctx context.Context, fn func(*Client) error) error {
	if sp.circuitBreaker == nil {
		return sp.executeDirect(ctx, fn)
	}

	_, err := sp.circuitBreaker.Execute(func() (bool, error) {
		return true, sp.executeDirect(ctx, fn)
	})
	return err
}

// executeDirect acquires a client, runs fn and returns the client to the
// pool. A client whose call failed is destroyed: its connection may hold
// a late reply or be broken.
func (sp *ServerPool) executeDirect(ctx context.Context, fn func(*Client) error) error {
	resource, err := sp.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	if err := fn(resource.Value()); err != nil {
		resource.Destroy()
		return err
	}

	resource.Release()
	return nil
}

func (sp *ServerPool) Stats() ServerPoolStats {
	stat := sp.pool.Stat()
	stats := ServerPoolStats{
		Addr: sp.addr,
		Pool: PoolStats{
			TotalClients:     stat.TotalResources(),
			IdleClients:      stat.IdleResources(),
			ActiveClients:    stat.AcquiredResources(),
			AcquireCount:     stat.AcquireCount(),
			AcquireWaitTime:  stat.AcquireDuration(),
			CreatedClients:   sp.created.Load(),
			DestroyedClients: sp.destroyed.Load(),
		},
	}
	if sp.circuitBreaker != nil {
		stats.CircuitBreakerState = sp.circuitBreaker.State()
		stats.CircuitBreakerCounts = sp.circuitBreaker.Counts()
	}
	return stats
}

// Close destroys every pooled client.
func (sp *ServerPool) Close() {
	sp.pool.Close()
}
