package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pior/ipc/wire"
)

// Infinite disables a timeout.
const Infinite = wire.Infinite

// Defaults applied to zero config fields.
const (
	DefaultNetwork           = "unix"
	DefaultMaxConnections    = 16
	DefaultWriteTimeout      = 5 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultDriveInterval     = 10 * time.Millisecond
	DefaultAcceptBackoff     = 50 * time.Millisecond
	DefaultSequenceTolerance = 8
	DefaultRequestTimeout    = 5 * time.Second
	DefaultPoolSize          = 4
)

// StrictSequence disables the stale-reply tolerance of a client.
const StrictSequence = -1

// ServerConfig holds the configuration of a Server.
// Zero values are replaced by the defaults above.
type ServerConfig struct {
	// MaxConnections bounds the number of concurrently admitted clients.
	MaxConnections int `toml:"max_connections"`

	// RecvBufferSize is the size of the fixed per-connection receive buffer.
	// Frames declaring a payload above 16 times this size are dropped.
	RecvBufferSize int `toml:"recv_buffer_size"`

	// ReadTimeout bounds each blocking receive of a connection driver.
	// Zero means Infinite, unless IdleTimeout is set.
	ReadTimeout time.Duration `toml:"read_timeout"`

	// WriteTimeout bounds each reply write.
	WriteTimeout time.Duration `toml:"write_timeout"`

	// IdleTimeout disconnects clients silent for longer than this.
	// Zero disables idle reaping.
	IdleTimeout time.Duration `toml:"idle_timeout"`

	// DriveInterval is the minimum pause between two receive attempts that
	// returned no data.
	DriveInterval time.Duration `toml:"drive_interval"`

	// AcceptBackoff is the pause after a failed Accept.
	AcceptBackoff time.Duration `toml:"accept_backoff"`

	// SkipEmptyResponses leaves a request unanswered when the handler wrote
	// nothing. By default every request gets a response, possibly empty.
	SkipEmptyResponses bool `toml:"skip_empty_responses"`

	OnConnected    func(conn *Connection)            `toml:"-"`
	OnDisconnected func(conn *Connection)            `toml:"-"`
	OnError        func(conn *Connection, err error) `toml:"-"`

	// Logger receives server events. If nil, slog.Default() is used.
	Logger *slog.Logger `toml:"-"`
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = wire.DefaultRecvBufferSize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Infinite
		if c.IdleTimeout > 0 {
			c.ReadTimeout = c.IdleTimeout
		}
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DriveInterval <= 0 {
		c.DriveInterval = DefaultDriveInterval
	}
	if c.AcceptBackoff <= 0 {
		c.AcceptBackoff = DefaultAcceptBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ClientConfig holds the configuration of a Client.
type ClientConfig struct {
	// DialTimeout bounds the connect.
	DialTimeout time.Duration `toml:"dial_timeout"`

	// RecvBufferSize is the size of the fixed receive buffer.
	RecvBufferSize int `toml:"recv_buffer_size"`

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `toml:"write_timeout"`

	// Async makes Request return as soon as the frame is sent. Responses are
	// delivered to Handler by a background driver goroutine.
	Async bool `toml:"async"`

	// SequenceTolerance is the largest sequence distance of a reply that is
	// discarded as stale instead of failing the call with ErrOutOfSequence.
	// Zero means DefaultSequenceTolerance, StrictSequence (or any negative
	// value) fails on every mismatch. Values above 128 behave as 128.
	SequenceTolerance int `toml:"sequence_tolerance"`

	// Handler receives responses (and any one-way or request frame pushed
	// by the server). Optional in synchronous mode.
	Handler Handler `toml:"-"`

	// NewCircuitBreaker creates a circuit breaker guarding Request.
	// Called once with the server address. If nil, no circuit breaker is used.
	NewCircuitBreaker func(addr string) CircuitBreaker `toml:"-"`

	OnError func(conn *Connection, err error) `toml:"-"`

	// Logger receives client events. If nil, slog.Default() is used.
	Logger *slog.Logger `toml:"-"`
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = wire.DefaultRecvBufferSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SequenceTolerance == 0 {
		c.SequenceTolerance = DefaultSequenceTolerance
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// tolerance returns the stale-reply tolerance as a sequence distance.
func (c ClientConfig) tolerance() uint8 {
	switch {
	case c.SequenceTolerance < 0:
		return 0
	case c.SequenceTolerance == 0:
		return DefaultSequenceTolerance
	case c.SequenceTolerance > 128:
		return 128
	default:
		return uint8(c.SequenceTolerance)
	}
}

// GroupConfig holds the configuration of a Group.
type GroupConfig struct {
	// Network is the network of every server address, "unix" by default.
	Network string `toml:"network"`

	// MaxSize is the maximum number of clients kept per server.
	MaxSize int32 `toml:"max_size"`

	// RequestTimeout applies to calls whose context has no deadline.
	RequestTimeout time.Duration `toml:"request_timeout"`

	// Client configures every client of the group. Async is ignored.
	Client ClientConfig `toml:"client"`

	// SelectServer picks the server for a routing key.
	// If nil, DefaultServerSelector is used.
	SelectServer ServerSelector `toml:"-"`

	// NewCircuitBreaker creates a circuit breaker per server address.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(addr string) CircuitBreaker `toml:"-"`

	// for testing purposes only
	dial func(ctx context.Context, network, addr string, cfg ClientConfig) (*Client, error)
}

func (c GroupConfig) withDefaults() GroupConfig {
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultPoolSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SelectServer == nil {
		c.SelectServer = DefaultServerSelector
	}
	if c.dial == nil {
		c.dial = DialContext
	}
	c.Client.Async = false
	c.Client.NewCircuitBreaker = nil
	c.Client = c.Client.withDefaults()
	return c
}

// FileConfig is the layout of a TOML configuration file:
//
//	network = "unix"
//	address = "/run/app/ipc.sock"
//
//	[server]
//	max_connections = 8
//	idle_timeout = "2m"
//
//	[client]
//	dial_timeout = "1s"
//	sequence_tolerance = 4
type FileConfig struct {
	Network string          `toml:"network"`
	Address string          `toml:"address"`
	Server  ServerConfig    `toml:"server"`
	Client  ClientConfig    `toml:"client"`
	Group   GroupFileConfig `toml:"group"`
}

// GroupFileConfig is the [group] table of a configuration file.
type GroupFileConfig struct {
	Servers []string `toml:"servers"`
	GroupConfig
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("ipc: config load failed (%s): %w", path, err)
	}
	return cfg.normalize()
}

// ParseConfig parses a TOML configuration document.
func ParseConfig(data string) (FileConfig, error) {
	var cfg FileConfig
	if _, err := toml.Decode(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("ipc: config parse failed: %w", err)
	}
	return cfg.normalize()
}

func (cfg FileConfig) normalize() (FileConfig, error) {
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.Group.Network == "" {
		cfg.Group.Network = cfg.Network
	}
	if cfg.Server.MaxConnections < 0 {
		return FileConfig{}, fmt.Errorf("ipc: invalid server.max_connections: %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.RecvBufferSize < 0 || cfg.Client.RecvBufferSize < 0 {
		return FileConfig{}, fmt.Errorf("ipc: invalid recv_buffer_size")
	}
	return cfg, nil
}
