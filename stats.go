package ipc

import (
	"sync/atomic"

	"github.com/pior/ipc/wire"
)

// LinkStats counts frame traffic on one or more connections.
// All fields are safe for concurrent access through the snapshot methods.
type LinkStats struct {
	FramesIn        uint64 // Complete frames parsed
	FramesOut       uint64 // Frames written
	Resyncs         uint64 // Partial markers dropped while re-synchronizing
	Oversized       uint64 // Frames dropped for an oversized declared length
	HandlerErrors   uint64 // Handler failures (frame left unanswered)
	TransportErrors uint64 // Classified socket errors, timeouts included
}

// ServerStats contains statistics about a server.
//
// For Prometheus integration, expose these as:
//   - Gauges: ActiveConns, MaxConns, ArenaTotal, ArenaIdle
//   - Counters: Accepted, Rejected, Disconnected and the LinkStats counters
type ServerStats struct {
	LinkStats

	Accepted     uint64 // Connections admitted
	Rejected     uint64 // Connections refused because the server was full
	Disconnected uint64 // Connections torn down and reclaimed

	ActiveConns int32 // Live connections
	MaxConns    int32 // Admission limit
	ArenaTotal  int32 // Connection slots allocated in the arena
	ArenaIdle   int32 // Allocated slots waiting for a connection
}

// ClientStats contains statistics about client calls.
type ClientStats struct {
	LinkStats

	Heartbeats   uint64 // Successful heartbeats
	OneWays      uint64 // One-way frames sent
	Requests     uint64 // Requests sent
	Responses    uint64 // Responses matched to their request
	StaleReplies uint64 // Replies discarded within the sequence tolerance
	Timeouts     uint64 // Calls that ran out of time
	Errors       uint64 // Failed calls, timeouts included
}

// linkStatsCollector is shared by every connection of a server or owned by a client.
type linkStatsCollector struct {
	stats LinkStats
}

func (c *linkStatsCollector) recordFrameOut() {
	atomic.AddUint64(&c.stats.FramesOut, 1)
}

func (c *linkStatsCollector) recordParser(delta wire.ParserStats) {
	if delta.Frames > 0 {
		atomic.AddUint64(&c.stats.FramesIn, delta.Frames)
	}
	if delta.Resyncs > 0 {
		atomic.AddUint64(&c.stats.Resyncs, delta.Resyncs)
	}
	if delta.Oversized > 0 {
		atomic.AddUint64(&c.stats.Oversized, delta.Oversized)
	}
}

func (c *linkStatsCollector) recordHandlerError() {
	atomic.AddUint64(&c.stats.HandlerErrors, 1)
}

func (c *linkStatsCollector) recordTransportError() {
	atomic.AddUint64(&c.stats.TransportErrors, 1)
}

func (c *linkStatsCollector) snapshot() LinkStats {
	return LinkStats{
		FramesIn:        atomic.LoadUint64(&c.stats.FramesIn),
		FramesOut:       atomic.LoadUint64(&c.stats.FramesOut),
		Resyncs:         atomic.LoadUint64(&c.stats.Resyncs),
		Oversized:       atomic.LoadUint64(&c.stats.Oversized),
		HandlerErrors:   atomic.LoadUint64(&c.stats.HandlerErrors),
		TransportErrors: atomic.LoadUint64(&c.stats.TransportErrors),
	}
}

// serverStatsCollector provides internal methods for updating server stats.
type serverStatsCollector struct {
	link linkStatsCollector

	accepted     atomic.Uint64
	rejected     atomic.Uint64
	disconnected atomic.Uint64
}

func (c *serverStatsCollector) recordAccept() {
	c.accepted.Add(1)
}

func (c *serverStatsCollector) recordReject() {
	c.rejected.Add(1)
}

func (c *serverStatsCollector) recordDisconnect() {
	c.disconnected.Add(1)
}

// clientStatsCollector provides internal methods for updating client stats.
type clientStatsCollector struct {
	link linkStatsCollector

	heartbeats   atomic.Uint64
	oneWays      atomic.Uint64
	requests     atomic.Uint64
	responses    atomic.Uint64
	staleReplies atomic.Uint64
	timeouts     atomic.Uint64
	errors       atomic.Uint64
}

func (c *clientStatsCollector) recordError(err error) {
	c.errors.Add(1)
	if isTimeout(err) {
		c.timeouts.Add(1)
	}
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		LinkStats:    c.link.snapshot(),
		Heartbeats:   c.heartbeats.Load(),
		OneWays:      c.oneWays.Load(),
		Requests:     c.requests.Load(),
		Responses:    c.responses.Load(),
		StaleReplies: c.staleReplies.Load(),
		Timeouts:     c.timeouts.Load(),
		Errors:       c.errors.Load(),
	}
}
