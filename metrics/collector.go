// Package metrics exposes ipc server, client and group statistics as
// Prometheus metrics.
package metrics

import (
	"github.com/pior/ipc"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ipc"

// ServerSource is implemented by *ipc.Server.
type ServerSource interface {
	Stats() ipc.ServerStats
}

// ClientSource is implemented by *ipc.Client.
type ClientSource interface {
	Stats() ipc.ClientStats
}

// GroupSource is implemented by *ipc.Group.
type GroupSource interface {
	AllPoolStats() []ipc.ServerPoolStats
}

// linkDescs describes the frame counters shared by servers and clients.
type linkDescs struct {
	framesIn        *prometheus.Desc
	framesOut       *prometheus.Desc
	resyncs         *prometheus.Desc
	oversized       *prometheus.Desc
	handlerErrors   *prometheus.Desc
	transportErrors *prometheus.Desc
}

func newLinkDescs(subsystem string, labels prometheus.Labels) linkDescs {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, labels)
	}
	return linkDescs{
		framesIn:        desc("frames_received_total", "Complete frames parsed"),
		framesOut:       desc("frames_sent_total", "Frames written"),
		resyncs:         desc("resyncs_total", "Partial markers dropped while re-synchronizing"),
		oversized:       desc("oversized_frames_total", "Frames dropped for an oversized declared length"),
		handlerErrors:   desc("handler_errors_total", "Handler failures"),
		transportErrors: desc("transport_errors_total", "Classified socket errors"),
	}
}

func (d linkDescs) describe(ch chan<- *prometheus.Desc) {
	ch <- d.framesIn
	ch <- d.framesOut
	ch <- d.resyncs
	ch <- d.oversized
	ch <- d.handlerErrors
	ch <- d.transportErrors
}

func (d linkDescs) collect(ch chan<- prometheus.Metric, s ipc.LinkStats) {
	ch <- counter(d.framesIn, s.FramesIn)
	ch <- counter(d.framesOut, s.FramesOut)
	ch <- counter(d.resyncs, s.Resyncs)
	ch <- counter(d.oversized, s.Oversized)
	ch <- counter(d.handlerErrors, s.HandlerErrors)
	ch <- counter(d.transportErrors, s.TransportErrors)
}

func counter(desc *prometheus.Desc, v uint64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
}

func gauge(desc *prometheus.Desc, v float64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
}

// ServerCollector reads server statistics at scrape time.
type ServerCollector struct {
	source ServerSource
	link   linkDescs

	accepted     *prometheus.Desc
	rejected     *prometheus.Desc
	disconnected *prometheus.Desc
	connections  *prometheus.Desc
	arena        *prometheus.Desc
}

// NewServerCollector creates a collector for a server. constLabels (for
// example the listen address) are attached to every metric.
func NewServerCollector(source ServerSource, constLabels prometheus.Labels) *ServerCollector {
	const subsystem = "server"
	name := func(n string) string { return prometheus.BuildFQName(namespace, subsystem, n) }

	return &ServerCollector{
		source:       source,
		link:         newLinkDescs(subsystem, constLabels),
		accepted:     prometheus.NewDesc(name("connections_accepted_total"), "Connections admitted", nil, constLabels),
		rejected:     prometheus.NewDesc(name("connections_rejected_total"), "Connections refused because the server was full", nil, constLabels),
		disconnected: prometheus.NewDesc(name("connections_closed_total"), "Connections torn down and reclaimed", nil, constLabels),
		connections:  prometheus.NewDesc(name("connections"), "Connections by state", []string{"state"}, constLabels),
		arena:        prometheus.NewDesc(name("arena_slots"), "Connection slots allocated in the arena", []string{"state"}, constLabels),
	}
}

func (c *ServerCollector) Describe(ch chan<- *prometheus.Desc) {
	c.link.describe(ch)
	ch <- c.accepted
	ch <- c.rejected
	ch <- c.disconnected
	ch <- c.connections
	ch <- c.arena
}

func (c *ServerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	c.link.collect(ch, s.LinkStats)
	ch <- counter(c.accepted, s.Accepted)
	ch <- counter(c.rejected, s.Rejected)
	ch <- counter(c.disconnected, s.Disconnected)
	ch <- gauge(c.connections, float64(s.ActiveConns), "active")
	ch <- gauge(c.connections, float64(s.MaxConns), "max")
	ch <- gauge(c.arena, float64(s.ArenaTotal), "total")
	ch <- gauge(c.arena, float64(s.ArenaIdle), "idle")
}

// ClientCollector reads client statistics at scrape time.
type ClientCollector struct {
	source ClientSource
	link   linkDescs

	calls        *prometheus.Desc
	staleReplies *prometheus.Desc
	failures     *prometheus.Desc
}

// NewClientCollector creates a collector for a client.
func NewClientCollector(source ClientSource, constLabels prometheus.Labels) *ClientCollector {
	const subsystem = "client"
	name := func(n string) string { return prometheus.BuildFQName(namespace, subsystem, n) }

	return &ClientCollector{
		source:       source,
		link:         newLinkDescs(subsystem, constLabels),
		calls:        prometheus.NewDesc(name("calls_total"), "Calls by kind", []string{"kind"}, constLabels),
		staleReplies: prometheus.NewDesc(name("stale_replies_total"), "Replies discarded within the sequence tolerance", nil, constLabels),
		failures:     prometheus.NewDesc(name("failures_total"), "Failed calls by reason", []string{"reason"}, constLabels),
	}
}

func (c *ClientCollector) Describe(ch chan<- *prometheus.Desc) {
	c.link.describe(ch)
	ch <- c.calls
	ch <- c.staleReplies
	ch <- c.failures
}

func (c *ClientCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	c.link.collect(ch, s.LinkStats)
	ch <- counter(c.calls, s.Heartbeats, "heartbeat")
	ch <- counter(c.calls, s.OneWays, "oneway")
	ch <- counter(c.calls, s.Requests, "request")
	ch <- counter(c.calls, s.Responses, "response")
	ch <- counter(c.staleReplies, s.StaleReplies)
	ch <- counter(c.failures, s.Timeouts, "timeout")
	ch <- counter(c.failures, s.Errors-s.Timeouts, "other")
}

// GroupCollector reads the per-server pool and circuit breaker statistics
// of a group at scrape time.
type GroupCollector struct {
	source GroupSource

	clients      *prometheus.Desc
	created      *prometheus.Desc
	destroyed    *prometheus.Desc
	acquires     *prometheus.Desc
	circuitState *prometheus.Desc
	circuitCalls *prometheus.Desc
}

// NewGroupCollector creates a collector for a group.
func NewGroupCollector(source GroupSource, constLabels prometheus.Labels) *GroupCollector {
	const subsystem = "group"
	name := func(n string) string { return prometheus.BuildFQName(namespace, subsystem, n) }
	server := []string{"server"}

	return &GroupCollector{
		source:       source,
		clients:      prometheus.NewDesc(name("pool_clients"), "Pooled clients by state", []string{"server", "state"}, constLabels),
		created:      prometheus.NewDesc(name("pool_clients_created_total"), "Clients created", server, constLabels),
		destroyed:    prometheus.NewDesc(name("pool_clients_destroyed_total"), "Clients destroyed", server, constLabels),
		acquires:     prometheus.NewDesc(name("pool_acquires_total"), "Client acquisitions", server, constLabels),
		circuitState: prometheus.NewDesc(name("circuit_breaker_state"), "Circuit breaker state (0=closed, 1=half-open, 2=open)", server, constLabels),
		circuitCalls: prometheus.NewDesc(name("circuit_breaker_requests"), "Requests tracked by the circuit breaker", []string{"server", "outcome"}, constLabels),
	}
}

func (c *GroupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.clients
	ch <- c.created
	ch <- c.destroyed
	ch <- c.acquires
	ch <- c.circuitState
	ch <- c.circuitCalls
}

func (c *GroupCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.AllPoolStats() {
		ch <- gauge(c.clients, float64(s.Pool.TotalClients), s.Addr, "total")
		ch <- gauge(c.clients, float64(s.Pool.ActiveClients), s.Addr, "active")
		ch <- gauge(c.clients, float64(s.Pool.IdleClients), s.Addr, "idle")
		ch <- counter(c.created, s.Pool.CreatedClients, s.Addr)
		ch <- counter(c.destroyed, s.Pool.DestroyedClients, s.Addr)
		ch <- counter(c.acquires, uint64(s.Pool.AcquireCount), s.Addr)
		ch <- gauge(c.circuitState, float64(s.CircuitBreakerState), s.Addr)
		ch <- gauge(c.circuitCalls, float64(s.CircuitBreakerCounts.TotalSuccesses), s.Addr, "success")
		ch <- gauge(c.circuitCalls, float64(s.CircuitBreakerCounts.TotalFailures), s.Addr, "failure")
	}
}
