package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns a registry and serves it over HTTP.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter creates an exporter with an empty registry.
func NewExporter() *Exporter {
	return &Exporter{registry: prometheus.NewRegistry()}
}

// Registry returns the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Register adds collectors to the registry.
func (e *Exporter) Register(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := e.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeMux returns a mux serving Handler on /metrics.
func (e *Exporter) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	return mux
}
