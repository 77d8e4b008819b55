// Package telemetry exposes node counters over Prometheus. The registry is
// per-Metrics instance so multi-node test clusters in one process do not
// collide on metric names.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics is the set of counters the core increments on its hot paths.
type Metrics struct {
	registry *prometheus.Registry

	MsgSent     *prometheus.CounterVec
	MsgReceived *prometheus.CounterVec

	FetchesServed   prometheus.Counter
	FetchForwards   prometheus.Counter
	PageInstalls    prometheus.Counter
	Invalidates     prometheus.Counter
	InvalidateAcks  prometheus.Counter
	CoherenceRetries prometheus.Counter
}

// New builds a metric set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MsgSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spanvisor_messages_sent_total",
			Help: "Messages transmitted, by type.",
		}, []string{"type"}),
		MsgReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spanvisor_messages_received_total",
			Help: "Messages received, by type.",
		}, []string{"type"}),
		FetchesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spanvisor_fetches_served_total",
			Help: "Page fetch requests served for remote nodes.",
		}),
		FetchForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spanvisor_fetch_forwards_total",
			Help: "Fetches forwarded from home to the current owner.",
		}),
		PageInstalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spanvisor_page_installs_total",
			Help: "Pages installed into the local cache.",
		}),
		Invalidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spanvisor_invalidates_total",
			Help: "Invalidate requests issued.",
		}),
		InvalidateAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spanvisor_invalidate_acks_total",
			Help: "Invalidate acknowledgements received.",
		}),
		CoherenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spanvisor_coherence_retries_total",
			Help: "Coherence operations restarted after losing a race.",
		}),
	}
	reg.MustRegister(m.MsgSent, m.MsgReceived, m.FetchesServed, m.FetchForwards,
		m.PageInstalls, m.Invalidates, m.InvalidateAcks, m.CoherenceRetries)
	return m
}

// Serve starts the debug HTTP listener if addr is non-empty. Failures are
// logged, not fatal — metrics are never load-bearing.
func (m *Metrics) Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Warn("telemetry listener stopped")
		}
	}()
}
