package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentrelay/agentrelay/queue"
)

// metrics bundles the Prometheus collectors the Control API exposes at
// /metrics. Collectors are registered against a private registry rather
// than the global default so multiple Servers (as in tests) never panic on
// duplicate registration.
type metrics struct {
	registry *prometheus.Registry

	queueDepth      *prometheus.GaugeVec
	deadLetterCount prometheus.Gauge
	dispatchLatency prometheus.Histogram
	agentsInFlight  prometheus.Gauge
	conversations   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentrelay_queue_depth",
			Help: "Number of messages in the durable queue by status.",
		}, []string{"status"}),
		deadLetterCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrelay_dead_letter_count",
			Help: "Number of messages currently dead-lettered.",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentrelay_dispatch_latency_seconds",
			Help:    "Latency of a full per-agent chain step, claim through settle.",
			Buckets: prometheus.DefBuckets,
		}),
		agentsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrelay_agents_in_flight",
			Help: "Number of per-agent FIFO chains currently processing a message.",
		}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrelay_active_conversations",
			Help: "Number of live, uncompleted team conversations.",
		}),
	}
	m.registry.MustRegister(m.queueDepth, m.deadLetterCount, m.dispatchLatency, m.agentsInFlight, m.conversations)
	return m
}

// refresh pulls a fresh snapshot of queue and conversation counts. The
// Server's background collector calls it every 5 seconds; a /metrics scrape
// serves the values from the most recent refresh.
func (m *metrics) refresh(store *queue.Store, convCount func() int) {
	status, err := store.QueueStatus()
	if err != nil {
		return
	}
	m.queueDepth.WithLabelValues(queue.StatusPending).Set(float64(status.Pending))
	m.queueDepth.WithLabelValues(queue.StatusProcessing).Set(float64(status.Processing))
	m.queueDepth.WithLabelValues(queue.StatusCompleted).Set(float64(status.Completed))
	m.queueDepth.WithLabelValues(queue.StatusDead).Set(float64(status.Dead))
	m.deadLetterCount.Set(float64(status.Dead))
	if convCount != nil {
		m.conversations.Set(float64(convCount()))
	}
}

// observeDispatch records one chain-step latency sample, fed by the
// dispatcher's event stream (chain_step_start/chain_step_done pairs).
func (m *metrics) observeDispatch(seconds float64) {
	m.dispatchLatency.Observe(seconds)
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
