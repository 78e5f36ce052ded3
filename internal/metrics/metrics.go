// Package metrics exposes the sync core's counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketsync"

// Metrics records fetch, realtime and asset activity. It satisfies the observer
// interfaces of the collection, realtime and assets packages.
type Metrics struct {
	registry       *prometheus.Registry
	fetches        *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	staleDiscards  *prometheus.CounterVec
	realtimeState  prometheus.Gauge
	reconnects     prometheus.Counter
	reconnectDelay prometheus.Histogram
	liveHandles    prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Collection fetches by view and outcome.",
		}, []string{"view", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of collection fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"view"}),
		staleDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_total",
			Help:      "Responses dropped because a newer request superseded them.",
		}, []string{"view"}),
		realtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_state",
			Help:      "Realtime channel state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Scheduled realtime reconnect attempts.",
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "realtime_reconnect_delay_seconds",
			Help:      "Delay applied before each reconnect attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		liveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "asset_handles_live",
			Help:      "Image handles acquired and not yet released.",
		}),
	}
	m.registry.MustRegister(
		m.fetches,
		m.fetchDuration,
		m.staleDiscards,
		m.realtimeState,
		m.reconnects,
		m.reconnectDelay,
		m.liveHandles,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// FetchCompleted records one finished fetch. The outcome label is "ok" or the failure kind.
func (m *Metrics) FetchCompleted(name string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if outcome == "" {
			outcome = "unknown"
		}
	}
	m.fetches.WithLabelValues(name, outcome).Inc()
	m.fetchDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) StaleDiscarded(name string) {
	m.staleDiscards.WithLabelValues(name).Inc()
}

func (m *Metrics) StateChanged(state realtime.State) {
	m.realtimeState.Set(float64(state))
}

func (m *Metrics) ReconnectScheduled(_ int, delay time.Duration) {
	m.reconnects.Inc()
	m.reconnectDelay.Observe(delay.Seconds())
}

func (m *Metrics) HandleAcquired() {
	m.liveHandles.Inc()
}

func (m *Metrics) HandleReleased() {
	m.liveHandles.Dec()
}
