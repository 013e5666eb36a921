package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments. Scraped from the internal
// listener only. Each instance carries its own registry, so several
// servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	activeChats       prometheus.Gauge
	connectionsTotal  prometheus.Counter
	disconnectsTotal  prometheus.Counter
	authFailures      prometheus.Counter

	eventsReceived  *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	eventErrors     *prometheus.CounterVec

	fanoutSize     prometheus.Histogram
	fanoutDuration prometheus.Histogram
	persistErrors  prometheus.Counter
	resyncsTotal   prometheus.Counter
	replayedEvents prometheus.Counter
	overflowDrops  prometheus.Counter
}

// NewMetrics registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := newMetricsWith(reg)
	m.registry = reg
	return m
}

// Handler serves the instruments for scraping.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_connections",
			Help: "Number of live websocket connections",
		}),
		activeChats: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_chats",
			Help: "Number of chats with at least one live subscriber",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_connections_total",
			Help: "Total websocket connections accepted",
		}),
		disconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_disconnects_total",
			Help: "Total websocket connections closed",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_auth_failures_total",
			Help: "Handshakes refused due to credential verification failure",
		}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_events_received_total",
			Help: "Inbound events by type",
		}, []string{"event"}),
		eventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_events_delivered_total",
			Help: "Outbound events enqueued to connections, by type",
		}, []string{"event"}),
		eventErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_event_errors_total",
			Help: "Error events sent to clients, by code",
		}, []string{"code"}),
		fanoutSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_fanout_size",
			Help:    "Recipients per broadcast",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		fanoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_fanout_duration_seconds",
			Help:    "Time to enqueue one broadcast to all recipients",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		persistErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_persist_errors_total",
			Help: "Durable writes that failed",
		}),
		resyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_resyncs_total",
			Help: "Reconnects that could not be gap-filled",
		}),
		replayedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_replayed_events_total",
			Help: "Events replayed to reconnecting clients",
		}),
		overflowDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_overflow_drops_total",
			Help: "Connections dropped because their send queue overflowed",
		}),
	}
}

func (m *Metrics) RecordActiveConnections(n int) { m.activeConnections.Set(float64(n)) }
func (m *Metrics) RecordActiveChats(n int)       { m.activeChats.Set(float64(n)) }
func (m *Metrics) RecordConnectionOpened()       { m.connectionsTotal.Inc() }
func (m *Metrics) RecordConnectionClosed()       { m.disconnectsTotal.Inc() }
func (m *Metrics) RecordAuthFailure()            { m.authFailures.Inc() }
func (m *Metrics) RecordPersistError()           { m.persistErrors.Inc() }
func (m *Metrics) RecordResync()                 { m.resyncsTotal.Inc() }
func (m *Metrics) RecordOverflowDrop()           { m.overflowDrops.Inc() }

func (m *Metrics) RecordEventReceived(event string) {
	m.eventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordEventDelivered(event string, recipients int) {
	m.eventsDelivered.WithLabelValues(event).Add(float64(recipients))
}

func (m *Metrics) RecordErrorSent(code string) {
	m.eventErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordFanout(recipients int, elapsed time.Duration) {
	m.fanoutSize.Observe(float64(recipients))
	m.fanoutDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordReplayed(count int) {
	m.replayedEvents.Add(float64(count))
}
