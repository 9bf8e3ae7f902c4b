package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exchange sides.
const (
	SideClient = "client"
	SideServer = "server"
)

// Metrics groups all Prometheus instruments used by the service and the client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	Exchanges        *prometheus.CounterVec
	ExchangeLatency  *prometheus.HistogramVec
	ProviderErrors   *prometheus.CounterVec
	PlaybackFailures prometheus.Counter
	FeedSubscribers  prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Exchanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Chat exchanges by side, kind and outcome.",
		}, []string{"side", "kind", "outcome"}),
		ExchangeLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_latency_ms",
			Help:      "Exchange round trip latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}, []string{"side", "kind"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		PlaybackFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_failures_total",
			Help:      "Reply audio clips that failed to play.",
		}),
		FeedSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscribers",
			Help:      "Open live transcript websocket subscribers.",
		}),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionClosed(event string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(event).Inc()
}

// ObserveExchange records one exchange outcome and its latency.
func (m *Metrics) ObserveExchange(side, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(side, kind, outcome).Inc()
	m.ExchangeLatency.WithLabelValues(side, kind).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) PlaybackFailed() {
	if m == nil {
		return
	}
	m.PlaybackFailures.Inc()
}

func (m *Metrics) FeedSubscribed(delta int) {
	if m == nil {
		return
	}
	m.FeedSubscribers.Add(float64(delta))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
