package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mediagate/internal/core/domain"
)

// PrometheusCollector records registry and signaling metrics. It implements
// ports.MetricsRecorder.
type PrometheusCollector struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	peersConnected  prometheus.Gauge
	consumeRejected prometheus.Counter

	transportsActive *prometheus.GaugeVec
	transportsClosed *prometheus.CounterVec
	producersActive  *prometheus.GaugeVec
	consumersActive  *prometheus.GaugeVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusCollector creates the collector and registers its metrics on
// reg. Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	p := &PrometheusCollector{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediagate_sessions_active",
			Help: "Number of live sessions in the registry",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagate_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediagate_peers_connected",
			Help: "Number of connected signaling peers",
		}),
		consumeRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagate_consume_rejected_total",
			Help: "Consume requests refused for incompatible capabilities",
		}),
		transportsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediagate_transports_active",
			Help: "Number of open transports",
		}, []string{"direction"}),
		transportsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagate_transports_closed_total",
			Help: "Transports closed, by close reason",
		}, []string{"direction", "reason"}),
		producersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediagate_producers_active",
			Help: "Number of open producers",
		}, []string{"kind"}),
		consumersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediagate_consumers_active",
			Help: "Number of open consumers",
		}, []string{"kind"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagate_rpc_requests_total",
			Help: "Signaling requests handled, by method and result code",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediagate_rpc_request_duration_seconds",
			Help:    "Signaling request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),
	}

	reg.MustRegister(
		p.sessionsActive,
		p.sessionsTotal,
		p.peersConnected,
		p.consumeRejected,
		p.transportsActive,
		p.transportsClosed,
		p.producersActive,
		p.consumersActive,
		p.requestsTotal,
		p.requestDuration,
	)
	return p
}

func (p *PrometheusCollector) RecordSessionCreated() {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) RecordSessionClosed() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) RecordPeerConnected() {
	p.peersConnected.Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected() {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) RecordTransportCreated(direction domain.Direction) {
	p.transportsActive.WithLabelValues(string(direction)).Inc()
}

func (p *PrometheusCollector) RecordTransportClosed(direction domain.Direction, reason string) {
	p.transportsActive.WithLabelValues(string(direction)).Dec()
	p.transportsClosed.WithLabelValues(string(direction), reason).Inc()
}

func (p *PrometheusCollector) RecordProducerCreated(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordProducerClosed(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) RecordConsumerCreated(kind domain.MediaKind) {
	p.consumersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordConsumerClosed(kind domain.MediaKind) {
	p.consumersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) RecordConsumeRejected() {
	p.consumeRejected.Inc()
}

func (p *PrometheusCollector) RecordRequest(method, code string, duration time.Duration) {
	p.requestsTotal.WithLabelValues(method, code).Inc()
	p.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
