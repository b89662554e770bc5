package monitoring

import (
	"alumlink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	usersOnline     prometheus.Gauge
	connectionsOpen prometheus.Gauge

	// Counters
	messagesSubmittedTotal prometheus.Counter
	statusTransitionsTotal *prometheus.CounterVec
	callsStartedTotal      *prometheus.CounterVec
	callsEndedTotal        *prometheus.CounterVec
	signalsRelayedTotal    prometheus.Counter

	// Histograms
	callDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		usersOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "alumlink_users_online",
			Help: "Number of users with at least one live connection",
		}),

		connectionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "alumlink_connections_open",
			Help: "Number of open WebSocket connections",
		}),

		messagesSubmittedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "alumlink_messages_submitted_total",
			Help: "Total number of messages accepted by the pipeline",
		}),

		statusTransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "alumlink_message_status_transitions_total",
			Help: "Total number of message status transitions",
		}, []string{"status"}),

		callsStartedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "alumlink_calls_started_total",
			Help: "Total number of calls initiated",
		}, []string{"type"}),

		callsEndedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "alumlink_calls_ended_total",
			Help: "Total number of calls ended",
		}, []string{"reason"}),

		signalsRelayedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "alumlink_signals_relayed_total",
			Help: "Total number of signaling payloads relayed between call parties",
		}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "alumlink_call_duration_seconds",
			Help:    "Duration of calls from acceptance to end",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (p *PrometheusCollector) RecordUserOnline() {
	p.usersOnline.Inc()
}

func (p *PrometheusCollector) RecordUserOffline() {
	p.usersOnline.Dec()
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsOpen.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsOpen.Dec()
}

func (p *PrometheusCollector) RecordMessageSubmitted() {
	p.messagesSubmittedTotal.Inc()
}

func (p *PrometheusCollector) RecordStatusTransition(status domain.MessageStatus) {
	p.statusTransitionsTotal.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusCollector) RecordCallStarted(callType domain.CallType) {
	p.callsStartedTotal.WithLabelValues(string(callType)).Inc()
}

func (p *PrometheusCollector) RecordCallEnded(reason domain.CallEndReason, durationSeconds float64) {
	p.callsEndedTotal.WithLabelValues(string(reason)).Inc()
	if durationSeconds > 0 {
		p.callDuration.Observe(durationSeconds)
	}
}

func (p *PrometheusCollector) RecordSignalRelayed() {
	p.signalsRelayedTotal.Inc()
}
