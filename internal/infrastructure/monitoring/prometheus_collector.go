package monitoring

import (
	"net/http"
	"time"

	"relaycast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector owns the signaling metrics. It registers on its own
// registry so several instances can coexist in tests.
type PrometheusCollector struct {
	registry *prometheus.Registry

	roomsActive       prometheus.Gauge
	peersConnected    *prometheus.GaugeVec
	refusedTotal      *prometheus.CounterVec
	supersededTotal   prometheus.Counter
	messagesTotal     *prometheus.CounterVec
	messageDuration   *prometheus.HistogramVec
	notificationsSent *prometheus.CounterVec

	workersLive         prometheus.Gauge
	workerDeathsTotal   prometheus.Counter
	workerReplacedTotal prometheus.Counter

	syncDroppedTotal *prometheus.CounterVec
	syncWritesTotal  *prometheus.CounterVec
}

// NewPrometheusCollector registers all relaycast metrics on a private
// registry.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	p := &PrometheusCollector{
		registry: reg,

		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_rooms_active",
			Help: "Number of rooms in the registry",
		}),

		peersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaycast_peers_connected",
			Help: "Connected signaling sessions by role",
		}, []string{"role"}),

		refusedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_connections_refused_total",
			Help: "Websocket connections refused, by reason",
		}, []string{"reason"}),

		supersededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_sessions_superseded_total",
			Help: "Sessions closed because the same peer id reconnected",
		}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_signal_messages_total",
			Help: "Signaling requests handled, by type and result",
		}, []string{"type", "result"}),

		messageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaycast_signal_message_duration_seconds",
			Help:    "Time to handle a signaling request",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"type"}),

		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_notifications_total",
			Help: "Push notifications sent to peers, by type",
		}, []string{"type"}),

		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_workers_live",
			Help: "Media workers currently in the pool",
		}),

		workerDeathsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_worker_deaths_total",
			Help: "Media workers that died",
		}),

		workerReplacedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_worker_replacements_total",
			Help: "Media workers created to replace dead ones",
		}),

		syncDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_status_sync_dropped_total",
			Help: "Stream status writes dropped, by operation",
		}, []string{"op"}),

		syncWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_status_sync_writes_total",
			Help: "Stream status writes applied, by operation and result",
		}, []string{"op", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.roomsActive,
		p.peersConnected,
		p.refusedTotal,
		p.supersededTotal,
		p.messagesTotal,
		p.messageDuration,
		p.notificationsSent,
		p.workersLive,
		p.workerDeathsTotal,
		p.workerReplacedTotal,
		p.syncDroppedTotal,
		p.syncWritesTotal,
	)
	return p
}

func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// RoomsChanged implements room.Observer.
func (p *PrometheusCollector) RoomsChanged(count int) {
	p.roomsActive.Set(float64(count))
}

// Record* implement signal.Metrics.
func (p *PrometheusCollector) RecordPeerConnected(role domain.Role) {
	p.peersConnected.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected(role domain.Role) {
	p.peersConnected.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) RecordRefused(reason string) {
	p.refusedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordSuperseded() {
	p.supersededTotal.Inc()
}

func (p *PrometheusCollector) RecordMessage(msgType, result string, duration time.Duration) {
	p.messagesTotal.WithLabelValues(msgType, result).Inc()
	p.messageDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordNotification(msgType string) {
	p.notificationsSent.WithLabelValues(msgType).Inc()
}

// WorkerDied, WorkerReplaced and WorkersChanged implement services.PoolEvents.
func (p *PrometheusCollector) WorkerDied(workerID string) {
	p.workerDeathsTotal.Inc()
}

func (p *PrometheusCollector) WorkerReplaced(oldID, newID string) {
	p.workerReplacedTotal.Inc()
}

func (p *PrometheusCollector) WorkersChanged(live int) {
	p.workersLive.Set(float64(live))
}

// SyncDropped and SyncCompleted implement services.SyncObserver.
func (p *PrometheusCollector) SyncDropped(op string) {
	p.syncDroppedTotal.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) SyncCompleted(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.syncWritesTotal.WithLabelValues(op, result).Inc()
}
