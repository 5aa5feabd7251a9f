// Package metrics 模拟经纪服务的 Prometheus 指标
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_events_processed_total",
			Help: "Total number of simulation events processed.",
		},
		[]string{"session", "type"},
	)
	fillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_fills_total",
			Help: "Total number of fills produced.",
		},
		[]string{"session", "symbol"},
	)
	orderRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_order_rejects_total",
			Help: "Total number of rejected order submissions.",
		},
		[]string{"session", "reason"},
	)
	walAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_wal_appends_total",
		Help: "Total number of WAL records appended.",
	})
	checkpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_checkpoint_duration_seconds",
		Help:    "Duration of checkpoint writes in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sim_queue_depth",
			Help: "Current event queue depth.",
		},
		[]string{"session"},
	)
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_active_sessions",
		Help: "Number of sessions currently running.",
	})
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			eventsProcessed,
			fillsTotal,
			orderRejects,
			walAppends,
			checkpointDuration,
			queueDepth,
			activeSessions,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncEventsProcessed increments the processed-event counter.
func IncEventsProcessed(session, eventType string) {
	Init()
	eventsProcessed.WithLabelValues(session, eventType).Inc()
}

// IncFills increments the fill counter for a symbol.
func IncFills(session, symbol string) {
	Init()
	fillsTotal.WithLabelValues(session, symbol).Inc()
}

// IncOrderRejects increments the reject counter for a reason.
func IncOrderRejects(session, reason string) {
	Init()
	orderRejects.WithLabelValues(session, reason).Inc()
}

// IncWALAppends increments the WAL append counter.
func IncWALAppends() {
	Init()
	walAppends.Inc()
}

// ObserveCheckpointDuration records a checkpoint write duration.
func ObserveCheckpointDuration(d time.Duration) {
	Init()
	checkpointDuration.Observe(d.Seconds())
}

// SetQueueDepth sets the current queue depth for a session.
func SetQueueDepth(session string, depth float64) {
	Init()
	queueDepth.WithLabelValues(session).Set(depth)
}

// AddActiveSessions adjusts the running-session gauge.
func AddActiveSessions(delta float64) {
	Init()
	activeSessions.Add(delta)
}
