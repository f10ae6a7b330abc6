package obs

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"

	"tickrelay/internal/model"
	"tickrelay/internal/reading"
)

const namespace = "tickrelay"

// Metrics owns a private registry and implements the observer hooks of the
// parser, collector, bus, resolver and supervisor.
type Metrics struct {
	registry *prometheus.Registry

	accepted       prometheus.Counter
	rejected       *prometheus.CounterVec
	tiers          *prometheus.CounterVec
	drops          *prometheus.CounterVec
	ingestLatency  prometheus.Histogram
	busDrops       *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	persistFailure prometheus.Counter
	restarts       *prometheus.CounterVec
	alerts         *prometheus.CounterVec

	latency LatencyStats
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_accepted_total",
			Help: "Readings admitted and published to the bus.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_rejected_total",
			Help: "Readings refused by the provenance gate, by source.",
		}, []string{"source"}),
		tiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "parser_recovery_total",
			Help: "Decoded readings by the recovery tier that produced them.",
		}, []string{"tier"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "parser_drops_total",
			Help: "Frames or readings dropped by the parser, by reason.",
		}, []string{"reason"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ingest_latency_seconds",
			Help:    "Time from chunk arrival to bus publish.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_dropped_total",
			Help: "Readings evicted from slow subscribers.",
		}, []string{"subscriber"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_outcomes_total",
			Help: "Resolved signals by outcome.",
		}, []string{"outcome"}),
		persistFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_persist_failures_total",
			Help: "Outcome writes that failed after retry.",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "supervisor_restarts_total",
			Help: "Worker restarts attempted.",
		}, []string{"worker"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "supervisor_alerts_total",
			Help: "Alerts emitted by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.accepted, m.rejected, m.tiers, m.drops, m.ingestLatency, m.busDrops,
		m.outcomes, m.persistFailure, m.restarts, m.alerts,
	)
	return m
}

// Registry exposes the registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Gauge registers a gauge sampled from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	if err := m.registry.Register(g); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if errors.As(err, &dup) {
			return nil
		}
		return err
	}
	return nil
}

func (m *Metrics) ObserveTier(tier reading.Tier) {
	m.tiers.WithLabelValues(tier.String()).Inc()
}

func (m *Metrics) ObserveDrop(reason reading.DropReason) {
	m.drops.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) ObserveAccepted(n int) {
	m.accepted.Add(float64(n))
}

func (m *Metrics) ObserveRejected(sourceID string) {
	if sourceID == "" {
		sourceID = "unknown"
	}
	m.rejected.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) ObserveIngestLatency(d time.Duration) {
	m.ingestLatency.Observe(d.Seconds())
	m.latency.Observe(d)
}

// ObserveBusDrop matches the hub drop hook.
func (m *Metrics) ObserveBusDrop(subscriber string) {
	m.busDrops.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) ObserveOutcome(outcome model.Outcome) {
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) ObservePersistFailure() {
	m.persistFailure.Inc()
}

func (m *Metrics) ObserveRestart(worker string) {
	m.restarts.WithLabelValues(worker).Inc()
}

func (m *Metrics) ObserveAlert(kind string) {
	m.alerts.WithLabelValues(kind).Inc()
}

// IngestLatency returns the aggregated ingest latency since start.
func (m *Metrics) IngestLatency() LatencySnapshot {
	return m.latency.Snapshot()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr in the background.
func (m *Metrics) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("metrics server on %s stopped, err: %+v", addr, err)
		}
	}()
	return srv
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
