// Package metrics exposes Prometheus metrics for ticks, dispatches and the
// ops HTTP API. Dispatcher metrics are fed from the event bus so the
// dispatch path never depends on this package.
package metrics

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"petfeeder/internal/eventbus"
)

const namespace = "feeder"

type Metrics struct {
	registry *prometheus.Registry

	ticks           *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	unrecorded      prometheus.Counter
	skipped         prometheus.Counter
	sweepOwners     prometheus.Gauge
	sweeps          *prometheus.CounterVec
	tasksDropped    prometheus.Counter

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// New registers every collector on a fresh registry. busDropped may be nil.
func New(busDropped func() uint64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Owner ticks by result (completed, aborted).",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of completed owner ticks.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Actuator dispatches by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "actuator_latency_seconds",
			Help:      "Actuator dispatch round trip by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),
		unrecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unrecorded_dispatches_total",
			Help:      "Dispatches that reached the actuator but could not be appended to the event log.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_skips_total",
			Help:      "Due schedules skipped because their occurrence already succeeded.",
		}),
		sweepOwners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_owners",
			Help:      "Owners with enabled schedules seen by the last sweep.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Periodic sweeps by result (ok, error).",
		}, []string{"result"}),
		tasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_tasks_dropped_total",
			Help:      "Tick tasks dropped by the engine (queue full or stale).",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Ops API requests.",
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.tickDuration,
		m.dispatches,
		m.dispatchLatency,
		m.unrecorded,
		m.skipped,
		m.sweepOwners,
		m.sweeps,
		m.tasksDropped,
		m.requestDuration,
		m.requestTotal,
	)
	if busDropped != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Bus deliveries lost to slow subscribers.",
		}, func() float64 { return float64(busDropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Consume folds bus events into the collectors until ctx ends or ch closes.
func (m *Metrics) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe records a single bus event.
func (m *Metrics) Observe(ev eventbus.Event) {
	if m == nil {
		return
	}
	switch ev.Type {
	case eventbus.DispatchSucceeded, eventbus.DispatchFailed, eventbus.DispatchUnrecorded:
		d, ok := ev.Data.(eventbus.Dispatch)
		if !ok {
			return
		}
		outcome := "succeeded"
		if d.Error != "" {
			outcome = "failed"
		}
		if ev.Type == eventbus.DispatchUnrecorded {
			m.unrecorded.Inc()
		}
		m.dispatches.WithLabelValues(d.Trigger, outcome).Inc()
		m.dispatchLatency.WithLabelValues(outcome).Observe(d.Latency.Seconds())
	case eventbus.DispatchSkipped:
		m.skipped.Inc()
	case eventbus.TickCompleted:
		m.ticks.WithLabelValues("completed").Inc()
		if t, ok := ev.Data.(eventbus.Tick); ok {
			m.tickDuration.Observe(t.Duration.Seconds())
		}
	case eventbus.TickAborted:
		m.ticks.WithLabelValues("aborted").Inc()
	case eventbus.SweepCompleted:
		sw, ok := ev.Data.(eventbus.Sweep)
		if !ok {
			return
		}
		if sw.Error != "" {
			m.sweeps.WithLabelValues("error").Inc()
			return
		}
		m.sweeps.WithLabelValues("ok").Inc()
		m.sweepOwners.Set(float64(sw.Owners))
	case "task.dropped":
		m.tasksDropped.Inc()
	}
}

var numericPathSegment = regexp.MustCompile(`/[0-9]+(/|$)`)

// RecordRequest records one ops API request. path should be the route
// pattern; raw paths have numeric segments folded to {id}.
func (m *Metrics) RecordRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	path = numericPathSegment.ReplaceAllString(path, "/{id}$1")
	code := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
	m.requestTotal.WithLabelValues(method, path, code).Inc()
}
