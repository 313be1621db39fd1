package observability

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "meshwatch/pipeline"

var (
	pipelineMetricsOnce sync.Once
	pipelineRegistry    *PipelineMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics
)

// PipelineMetrics tracks trace ingestion and window aggregation.
type PipelineMetrics struct {
	records  *prometheus.CounterVec
	events   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	rows     prometheus.Counter
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	meshSize *prometheus.HistogramVec

	recordCounter  metric.Int64Counter
	droppedCounter metric.Int64Counter
	runHistogram   metric.Float64Histogram
}

// Pipeline returns the lazily-initialised pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pm := &PipelineMetrics{
			records: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "pipeline",
				Name:      "records_total",
				Help:      "Trace records read segmented by tracer event type.",
			}, []string{"type"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "pipeline",
				Name:      "events_applied_total",
				Help:      "Membership events applied to mesh state segmented by kind.",
			}, []string{"kind"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "pipeline",
				Name:      "records_dropped_total",
				Help:      "Trace records dropped before aggregation segmented by reason.",
			}, []string{"reason"}),
			rows: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "pipeline",
				Name:      "rows_emitted_total",
				Help:      "Window rows emitted into result tables.",
			}),
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Analysis runs segmented by outcome.",
			}, []string{"outcome"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "meshwatch",
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of analysis runs.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			}),
			meshSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "meshwatch",
				Subsystem: "pipeline",
				Name:      "window_mesh_size",
				Help:      "Classified mesh size per emitted window row.",
				Buckets:   []float64{0, 1, 2, 4, 6, 8, 12, 16, 24, 32},
			}, []string{"class"}),
		}
		prometheus.MustRegister(pm.records, pm.events, pm.dropped, pm.rows, pm.runs, pm.duration, pm.meshSize)
		pm.initMeter()
		pipelineRegistry = pm
	})
	return pipelineRegistry
}

func (m *PipelineMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	records, err := meter.Int64Counter("meshwatch.pipeline.records")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		records, _ = meter.Int64Counter("meshwatch.pipeline.records")
	}
	dropped, err := meter.Int64Counter("meshwatch.pipeline.dropped")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		dropped, _ = meter.Int64Counter("meshwatch.pipeline.dropped")
	}
	runs, err := meter.Float64Histogram("meshwatch.pipeline.run_seconds")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		runs, _ = meter.Float64Histogram("meshwatch.pipeline.run_seconds")
	}
	m.recordCounter = records
	m.droppedCounter = dropped
	m.runHistogram = runs
}

// RecordRead counts one trace record of the given tracer type.
func (m *PipelineMetrics) RecordRead(typ string) {
	if m == nil {
		return
	}
	if typ == "" {
		typ = "unknown"
	}
	m.records.WithLabelValues(typ).Inc()
	if m.recordCounter != nil {
		m.recordCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", typ)))
	}
}

// EventApplied counts a membership event handed to the aggregator.
func (m *PipelineMetrics) EventApplied(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// Dropped counts a record discarded for reason.
func (m *PipelineMetrics) Dropped(reason string) {
	if m == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	m.dropped.WithLabelValues(reason).Inc()
	if m.droppedCounter != nil {
		m.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RowEmitted records the classified sizes of one output row.
func (m *PipelineMetrics) RowEmitted(honest, attacker int) {
	if m == nil {
		return
	}
	m.rows.Inc()
	m.meshSize.WithLabelValues("honest").Observe(float64(honest))
	m.meshSize.WithLabelValues("attacker").Observe(float64(attacker))
}

// RunFinished records the outcome and duration of a run.
func (m *PipelineMetrics) RunFinished(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.Observe(duration.Seconds())
	if m.runHistogram != nil {
		m.runHistogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// APIMetrics covers the query HTTP surface.
type APIMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles prometheus.Counter
}

// API returns the lazily-initialised HTTP metrics registry.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Query API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "meshwatch",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for query API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "api",
				Name:      "throttled_total",
				Help:      "Requests rejected by the rate limiter.",
			}),
		}
		prometheus.MustRegister(apiRegistry.requests, apiRegistry.latency, apiRegistry.throttles)
	})
	return apiRegistry
}

// Observe records one handled request.
func (m *APIMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// Throttled counts a rate-limited request.
func (m *APIMetrics) Throttled() {
	if m == nil {
		return
	}
	m.throttles.Inc()
}
