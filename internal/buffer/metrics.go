package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Export triggers, used as the "trigger" label.
const (
	triggerSize     = "size"
	triggerSchedule = "schedule"
	triggerFlush    = "flush"
	triggerShutdown = "shutdown"
)

// Drop reasons, used as the "reason" label.
const (
	reasonQueueFull = "queue_full"
	reasonShutdown  = "shutdown"
)

var (
	recordsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_records_submitted_total",
		Help: "Total records accepted into a batch queue",
	}, []string{"queue"})

	recordsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_records_dropped_total",
		Help: "Total records rejected by a batch queue",
	}, []string{"queue", "reason"})

	exportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_exports_total",
		Help: "Total non-empty batch exports by trigger and outcome",
	}, []string{"queue", "trigger", "result"})

	exportedRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_exported_records_total",
		Help: "Total records handed to the export sink",
	}, []string{"queue"})

	exportBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_forwarder_export_batch_size",
		Help:    "Number of records per exported batch",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"queue"})

	exportDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_forwarder_export_duration_seconds",
		Help:    "Time spent in the export sink per batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	queueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_forwarder_queue_size",
		Help: "Records waiting in a batch queue, sampled by the worker",
	}, []string{"queue"})

	queueCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_forwarder_queue_capacity",
		Help: "Configured capacity of a batch queue",
	}, []string{"queue"})

	abandonedExportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_abandoned_exports_total",
		Help: "Sink calls still running when the export timeout expired",
	}, []string{"queue"})

	workerPanicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_worker_panics_total",
		Help: "Total panics recovered in batch workers and export sinks",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(recordsSubmittedTotal)
	prometheus.MustRegister(recordsDroppedTotal)
	prometheus.MustRegister(exportsTotal)
	prometheus.MustRegister(exportedRecordsTotal)
	prometheus.MustRegister(exportBatchSize)
	prometheus.MustRegister(exportDuration)
	prometheus.MustRegister(queueSize)
	prometheus.MustRegister(queueCapacity)
	prometheus.MustRegister(abandonedExportsTotal)
	prometheus.MustRegister(workerPanicsTotal)
}

// processorMetrics holds the collectors of one processor, curried by queue
// name so the submit path does no label lookups.
type processorMetrics struct {
	submitted       prometheus.Counter
	droppedFull     prometheus.Counter
	droppedShutdown prometheus.Counter
	exported        prometheus.Counter
	batchSize       prometheus.Observer
	duration        prometheus.Observer
	queueSize       prometheus.Gauge
	panics          prometheus.Counter
	abandoned       prometheus.Counter
	exports         *prometheus.CounterVec
}

func newProcessorMetrics(queue string, capacity int) *processorMetrics {
	queueCapacity.WithLabelValues(queue).Set(float64(capacity))
	return &processorMetrics{
		submitted:       recordsSubmittedTotal.WithLabelValues(queue),
		droppedFull:     recordsDroppedTotal.WithLabelValues(queue, reasonQueueFull),
		droppedShutdown: recordsDroppedTotal.WithLabelValues(queue, reasonShutdown),
		exported:        exportedRecordsTotal.WithLabelValues(queue),
		batchSize:       exportBatchSize.WithLabelValues(queue),
		duration:        exportDuration.WithLabelValues(queue),
		queueSize:       queueSize.WithLabelValues(queue),
		panics:          workerPanicsTotal.WithLabelValues(queue),
		abandoned:       abandonedExportsTotal.WithLabelValues(queue),
		exports:         exportsTotal.MustCurryWith(prometheus.Labels{"queue": queue}),
	}
}

func (m *processorMetrics) recordExport(trigger string, records int, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.exports.WithLabelValues(trigger, result).Inc()
	m.exported.Add(float64(records))
	m.batchSize.Observe(float64(records))
}
