package exporter

import "github.com/prometheus/client_golang/prometheus"

var (
	exportRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_otlp_export_requests_total",
		Help: "OTLP export requests sent downstream",
	}, []string{"signal"})

	exportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_otlp_export_errors_total",
		Help: "Failed OTLP export requests by error type",
	}, []string{"signal", "error_type"})

	exportBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_otlp_export_bytes_total",
		Help: "Payload bytes sent downstream, after compression",
	}, []string{"signal", "compression"})

	exportItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_otlp_export_items_total",
		Help: "Spans, data points or log records accepted downstream",
	}, []string{"signal"})

	rejectedItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_otlp_rejected_items_total",
		Help: "Items the backend rejected in a partially successful export",
	}, []string{"signal"})

	retryQueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_retry_queued_batches_total",
		Help: "Batches written to the retry queue after a retryable export failure",
	}, []string{"signal"})

	retrySentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_retry_sent_batches_total",
		Help: "Queued batches delivered on retry",
	}, []string{"signal"})

	retryDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_retry_dropped_batches_total",
		Help: "Batches the retry path gave up on",
	}, []string{"signal", "reason"})

	retryBackoffSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_forwarder_retry_backoff_seconds",
		Help: "Current delay before the next retry attempt",
	}, []string{"signal"})
)

func init() {
	prometheus.MustRegister(exportRequestsTotal)
	prometheus.MustRegister(exportErrorsTotal)
	prometheus.MustRegister(exportBytesTotal)
	prometheus.MustRegister(exportItemsTotal)
	prometheus.MustRegister(rejectedItemsTotal)
	prometheus.MustRegister(retryQueuedTotal)
	prometheus.MustRegister(retrySentTotal)
	prometheus.MustRegister(retryDroppedTotal)
	prometheus.MustRegister(retryBackoffSeconds)
}
