package queue

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons, used as the "reason" label.
const (
	reasonFull     = "full"
	reasonTooLarge = "too_large"
	reasonCorrupt  = "corrupt"
)

var (
	queueEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_forwarder_retry_queue_entries",
		Help: "Batches waiting in a retry queue",
	}, []string{"queue"})

	queueBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_forwarder_retry_queue_bytes",
		Help: "On-disk size of a retry queue in bytes",
	}, []string{"queue"})

	queuePushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_retry_queue_push_total",
		Help: "Batches written to a retry queue",
	}, []string{"queue"})

	queueDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_retry_queue_dropped_total",
		Help: "Batches dropped from a retry queue without being sent",
	}, []string{"queue", "reason"})

	queueWriteErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_retry_queue_write_errors_total",
		Help: "Failed writes of retry queue entries",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(queueEntries)
	prometheus.MustRegister(queueBytes)
	prometheus.MustRegister(queuePushTotal)
	prometheus.MustRegister(queueDroppedTotal)
	prometheus.MustRegister(queueWriteErrorsTotal)
}

type queueMetrics struct {
	entries     prometheus.Gauge
	bytes       prometheus.Gauge
	pushed      prometheus.Counter
	writeErrors prometheus.Counter
	drops       *prometheus.CounterVec
}

func newQueueMetrics(name string) *queueMetrics {
	return &queueMetrics{
		entries:     queueEntries.WithLabelValues(name),
		bytes:       queueBytes.WithLabelValues(name),
		pushed:      queuePushTotal.WithLabelValues(name),
		writeErrors: queueWriteErrorsTotal.WithLabelValues(name),
		drops:       queueDroppedTotal.MustCurryWith(prometheus.Labels{"queue": name}),
	}
}

func (m *queueMetrics) dropped(reason string) {
	m.drops.WithLabelValues(reason).Inc()
}
