package receiver

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_receiver_requests_total",
		Help: "OTLP export requests received",
	}, []string{"protocol", "signal"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_receiver_errors_total",
		Help: "Rejected OTLP requests by failure type",
	}, []string{"protocol", "type"})

	resourcesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_forwarder_receiver_resources_total",
		Help: "Resource-level records received and handed to the pipeline",
	}, []string{"signal"})
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(errorsTotal)
	prometheus.MustRegister(resourcesTotal)

	// so the series exist in /metrics before the first error
	for _, p := range []string{"grpc", "http"} {
		for _, typ := range []string{"read", "decompress", "decode", "too_large"} {
			errorsTotal.WithLabelValues(p, typ).Add(0)
		}
	}
}
