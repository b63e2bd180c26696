package compression

import "github.com/prometheus/client_golang/prometheus"

var (
	encodersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_forwarder_compression_encoders_created_total",
		Help: "zstd encoders allocated (shared per level or pool misses)",
	})

	poolGets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_forwarder_compression_pool_gets_total",
		Help: "zstd coders taken from the gRPC compressor pools",
	})

	poolPuts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_forwarder_compression_pool_puts_total",
		Help: "zstd coders returned to the gRPC compressor pools",
	})
)

func init() {
	prometheus.MustRegister(encodersCreated, poolGets, poolPuts)
}
