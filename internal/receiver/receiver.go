// Package receiver accepts OTLP traces, metrics and logs over gRPC and HTTP
// and hands every resource-level record to a Consumer.
package receiver

import (
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// Consumer takes ownership of received records. Implementations must not
// block; the receivers call them on request goroutines.
type Consumer interface {
	ConsumeTraces(rs []*tracepb.ResourceSpans)
	ConsumeMetrics(rm []*metricspb.ResourceMetrics)
	ConsumeLogs(rl []*logspb.ResourceLogs)
}

// DefaultMaxMessageSize bounds a single request, compressed or not.
const DefaultMaxMessageSize = 64 * 1024 * 1024
