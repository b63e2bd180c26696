package exporter

import (
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// CountSpans returns the number of spans in rs.
func CountSpans(rs []*tracepb.ResourceSpans) int {
	n := 0
	for _, r := range rs {
		for _, ss := range r.GetScopeSpans() {
			n += len(ss.GetSpans())
		}
	}
	return n
}

// CountDatapoints returns the number of data points in rm.
func CountDatapoints(rm []*metricspb.ResourceMetrics) int {
	n := 0
	for _, r := range rm {
		for _, sm := range r.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				switch data := m.Data.(type) {
				case *metricspb.Metric_Gauge:
					n += len(data.Gauge.GetDataPoints())
				case *metricspb.Metric_Sum:
					n += len(data.Sum.GetDataPoints())
				case *metricspb.Metric_Histogram:
					n += len(data.Histogram.GetDataPoints())
				case *metricspb.Metric_ExponentialHistogram:
					n += len(data.ExponentialHistogram.GetDataPoints())
				case *metricspb.Metric_Summary:
					n += len(data.Summary.GetDataPoints())
				}
			}
		}
	}
	return n
}

// CountLogRecords returns the number of log records in rl.
func CountLogRecords(rl []*logspb.ResourceLogs) int {
	n := 0
	for _, r := range rl {
		for _, sl := range r.GetScopeLogs() {
			n += len(sl.GetLogRecords())
		}
	}
	return n
}
