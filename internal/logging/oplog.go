package logging

import (
	"sync/atomic"
	"time"
)

// DefaultOperationLogInterval is how often an OperationLogger emits its
// aggregated failure line.
const DefaultOperationLogInterval = 5 * time.Minute

// OperationLogger rate-limits failure logs for a hot operation such as
// enqueueing a record. The first failure is logged right away; later
// failures are counted and reported once per interval together with the
// number of successes seen meanwhile.
//
// Recording is lock-free so it can sit on a producer path that must not block.
type OperationLogger struct {
	operation string
	level     Level
	interval  time.Duration
	now       func() time.Time

	failures  atomic.Int64
	successes atomic.Int64
	// nextLog is the earliest UnixNano at which a failure may be logged.
	nextLog atomic.Int64
}

// NewOperationLogger returns a logger for operation that writes at WARN.
// A non-positive interval selects DefaultOperationLogInterval.
func NewOperationLogger(operation string, interval time.Duration) *OperationLogger {
	if interval <= 0 {
		interval = DefaultOperationLogInterval
	}
	return &OperationLogger{
		operation: operation,
		level:     LevelWarn,
		interval:  interval,
		now:       time.Now,
	}
}

// WithLevel changes the severity used for failure lines.
func (o *OperationLogger) WithLevel(level Level) *OperationLogger {
	o.level = level
	return o
}

// RecordSuccess counts a successful attempt.
func (o *OperationLogger) RecordSuccess() {
	o.successes.Add(1)
}

// RecordFailure counts a failed attempt and logs msg if the interval allows.
// It reports whether a line was written.
func (o *OperationLogger) RecordFailure(msg string, fields map[string]interface{}) bool {
	o.failures.Add(1)

	now := o.now().UnixNano()
	next := o.nextLog.Load()
	if now < next {
		return false
	}
	if !o.nextLog.CompareAndSwap(next, now+int64(o.interval)) {
		// another goroutine won the slot
		return false
	}

	failures := o.failures.Swap(0)
	successes := o.successes.Swap(0)

	attrs := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		attrs[k] = v
	}
	attrs["operation"] = o.operation
	attrs["failures"] = failures
	attrs["successes"] = successes
	attrs["aggregation_interval"] = o.interval.String()

	std.log(o.level, o.operation+": "+msg, attrs)
	return true
}
