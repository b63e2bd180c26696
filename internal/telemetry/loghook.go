package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/szibis/telemetry-forwarder/internal/logging"
	otellog "go.opentelemetry.io/otel/log"
)

// NewLogHook returns a logging.Hook that mirrors every entry to the OTLP
// log pipeline, or nil when telemetry is disabled.
func (t *Telemetry) NewLogHook() logging.Hook {
	if !t.Enabled() {
		return nil
	}
	logger := t.logger
	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		logger.Emit(context.Background(), toRecord(level, msg, attrs))
	}
}

func toRecord(level logging.Level, msg string, attrs map[string]interface{}) otellog.Record {
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(msg))
	rec.SetSeverity(toOTELSeverity(level))
	rec.SetSeverityText(string(level))

	if len(attrs) == 0 {
		return rec
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]otellog.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, otellog.KeyValue{Key: k, Value: toOTELValue(attrs[k])})
	}
	rec.AddAttributes(kvs...)
	return rec
}

func toOTELSeverity(level logging.Level) otellog.Severity {
	switch level {
	case logging.LevelDebug:
		return otellog.SeverityDebug
	case logging.LevelWarn:
		return otellog.SeverityWarn
	case logging.LevelError:
		return otellog.SeverityError
	case logging.LevelFatal:
		return otellog.SeverityFatal
	default:
		return otellog.SeverityInfo
	}
}

func toOTELValue(v interface{}) otellog.Value {
	switch val := v.(type) {
	case nil:
		return otellog.StringValue("<nil>")
	case string:
		return otellog.StringValue(val)
	case int:
		return otellog.IntValue(val)
	case int64:
		return otellog.Int64Value(val)
	case uint64:
		return otellog.Int64Value(int64(val))
	case float64:
		return otellog.Float64Value(val)
	case bool:
		return otellog.BoolValue(val)
	case time.Duration:
		return otellog.StringValue(val.String())
	case error:
		return otellog.StringValue(val.Error())
	default:
		return otellog.StringValue(fmt.Sprint(val))
	}
}
