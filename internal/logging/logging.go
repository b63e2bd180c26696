// Package logging writes structured JSON log lines shaped like the
// OpenTelemetry log data model, so the forwarder's own logs can be shipped
// by the same collectors it feeds.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// See https://opentelemetry.io/docs/specs/otel/logs/data-model/#field-severitynumber
var severityNumbers = map[Level]int{
	LevelDebug: 5,
	LevelInfo:  9,
	LevelWarn:  13,
	LevelError: 17,
	LevelFatal: 21,
}

// SeverityNumber returns the OTEL severity number for a level.
func SeverityNumber(level Level) int {
	return severityNumbers[level]
}

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Hook receives every emitted entry after it has been written. It lets a
// secondary sink (the OTLP log exporter) observe logs without this package
// importing it.
type Hook func(level Level, msg string, attrs map[string]interface{})

// Entry is one JSON log line.
type Entry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

type logger struct {
	mu       sync.Mutex
	out      io.Writer
	resource map[string]string
	hook     Hook
	minLevel atomic.Int32
}

var std = newLogger(os.Stdout)

func newLogger(w io.Writer) *logger {
	l := &logger{out: w}
	l.minLevel.Store(int32(severityNumbers[LevelInfo]))
	return l
}

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	std.out = w
	std.mu.Unlock()
}

// SetResource attaches resource attributes (service.name, ...) to every entry.
func SetResource(resource map[string]string) {
	std.mu.Lock()
	std.resource = resource
	std.mu.Unlock()
}

// SetHook installs h; nil removes it.
func SetHook(h Hook) {
	std.mu.Lock()
	std.hook = h
	std.mu.Unlock()
}

// SetLevel drops entries below level.
func SetLevel(level Level) {
	std.minLevel.Store(int32(severityNumbers[level]))
}

// Enabled reports whether entries at level are currently written.
func Enabled(level Level) bool {
	return int32(severityNumbers[level]) >= std.minLevel.Load()
}

func (l *logger) log(level Level, msg string, attrs map[string]interface{}) {
	if int32(severityNumbers[level]) < l.minLevel.Load() {
		return
	}
	entry := Entry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		SeverityText:   string(level),
		SeverityNumber: severityNumbers[level],
		Body:           msg,
		Attributes:     attrs,
	}

	l.mu.Lock()
	entry.Resource = l.resource
	hook := l.hook
	line, err := json.Marshal(entry)
	if err != nil {
		line, _ = json.Marshal(Entry{
			Timestamp:      entry.Timestamp,
			SeverityText:   entry.SeverityText,
			SeverityNumber: entry.SeverityNumber,
			Body:           msg,
			Attributes:     map[string]interface{}{"log.marshal_error": err.Error()},
		})
	}
	line = append(line, '\n')
	_, _ = l.out.Write(line)
	l.mu.Unlock()

	// outside the lock: the hook may log through an SDK that logs back here
	if hook != nil {
		hook(level, msg, attrs)
	}
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	return fields[0]
}

// Debug logs at DEBUG.
func Debug(msg string, fields ...map[string]interface{}) {
	std.log(LevelDebug, msg, first(fields))
}

// Info logs at INFO.
func Info(msg string, fields ...map[string]interface{}) {
	std.log(LevelInfo, msg, first(fields))
}

// Warn logs at WARN.
func Warn(msg string, fields ...map[string]interface{}) {
	std.log(LevelWarn, msg, first(fields))
}

// Error logs at ERROR.
func Error(msg string, fields ...map[string]interface{}) {
	std.log(LevelError, msg, first(fields))
}

// Fatal logs at FATAL and exits the process.
func Fatal(msg string, fields ...map[string]interface{}) {
	std.log(LevelFatal, msg, first(fields))
	os.Exit(1)
}

// F builds a field map from alternating keys and values. Non-string keys
// and a trailing key without value are skipped.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}
