package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/szibis/telemetry-forwarder/internal/compression"
	"github.com/szibis/telemetry-forwarder/internal/exporter"
	"github.com/szibis/telemetry-forwarder/internal/logging"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// ValidateFile loads a YAML config file over the defaults and validates it.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}
	y, err := LoadYAML(path)
	if err != nil {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    "file",
			Message:  err.Error(),
		})
		return result
	}
	cfg := DefaultConfig()
	y.ApplyTo(cfg)
	result.Issues = cfg.Check()
	for _, issue := range result.Issues {
		if issue.Severity == SeverityError {
			result.Valid = false
		}
	}
	return result
}

// Validate returns the joined configuration errors, ignoring warnings.
func (c *Config) Validate() error {
	var errs []error
	for _, issue := range c.Check() {
		if issue.Severity == SeverityError {
			errs = append(errs, fmt.Errorf("%s: %s", issue.Field, issue.Message))
		}
	}
	return errors.Join(errs...)
}

// Check returns every validation finding.
func (c *Config) Check() []ValidationIssue {
	var issues []ValidationIssue
	fail := func(field, format string, args ...interface{}) {
		issues = append(issues, ValidationIssue{SeverityError, field, fmt.Sprintf(format, args...)})
	}
	warn := func(field, format string, args ...interface{}) {
		issues = append(issues, ValidationIssue{SeverityWarning, field, fmt.Sprintf(format, args...)})
	}

	if c.GRPCListenAddr == "" {
		fail("receiver.grpc.address", "must not be empty")
	}
	if c.HTTPListenAddr == "" {
		fail("receiver.http.address", "must not be empty")
	}
	if c.ReceiverMaxMsgSize <= 0 {
		fail("receiver.max_message_size", "must be positive, got %d", c.ReceiverMaxMsgSize)
	}
	if c.ReceiverTLSCertFile != "" && c.ReceiverTLSKeyFile == "" {
		fail("receiver.tls.key_file", "required with receiver.tls.cert_file")
	}
	if c.ReceiverTLSCertFile == "" && (c.ReceiverTLSClientCAFile != "" || c.ReceiverTLSRequireClientCert) {
		warn("receiver.tls", "client certificate settings are ignored without receiver.tls.cert_file")
	}
	if c.ReceiverAuthBasicUsername != "" && c.ReceiverAuthBasicPassword == "" {
		fail("receiver.auth.basic_password", "required with receiver.auth.basic_username")
	}
	if c.StatsAddr == "" {
		fail("stats.address", "must not be empty")
	}
	if c.FlushTimeout <= 0 {
		fail("stats.flush_timeout", "must be positive, got %s", c.FlushTimeout)
	}

	if c.ExporterEndpoint == "" {
		fail("exporter.endpoint", "must not be empty")
	}
	protocol := exporter.Protocol(c.ExporterProtocol)
	if protocol != exporter.ProtocolGRPC && protocol != exporter.ProtocolHTTP {
		fail("exporter.protocol", "must be grpc or http, got %q", c.ExporterProtocol)
	}
	if typ, err := compression.ParseType(c.ExporterCompression); err != nil {
		fail("exporter.compression.type", "%v", err)
	} else if protocol == exporter.ProtocolGRPC && typ != compression.TypeNone && typ != compression.TypeGzip && typ != compression.TypeZstd {
		fail("exporter.compression.type", "gRPC export supports none, gzip and zstd, got %q", typ)
	}
	if (c.ExporterTLSCertFile == "") != (c.ExporterTLSKeyFile == "") {
		fail("exporter.tls", "cert_file and key_file must be set together")
	}
	if c.ExporterInsecure && (c.ExporterTLSCAFile != "" || c.ExporterTLSCertFile != "") {
		warn("exporter.tls", "TLS files are ignored while exporter.insecure is true")
	}
	if c.ExporterTimeout < 0 {
		fail("exporter.timeout", "must not be negative, got %s", c.ExporterTimeout)
	}

	if c.ExporterRetryEnabled {
		if c.ExporterRetryPath == "" {
			fail("exporter.retry.path", "required when exporter.retry.enabled is true")
		}
		if c.ExporterRetryMaxEntries < 0 {
			fail("exporter.retry.max_entries", "must not be negative, got %d", c.ExporterRetryMaxEntries)
		}
		if c.ExporterRetryMaxBytes < 0 {
			fail("exporter.retry.max_bytes", "must not be negative, got %d", c.ExporterRetryMaxBytes)
		}
		if c.ExporterRetryInitialInterval > 0 && c.ExporterRetryMaxInterval > 0 && c.ExporterRetryInitialInterval > c.ExporterRetryMaxInterval {
			fail("exporter.retry.initial_interval", "%s exceeds max_interval %s", c.ExporterRetryInitialInterval, c.ExporterRetryMaxInterval)
		}
	}

	for _, signal := range exporter.Signals {
		field := "buffer." + string(signal)
		b := c.BufferConfig(signal)
		if err := b.Validate(); err != nil {
			fail(field, "%v", err)
			continue
		}
		if b.QueueCapacity == 0 {
			fail(field+".queue_capacity", "must be positive")
		}
		if b.MaxExportBatchSize > b.QueueCapacity {
			warn(field+".max_export_batch_size", "%d exceeds queue capacity %d and is clamped", b.MaxExportBatchSize, b.QueueCapacity)
		}
		if c.ExporterTimeout > b.ExportTimeout {
			warn("exporter.timeout", "%s exceeds the %s export timeout of %s, which cuts requests first", c.ExporterTimeout, signal, b.ExportTimeout)
		}
	}

	if c.TelemetryEndpoint != "" {
		if c.TelemetryProtocol != "grpc" && c.TelemetryProtocol != "http" {
			fail("telemetry.protocol", "must be grpc or http, got %q", c.TelemetryProtocol)
		}
		if c.TelemetryCompression != "" && c.TelemetryCompression != "gzip" {
			fail("telemetry.compression", "must be gzip or empty, got %q", c.TelemetryCompression)
		}
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		fail("log.level", "%v", err)
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		fail("memory.limit_ratio", "must be between 0 and 1, got %g", c.MemoryLimitRatio)
	}
	if c.ShutdownTimeout <= 0 {
		fail("shutdown_timeout", "must be positive, got %s", c.ShutdownTimeout)
	}
	return issues
}
