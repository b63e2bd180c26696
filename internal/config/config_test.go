package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szibis/telemetry-forwarder/internal/buffer"
	"github.com/szibis/telemetry-forwarder/internal/compression"
	"github.com/szibis/telemetry-forwarder/internal/exporter"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	b := cfg.BufferConfig(exporter.SignalTraces)
	want := buffer.Config{
		Name:               "traces",
		QueueCapacity:      2048,
		MaxExportBatchSize: 512,
		ScheduleDelay:      5 * time.Second,
		ExportTimeout:      30 * time.Second,
	}
	if b != want {
		t.Errorf("BufferConfig(traces) = %+v, want %+v", b, want)
	}
	if cfg.GRPCListenAddr != ":4317" || cfg.HTTPListenAddr != ":4318" || cfg.StatsAddr != ":9090" {
		t.Errorf("unexpected listen addresses %s %s %s", cfg.GRPCListenAddr, cfg.HTTPListenAddr, cfg.StatsAddr)
	}
}

func TestLoad_FlagsOnly(t *testing.T) {
	cfg, err := Load([]string{
		"-exporter-endpoint", "collector:4317",
		"-queue-capacity", "100",
		"-max-export-batch-size", "10",
		"-schedule-delay", "250ms",
		"-exporter-headers", "x-tenant=a, authorization=Bearer t",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ExporterEndpoint != "collector:4317" {
		t.Errorf("ExporterEndpoint = %q", cfg.ExporterEndpoint)
	}
	b := cfg.BufferConfig(exporter.SignalLogs)
	if b.QueueCapacity != 100 || b.MaxExportBatchSize != 10 || b.ScheduleDelay != 250*time.Millisecond {
		t.Errorf("BufferConfig(logs) = %+v", b)
	}
	if cfg.ExporterHeaders["authorization"] != "Bearer t" || cfg.ExporterHeaders["x-tenant"] != "a" {
		t.Errorf("ExporterHeaders = %v", cfg.ExporterHeaders)
	}
}

func TestLoad_YAMLThenFlags(t *testing.T) {
	path := writeConfig(t, `
receiver:
  grpc:
    address: ":14317"
  max_message_size: 8Mi
exporter:
  endpoint: "https://otlp.example.com"
  protocol: http
  insecure: false
  compression:
    type: zstd
buffer:
  queue_capacity: 4096
  schedule_delay: 1s
  traces:
    max_export_batch_size: 1024
  logs:
    queue_capacity: 512
log:
  level: debug
`)
	cfg, err := Load([]string{"-config", path, "-schedule-delay", "2s", "-exporter-insecure=true"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.GRPCListenAddr != ":14317" {
		t.Errorf("GRPCListenAddr = %q", cfg.GRPCListenAddr)
	}
	if cfg.HTTPListenAddr != ":4318" {
		t.Errorf("HTTPListenAddr = %q, want default", cfg.HTTPListenAddr)
	}
	if cfg.ReceiverMaxMsgSize != 8<<20 {
		t.Errorf("ReceiverMaxMsgSize = %d", cfg.ReceiverMaxMsgSize)
	}
	if !cfg.ExporterInsecure {
		t.Error("explicit flag should override exporter.insecure from the file")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}

	traces := cfg.BufferConfig(exporter.SignalTraces)
	if traces.QueueCapacity != 4096 || traces.MaxExportBatchSize != 1024 || traces.ScheduleDelay != 2*time.Second {
		t.Errorf("traces buffer = %+v", traces)
	}
	logs := cfg.BufferConfig(exporter.SignalLogs)
	if logs.QueueCapacity != 512 || logs.MaxExportBatchSize != 512 {
		t.Errorf("logs buffer = %+v", logs)
	}
	metrics := cfg.BufferConfig(exporter.SignalMetrics)
	if metrics.Name != "metrics" || metrics.QueueCapacity != 4096 {
		t.Errorf("metrics buffer = %+v", metrics)
	}

	exp, err := cfg.ExporterConfig()
	if err != nil {
		t.Fatalf("ExporterConfig: %v", err)
	}
	if exp.Protocol != exporter.ProtocolHTTP || exp.Compression.Type != compression.TypeZstd {
		t.Errorf("ExporterConfig = %+v", exp)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("expected error for a missing config file")
	}
	if _, err := Load([]string{"-no-such-flag"}); err == nil {
		t.Error("expected error for an unknown flag")
	}
	if _, err := Load([]string{"-exporter-headers", "novalue"}); err == nil {
		t.Error("expected error for a malformed header")
	}
	path := writeConfig(t, "buffer:\n  queue_size: 10\n")
	if _, err := Load([]string{"-config", path}); err == nil {
		t.Error("expected error for an unknown YAML key")
	}
}

func TestParseYAML_Empty(t *testing.T) {
	y, err := ParseYAML(nil)
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	cfg := DefaultConfig()
	y.ApplyTo(cfg)
	if cfg.Buffer != DefaultConfig().Buffer {
		t.Errorf("empty file changed buffer settings: %+v", cfg.Buffer)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"1024", 1024, false},
		{"4Ki", 4096, false},
		{"1.5Mi", 3 << 19, false},
		{"2Gi", 2 << 30, false},
		{"256MB", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseByteSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"empty endpoint", func(c *Config) { c.ExporterEndpoint = "" }, "exporter.endpoint"},
		{"bad protocol", func(c *Config) { c.ExporterProtocol = "udp" }, "exporter.protocol"},
		{"bad compression", func(c *Config) { c.ExporterCompression = "brotli" }, "exporter.compression.type"},
		{"grpc snappy", func(c *Config) { c.ExporterCompression = "snappy" }, "exporter.compression.type"},
		{"negative capacity", func(c *Config) { c.MetricsBuffer.QueueCapacity = -1 }, "buffer.metrics"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log.level"},
		{"memory ratio", func(c *Config) { c.MemoryLimitRatio = 1.5 }, "memory.limit_ratio"},
		{"telemetry protocol", func(c *Config) {
			c.TelemetryEndpoint = "localhost:4317"
			c.TelemetryProtocol = "tcp"
		}, "telemetry.protocol"},
		{"no shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"receiver cert without key", func(c *Config) { c.ReceiverTLSCertFile = "tls.crt" }, "receiver.tls.key_file"},
		{"basic user without password", func(c *Config) { c.ReceiverAuthBasicUsername = "u" }, "receiver.auth.basic_password"},
		{"exporter key without cert", func(c *Config) { c.ExporterTLSKeyFile = "k.pem" }, "exporter.tls"},
		{"retry without path", func(c *Config) {
			c.ExporterRetryEnabled = true
			c.ExporterRetryPath = ""
		}, "exporter.retry.path"},
		{"retry intervals inverted", func(c *Config) {
			c.ExporterRetryEnabled = true
			c.ExporterRetryInitialInterval = time.Hour
		}, "exporter.retry.initial_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestCheck_Warnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TracesBuffer.MaxExportBatchSize = 4096
	cfg.ExporterTimeout = time.Minute

	if err := cfg.Validate(); err != nil {
		t.Fatalf("warnings must not fail validation: %v", err)
	}
	var fields []string
	for _, issue := range cfg.Check() {
		if issue.Severity == SeverityWarning {
			fields = append(fields, issue.Field)
		}
	}
	joined := strings.Join(fields, ",")
	if !strings.Contains(joined, "buffer.traces.max_export_batch_size") || !strings.Contains(joined, "exporter.timeout") {
		t.Errorf("warnings = %v", fields)
	}
}

func TestValidateFile(t *testing.T) {
	good := ValidateFile(writeConfig(t, "exporter:\n  endpoint: collector:4317\n"))
	if !good.Valid {
		t.Errorf("expected valid, got %s", good.JSON())
	}

	bad := ValidateFile(writeConfig(t, "exporter:\n  protocol: carrier-pigeon\n"))
	if bad.Valid {
		t.Error("expected invalid result")
	}
	if !strings.Contains(bad.JSON(), `"exporter.protocol"`) {
		t.Errorf("JSON missing field: %s", bad.JSON())
	}

	missing := ValidateFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if missing.Valid || len(missing.Issues) != 1 || missing.Issues[0].Field != "file" {
		t.Errorf("missing file result = %+v", missing)
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TelemetryEndpoint = "otel:4317"
	cfg.TelemetryRetryInitial = 2 * time.Second

	tc := cfg.TelemetryConfig()
	if tc.Endpoint != "otel:4317" || !tc.Retry.Enabled || tc.Retry.InitialInterval != 2*time.Second {
		t.Errorf("TelemetryConfig = %+v", tc)
	}
	if tc.PushInterval != 30*time.Second || tc.ShutdownTimeout != 5*time.Second {
		t.Errorf("TelemetryConfig defaults = %+v", tc)
	}
}

func TestReceiverConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReceiverMaxMsgSize = 1 << 20
	cfg.ReceiverAuthBearerToken = "s3cret"

	g, err := cfg.GRPCReceiverConfig()
	if err != nil {
		t.Fatalf("GRPCReceiverConfig: %v", err)
	}
	if g.Addr != ":4317" || g.MaxRecvMsgSize != 1<<20 || g.TLS != nil || !g.Auth.Enabled() {
		t.Errorf("GRPCReceiverConfig = %+v", g)
	}
	h, err := cfg.HTTPReceiverConfig()
	if err != nil {
		t.Fatalf("HTTPReceiverConfig: %v", err)
	}
	if h.Addr != ":4318" || h.MaxBodySize != 1<<20 || h.ReadTimeout != 30*time.Second || h.Auth.BearerToken != "s3cret" {
		t.Errorf("HTTPReceiverConfig = %+v", h)
	}

	cfg.ReceiverTLSCertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.ReceiverTLSKeyFile = cfg.ReceiverTLSCertFile
	if _, err := cfg.GRPCReceiverConfig(); err == nil {
		t.Error("expected error for a missing receiver certificate")
	}
}

func TestExporterConfig_Credentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExporterHeaders = map[string]string{"x-tenant": "a"}
	cfg.ExporterAuthBearerToken = "tok"

	exp, err := cfg.ExporterConfig()
	if err != nil {
		t.Fatalf("ExporterConfig: %v", err)
	}
	if exp.Headers["authorization"] != "Bearer tok" || exp.Headers["x-tenant"] != "a" {
		t.Errorf("Headers = %v", exp.Headers)
	}
	if exp.TLS != nil {
		t.Error("insecure exporter should not carry TLS settings")
	}

	cfg.ExporterInsecure = false
	cfg.ExporterTLSServerName = "collector.internal"
	exp, err = cfg.ExporterConfig()
	if err != nil {
		t.Fatalf("ExporterConfig: %v", err)
	}
	if exp.TLS == nil || exp.TLS.ServerName != "collector.internal" {
		t.Errorf("TLS = %+v", exp.TLS)
	}

	cfg.ExporterTLSCAFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := cfg.ExporterConfig(); err == nil {
		t.Error("expected error for a missing CA file")
	}
}

func TestLoad_SecurityYAML(t *testing.T) {
	path := writeConfig(t, `
receiver:
  tls:
    cert_file: /etc/forwarder/tls.crt
    key_file: /etc/forwarder/tls.key
    require_client_cert: true
    client_ca_file: /etc/forwarder/ca.crt
  auth:
    bearer_token: inbound
exporter:
  insecure: false
  tls:
    server_name: backend
    insecure_skip_verify: true
  auth:
    basic_username: fwd
    basic_password: pw
`)
	cfg, err := Load([]string{"-config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReceiverTLSCertFile != "/etc/forwarder/tls.crt" || !cfg.ReceiverTLSRequireClientCert || cfg.ReceiverAuthBearerToken != "inbound" {
		t.Errorf("receiver security = %+v", cfg)
	}
	if cfg.ExporterInsecure || !cfg.ExporterTLSSkipVerify || cfg.ExporterTLSServerName != "backend" || cfg.ExporterAuthBasicUsername != "fwd" {
		t.Errorf("exporter security = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_RetryYAML(t *testing.T) {
	path := writeConfig(t, `
exporter:
  retry:
    enabled: true
    path: /var/lib/forwarder/retry
    max_entries: 500
    max_bytes: 64Mi
    initial_interval: 2s
    max_interval: 1m
`)
	cfg, err := Load([]string{"-config", path, "-exporter-retry-max-entries", "750"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cfg.ExporterRetryEnabled {
		t.Error("ExporterRetryEnabled = false")
	}

	rc := cfg.RetryConfig()
	if rc.Path != "/var/lib/forwarder/retry" || rc.MaxEntries != 750 || rc.MaxBytes != 64<<20 {
		t.Errorf("RetryConfig = %+v", rc)
	}
	if rc.InitialInterval != 2*time.Second || rc.MaxInterval != time.Minute {
		t.Errorf("RetryConfig intervals = %s/%s", rc.InitialInterval, rc.MaxInterval)
	}
	if rc.ExportTimeout != cfg.ExporterTimeout {
		t.Errorf("RetryConfig.ExportTimeout = %s, want %s", rc.ExportTimeout, cfg.ExporterTimeout)
	}
}

func TestRetryDisabledByDefault(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ExporterRetryEnabled {
		t.Error("retry enabled by default")
	}
	cfg.ExporterRetryPath = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty retry path rejected while retry is off: %v", err)
	}
}
