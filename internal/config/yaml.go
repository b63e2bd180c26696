package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure. Absent
// fields leave the defaults untouched.
type YAMLConfig struct {
	Receiver  ReceiverYAMLConfig  `yaml:"receiver"`
	Exporter  ExporterYAMLConfig  `yaml:"exporter"`
	Buffer    BufferYAMLConfig    `yaml:"buffer"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
	Log       LogYAMLConfig       `yaml:"log"`
	Memory    MemoryYAMLConfig    `yaml:"memory"`

	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ReceiverYAMLConfig holds receiver configuration.
type ReceiverYAMLConfig struct {
	GRPC           AddressYAMLConfig     `yaml:"grpc"`
	HTTP           AddressYAMLConfig     `yaml:"http"`
	MaxMessageSize ByteSize              `yaml:"max_message_size"`
	ReadTimeout    Duration              `yaml:"read_timeout"`
	TLS            TLSServerYAMLConfig   `yaml:"tls"`
	Auth           CredentialsYAMLConfig `yaml:"auth"`
}

// TLSServerYAMLConfig holds receiver TLS configuration.
type TLSServerYAMLConfig struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert *bool  `yaml:"require_client_cert"`
}

// TLSClientYAMLConfig holds exporter TLS configuration.
type TLSClientYAMLConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify"`
}

// CredentialsYAMLConfig holds bearer or basic credentials.
type CredentialsYAMLConfig struct {
	BearerToken   string `yaml:"bearer_token"`
	BasicUsername string `yaml:"basic_username"`
	BasicPassword string `yaml:"basic_password"`
}

// AddressYAMLConfig holds a listen address.
type AddressYAMLConfig struct {
	Address string `yaml:"address"`
}

// ExporterYAMLConfig holds exporter configuration.
type ExporterYAMLConfig struct {
	Endpoint    string                `yaml:"endpoint"`
	Protocol    string                `yaml:"protocol"`
	Insecure    *bool                 `yaml:"insecure"`
	Timeout     Duration              `yaml:"timeout"`
	Headers     map[string]string     `yaml:"headers"`
	Compression CompressionYAMLConfig `yaml:"compression"`
	HTTPClient  HTTPClientYAMLConfig  `yaml:"http_client"`
	TLS         TLSClientYAMLConfig   `yaml:"tls"`
	Auth        CredentialsYAMLConfig `yaml:"auth"`
	Retry       RetryYAMLConfig       `yaml:"retry"`
}

// RetryYAMLConfig holds the export retry queue configuration.
type RetryYAMLConfig struct {
	Enabled         *bool    `yaml:"enabled"`
	Path            string   `yaml:"path"`
	MaxEntries      int      `yaml:"max_entries"`
	MaxBytes        ByteSize `yaml:"max_bytes"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
}

// CompressionYAMLConfig holds compression configuration.
type CompressionYAMLConfig struct {
	Type  string `yaml:"type"`
	Level int    `yaml:"level"`
}

// HTTPClientYAMLConfig holds HTTP client configuration.
type HTTPClientYAMLConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost      int      `yaml:"max_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// BufferYAMLConfig holds the shared processor settings and per-signal
// overrides.
type BufferYAMLConfig struct {
	BufferSettingsYAML `yaml:",inline"`

	Traces  BufferSettingsYAML `yaml:"traces"`
	Metrics BufferSettingsYAML `yaml:"metrics"`
	Logs    BufferSettingsYAML `yaml:"logs"`
}

// BufferSettingsYAML holds one processor's settings.
type BufferSettingsYAML struct {
	QueueCapacity      int      `yaml:"queue_capacity"`
	MaxExportBatchSize int      `yaml:"max_export_batch_size"`
	ScheduleDelay      Duration `yaml:"schedule_delay"`
	ExportTimeout      Duration `yaml:"export_timeout"`
}

func (b BufferSettingsYAML) settings() BufferSettings {
	return BufferSettings{
		QueueCapacity:      b.QueueCapacity,
		MaxExportBatchSize: b.MaxExportBatchSize,
		ScheduleDelay:      time.Duration(b.ScheduleDelay),
		ExportTimeout:      time.Duration(b.ExportTimeout),
	}
}

// StatsYAMLConfig holds the stats and admin endpoint configuration.
type StatsYAMLConfig struct {
	Address      string   `yaml:"address"`
	FlushTimeout Duration `yaml:"flush_timeout"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring telemetry configuration.
type TelemetryYAMLConfig struct {
	Endpoint        string                   `yaml:"endpoint"` // empty = disabled
	Protocol        string                   `yaml:"protocol"`
	Insecure        *bool                    `yaml:"insecure"`
	Timeout         Duration                 `yaml:"timeout"`
	PushInterval    Duration                 `yaml:"push_interval"`
	Compression     string                   `yaml:"compression"`
	ShutdownTimeout Duration                 `yaml:"shutdown_timeout"`
	Headers         map[string]string        `yaml:"headers"`
	Retry           TelemetryRetryYAMLConfig `yaml:"retry"`
}

// TelemetryRetryYAMLConfig holds telemetry retry configuration.
type TelemetryRetryYAMLConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	Initial     Duration `yaml:"initial"`
	MaxInterval Duration `yaml:"max_interval"`
	MaxElapsed  Duration `yaml:"max_elapsed"`
}

// LogYAMLConfig holds logging configuration.
type LogYAMLConfig struct {
	Level string `yaml:"level"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the share of the container memory limit used for GOMEMLIMIT.
	LimitRatio *float64 `yaml:"limit_ratio"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is an int64 byte count that also accepts Ki, Mi and Gi suffixes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses a plain integer or a value with a Ki, Mi or Gi
// suffix, e.g. "1.5Mi".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	suffixes := []struct {
		name string
		mult int64
	}{
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
	}
	for _, sf := range suffixes {
		if num, ok := strings.CutSuffix(s, sf.name); ok {
			var f float64
			if _, err := fmt.Sscanf(strings.TrimSpace(num), "%g", &f); err != nil || f < 0 {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var (
		n     int64
		trail string
	)
	if c, _ := fmt.Sscanf(s, "%d%s", &n, &trail); c == 2 {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi or Gi suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyTo copies every field set in the file onto cfg.
func (y *YAMLConfig) ApplyTo(cfg *Config) {
	setString(&cfg.GRPCListenAddr, y.Receiver.GRPC.Address)
	setString(&cfg.HTTPListenAddr, y.Receiver.HTTP.Address)
	if y.Receiver.MaxMessageSize > 0 {
		cfg.ReceiverMaxMsgSize = int64(y.Receiver.MaxMessageSize)
	}
	setDuration(&cfg.ReceiverReadTimeout, y.Receiver.ReadTimeout)
	setString(&cfg.ReceiverTLSCertFile, y.Receiver.TLS.CertFile)
	setString(&cfg.ReceiverTLSKeyFile, y.Receiver.TLS.KeyFile)
	setString(&cfg.ReceiverTLSClientCAFile, y.Receiver.TLS.ClientCAFile)
	setBool(&cfg.ReceiverTLSRequireClientCert, y.Receiver.TLS.RequireClientCert)
	setString(&cfg.ReceiverAuthBearerToken, y.Receiver.Auth.BearerToken)
	setString(&cfg.ReceiverAuthBasicUsername, y.Receiver.Auth.BasicUsername)
	setString(&cfg.ReceiverAuthBasicPassword, y.Receiver.Auth.BasicPassword)

	setString(&cfg.StatsAddr, y.Stats.Address)
	setDuration(&cfg.FlushTimeout, y.Stats.FlushTimeout)

	e := y.Exporter
	setString(&cfg.ExporterEndpoint, e.Endpoint)
	setString(&cfg.ExporterProtocol, e.Protocol)
	setBool(&cfg.ExporterInsecure, e.Insecure)
	setDuration(&cfg.ExporterTimeout, e.Timeout)
	if len(e.Headers) > 0 {
		cfg.ExporterHeaders = e.Headers
	}
	setString(&cfg.ExporterCompression, e.Compression.Type)
	setInt(&cfg.ExporterCompressionLevel, e.Compression.Level)
	setInt(&cfg.ExporterMaxIdleConns, e.HTTPClient.MaxIdleConns)
	setInt(&cfg.ExporterMaxIdleConnsPerHost, e.HTTPClient.MaxIdleConnsPerHost)
	setInt(&cfg.ExporterMaxConnsPerHost, e.HTTPClient.MaxConnsPerHost)
	setDuration(&cfg.ExporterIdleConnTimeout, e.HTTPClient.IdleConnTimeout)
	setDuration(&cfg.ExporterHTTP2ReadIdleTimeout, e.HTTPClient.HTTP2ReadIdleTimeout)
	setDuration(&cfg.ExporterHTTP2PingTimeout, e.HTTPClient.HTTP2PingTimeout)
	setString(&cfg.ExporterTLSCAFile, e.TLS.CAFile)
	setString(&cfg.ExporterTLSCertFile, e.TLS.CertFile)
	setString(&cfg.ExporterTLSKeyFile, e.TLS.KeyFile)
	setString(&cfg.ExporterTLSServerName, e.TLS.ServerName)
	setBool(&cfg.ExporterTLSSkipVerify, e.TLS.InsecureSkipVerify)
	setString(&cfg.ExporterAuthBearerToken, e.Auth.BearerToken)
	setString(&cfg.ExporterAuthBasicUsername, e.Auth.BasicUsername)
	setString(&cfg.ExporterAuthBasicPassword, e.Auth.BasicPassword)
	setBool(&cfg.ExporterRetryEnabled, e.Retry.Enabled)
	setString(&cfg.ExporterRetryPath, e.Retry.Path)
	setInt(&cfg.ExporterRetryMaxEntries, e.Retry.MaxEntries)
	if e.Retry.MaxBytes > 0 {
		cfg.ExporterRetryMaxBytes = int64(e.Retry.MaxBytes)
	}
	setDuration(&cfg.ExporterRetryInitialInterval, e.Retry.InitialInterval)
	setDuration(&cfg.ExporterRetryMaxInterval, e.Retry.MaxInterval)

	cfg.Buffer = y.Buffer.settings().over(cfg.Buffer)
	cfg.TracesBuffer = y.Buffer.Traces.settings().over(cfg.TracesBuffer)
	cfg.MetricsBuffer = y.Buffer.Metrics.settings().over(cfg.MetricsBuffer)
	cfg.LogsBuffer = y.Buffer.Logs.settings().over(cfg.LogsBuffer)

	t := y.Telemetry
	setString(&cfg.TelemetryEndpoint, t.Endpoint)
	setString(&cfg.TelemetryProtocol, t.Protocol)
	setBool(&cfg.TelemetryInsecure, t.Insecure)
	setDuration(&cfg.TelemetryTimeout, t.Timeout)
	setDuration(&cfg.TelemetryPushInterval, t.PushInterval)
	setString(&cfg.TelemetryCompression, t.Compression)
	setDuration(&cfg.TelemetryShutdownTimeout, t.ShutdownTimeout)
	if len(t.Headers) > 0 {
		cfg.TelemetryHeaders = t.Headers
	}
	setBool(&cfg.TelemetryRetryEnabled, t.Retry.Enabled)
	setDuration(&cfg.TelemetryRetryInitial, t.Retry.Initial)
	setDuration(&cfg.TelemetryRetryMaxInterval, t.Retry.MaxInterval)
	setDuration(&cfg.TelemetryRetryMaxElapsed, t.Retry.MaxElapsed)

	setString(&cfg.LogLevel, y.Log.Level)
	if y.Memory.LimitRatio != nil {
		cfg.MemoryLimitRatio = *y.Memory.LimitRatio
	}
	setDuration(&cfg.ShutdownTimeout, y.ShutdownTimeout)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
