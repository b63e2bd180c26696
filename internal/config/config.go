// Package config loads the forwarder configuration from defaults, an
// optional YAML file and command line flags, in that order of precedence.
package config

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/szibis/telemetry-forwarder/internal/auth"
	"github.com/szibis/telemetry-forwarder/internal/buffer"
	"github.com/szibis/telemetry-forwarder/internal/compression"
	"github.com/szibis/telemetry-forwarder/internal/exporter"
	"github.com/szibis/telemetry-forwarder/internal/pipeline"
	"github.com/szibis/telemetry-forwarder/internal/receiver"
	"github.com/szibis/telemetry-forwarder/internal/telemetry"
	tlspkg "github.com/szibis/telemetry-forwarder/internal/tls"
)

// BufferSettings configures one batching processor. Zero fields inherit
// from the shared buffer settings, then from the processor defaults.
type BufferSettings struct {
	QueueCapacity      int
	MaxExportBatchSize int
	ScheduleDelay      time.Duration
	ExportTimeout      time.Duration
}

func (b BufferSettings) over(base BufferSettings) BufferSettings {
	if b.QueueCapacity == 0 {
		b.QueueCapacity = base.QueueCapacity
	}
	if b.MaxExportBatchSize == 0 {
		b.MaxExportBatchSize = base.MaxExportBatchSize
	}
	if b.ScheduleDelay == 0 {
		b.ScheduleDelay = base.ScheduleDelay
	}
	if b.ExportTimeout == 0 {
		b.ExportTimeout = base.ExportTimeout
	}
	return b
}

// Config holds the application configuration.
type Config struct {
	ConfigFile string

	// Receiver settings
	GRPCListenAddr      string
	HTTPListenAddr      string
	ReceiverMaxMsgSize  int64
	ReceiverReadTimeout time.Duration

	// Receiver TLS and authentication
	ReceiverTLSCertFile          string
	ReceiverTLSKeyFile           string
	ReceiverTLSClientCAFile      string
	ReceiverTLSRequireClientCert bool
	ReceiverAuthBearerToken      string
	ReceiverAuthBasicUsername    string
	ReceiverAuthBasicPassword    string

	// Stats, health and admin endpoints
	StatsAddr    string
	FlushTimeout time.Duration

	// Exporter settings
	ExporterEndpoint         string
	ExporterProtocol         string
	ExporterInsecure         bool
	ExporterTimeout          time.Duration
	ExporterHeaders          map[string]string
	ExporterCompression      string
	ExporterCompressionLevel int

	// Exporter HTTP client settings
	ExporterMaxIdleConns         int
	ExporterMaxIdleConnsPerHost  int
	ExporterMaxConnsPerHost      int
	ExporterIdleConnTimeout      time.Duration
	ExporterHTTP2ReadIdleTimeout time.Duration
	ExporterHTTP2PingTimeout     time.Duration

	// Exporter TLS (unused when insecure) and authentication
	ExporterTLSCAFile         string
	ExporterTLSCertFile       string
	ExporterTLSKeyFile        string
	ExporterTLSServerName     string
	ExporterTLSSkipVerify     bool
	ExporterAuthBearerToken   string
	ExporterAuthBasicUsername string
	ExporterAuthBasicPassword string

	// Disk-backed retry of batches that failed with a retryable error
	ExporterRetryEnabled         bool
	ExporterRetryPath            string
	ExporterRetryMaxEntries      int
	ExporterRetryMaxBytes        int64
	ExporterRetryInitialInterval time.Duration
	ExporterRetryMaxInterval     time.Duration

	// Buffer holds the settings shared by all signals; the per-signal
	// blocks override individual fields.
	Buffer        BufferSettings
	TracesBuffer  BufferSettings
	MetricsBuffer BufferSettings
	LogsBuffer    BufferSettings

	// Self telemetry
	TelemetryEndpoint         string
	TelemetryProtocol         string
	TelemetryInsecure         bool
	TelemetryTimeout          time.Duration
	TelemetryPushInterval     time.Duration
	TelemetryCompression      string
	TelemetryHeaders          map[string]string
	TelemetryShutdownTimeout  time.Duration
	TelemetryRetryEnabled     bool
	TelemetryRetryInitial     time.Duration
	TelemetryRetryMaxInterval time.Duration
	TelemetryRetryMaxElapsed  time.Duration

	LogLevel         string
	MemoryLimitRatio float64
	ShutdownTimeout  time.Duration

	// Flags
	ShowHelp     bool
	ShowVersion  bool
	ValidateOnly bool
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		GRPCListenAddr:      ":4317",
		HTTPListenAddr:      ":4318",
		ReceiverMaxMsgSize:  receiver.DefaultMaxMessageSize,
		ReceiverReadTimeout: 30 * time.Second,

		StatsAddr:    ":9090",
		FlushTimeout: pipeline.DefaultFlushTimeout,

		ExporterEndpoint:    "localhost:4317",
		ExporterProtocol:    string(exporter.ProtocolGRPC),
		ExporterInsecure:    true,
		ExporterTimeout:     30 * time.Second,
		ExporterCompression: string(compression.TypeNone),

		ExporterMaxIdleConns:        100,
		ExporterMaxIdleConnsPerHost: 100,
		ExporterIdleConnTimeout:     90 * time.Second,

		ExporterRetryPath:            "./data/retry",
		ExporterRetryMaxEntries:      10000,
		ExporterRetryMaxBytes:        1 << 30,
		ExporterRetryInitialInterval: 5 * time.Second,
		ExporterRetryMaxInterval:     5 * time.Minute,

		Buffer: BufferSettings{
			QueueCapacity:      buffer.DefaultQueueCapacity,
			MaxExportBatchSize: buffer.DefaultMaxExportBatchSize,
			ScheduleDelay:      buffer.DefaultScheduleDelay,
			ExportTimeout:      buffer.DefaultExportTimeout,
		},

		TelemetryProtocol:        "grpc",
		TelemetryInsecure:        true,
		TelemetryPushInterval:    30 * time.Second,
		TelemetryShutdownTimeout: 5 * time.Second,
		TelemetryRetryEnabled:    true,

		LogLevel:         "info",
		MemoryLimitRatio: 0.9,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Load builds the configuration from args (without the program name).
// Values from the -config file override defaults and explicitly set flags
// override the file.
func Load(args []string) (*Config, error) {
	// first pass only locates the config file
	located := DefaultConfig()
	if err := newFlagSet(located, io.Discard).Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if located.ConfigFile != "" {
		y, err := LoadYAML(located.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", located.ConfigFile, err)
		}
		y.ApplyTo(cfg)
		cfg.ConfigFile = located.ConfigFile
	}
	if err := newFlagSet(cfg, io.Discard).Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Usage writes the flag help text to w.
func Usage(w io.Writer) {
	fs := newFlagSet(DefaultConfig(), w)
	fmt.Fprintf(w, "Usage of telemetry-forwarder:\n")
	fs.PrintDefaults()
}

func newFlagSet(cfg *Config, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("telemetry-forwarder", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Path to YAML configuration file")
	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate the configuration and exit")

	// Receiver flags
	fs.StringVar(&cfg.GRPCListenAddr, "grpc-listen", cfg.GRPCListenAddr, "OTLP gRPC receiver listen address")
	fs.StringVar(&cfg.HTTPListenAddr, "http-listen", cfg.HTTPListenAddr, "OTLP HTTP receiver listen address")
	fs.Int64Var(&cfg.ReceiverMaxMsgSize, "receiver-max-message-size", cfg.ReceiverMaxMsgSize, "Max request size in bytes, before and after decompression")
	fs.DurationVar(&cfg.ReceiverReadTimeout, "receiver-read-timeout", cfg.ReceiverReadTimeout, "HTTP receiver read timeout")
	fs.StringVar(&cfg.ReceiverTLSCertFile, "receiver-tls-cert", cfg.ReceiverTLSCertFile, "Receiver TLS certificate file (enables TLS)")
	fs.StringVar(&cfg.ReceiverTLSKeyFile, "receiver-tls-key", cfg.ReceiverTLSKeyFile, "Receiver TLS private key file")
	fs.StringVar(&cfg.ReceiverTLSClientCAFile, "receiver-tls-client-ca", cfg.ReceiverTLSClientCAFile, "CA file for verifying client certificates (mTLS)")
	fs.BoolVar(&cfg.ReceiverTLSRequireClientCert, "receiver-tls-require-client-cert", cfg.ReceiverTLSRequireClientCert, "Reject clients without a certificate")
	fs.StringVar(&cfg.ReceiverAuthBearerToken, "receiver-auth-bearer-token", cfg.ReceiverAuthBearerToken, "Bearer token required from senders")
	fs.StringVar(&cfg.ReceiverAuthBasicUsername, "receiver-auth-basic-username", cfg.ReceiverAuthBasicUsername, "Basic auth username required from senders")
	fs.StringVar(&cfg.ReceiverAuthBasicPassword, "receiver-auth-basic-password", cfg.ReceiverAuthBasicPassword, "Basic auth password required from senders")

	// Stats flags
	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Listen address for /metrics, /live, /ready and /flush")
	fs.DurationVar(&cfg.FlushTimeout, "flush-timeout", cfg.FlushTimeout, "Default wait for POST /flush")

	// Exporter flags
	fs.StringVar(&cfg.ExporterEndpoint, "exporter-endpoint", cfg.ExporterEndpoint, "OTLP exporter endpoint (host:port or URL)")
	fs.StringVar(&cfg.ExporterProtocol, "exporter-protocol", cfg.ExporterProtocol, "Exporter protocol: grpc or http")
	fs.BoolVar(&cfg.ExporterInsecure, "exporter-insecure", cfg.ExporterInsecure, "Use insecure connection (no TLS) for exporter")
	fs.DurationVar(&cfg.ExporterTimeout, "exporter-timeout", cfg.ExporterTimeout, "Exporter request timeout")
	fs.Var(headersValue{&cfg.ExporterHeaders}, "exporter-headers", "Headers sent with every export (format: key1=value1,key2=value2)")
	fs.StringVar(&cfg.ExporterCompression, "exporter-compression", cfg.ExporterCompression, "Compression: none, gzip, zstd, snappy, zlib, deflate, lz4 (gRPC: none, gzip, zstd)")
	fs.IntVar(&cfg.ExporterCompressionLevel, "exporter-compression-level", cfg.ExporterCompressionLevel, "Compression level (algorithm-specific, 0 for default)")
	fs.IntVar(&cfg.ExporterMaxIdleConns, "exporter-max-idle-conns", cfg.ExporterMaxIdleConns, "HTTP exporter max idle connections")
	fs.IntVar(&cfg.ExporterMaxIdleConnsPerHost, "exporter-max-idle-conns-per-host", cfg.ExporterMaxIdleConnsPerHost, "HTTP exporter max idle connections per host")
	fs.IntVar(&cfg.ExporterMaxConnsPerHost, "exporter-max-conns-per-host", cfg.ExporterMaxConnsPerHost, "HTTP exporter max connections per host (0 = unlimited)")
	fs.DurationVar(&cfg.ExporterIdleConnTimeout, "exporter-idle-conn-timeout", cfg.ExporterIdleConnTimeout, "HTTP exporter idle connection timeout")
	fs.DurationVar(&cfg.ExporterHTTP2ReadIdleTimeout, "exporter-http2-read-idle-timeout", cfg.ExporterHTTP2ReadIdleTimeout, "HTTP/2 health check ping interval (0 = disabled)")
	fs.DurationVar(&cfg.ExporterHTTP2PingTimeout, "exporter-http2-ping-timeout", cfg.ExporterHTTP2PingTimeout, "HTTP/2 health check ping timeout")
	fs.StringVar(&cfg.ExporterTLSCAFile, "exporter-tls-ca", cfg.ExporterTLSCAFile, "CA file for verifying the backend")
	fs.StringVar(&cfg.ExporterTLSCertFile, "exporter-tls-cert", cfg.ExporterTLSCertFile, "Client certificate file (mTLS)")
	fs.StringVar(&cfg.ExporterTLSKeyFile, "exporter-tls-key", cfg.ExporterTLSKeyFile, "Client private key file (mTLS)")
	fs.StringVar(&cfg.ExporterTLSServerName, "exporter-tls-server-name", cfg.ExporterTLSServerName, "Override the server name used for verification")
	fs.BoolVar(&cfg.ExporterTLSSkipVerify, "exporter-tls-skip-verify", cfg.ExporterTLSSkipVerify, "Skip backend certificate verification")
	fs.StringVar(&cfg.ExporterAuthBearerToken, "exporter-auth-bearer-token", cfg.ExporterAuthBearerToken, "Bearer token sent to the backend")
	fs.StringVar(&cfg.ExporterAuthBasicUsername, "exporter-auth-basic-username", cfg.ExporterAuthBasicUsername, "Basic auth username sent to the backend")
	fs.StringVar(&cfg.ExporterAuthBasicPassword, "exporter-auth-basic-password", cfg.ExporterAuthBasicPassword, "Basic auth password sent to the backend")
	fs.BoolVar(&cfg.ExporterRetryEnabled, "exporter-retry", cfg.ExporterRetryEnabled, "Keep batches that failed with a retryable error on disk and resend them")
	fs.StringVar(&cfg.ExporterRetryPath, "exporter-retry-path", cfg.ExporterRetryPath, "Directory of the export retry queues")
	fs.IntVar(&cfg.ExporterRetryMaxEntries, "exporter-retry-max-entries", cfg.ExporterRetryMaxEntries, "Max batches kept per signal for retry")
	fs.Int64Var(&cfg.ExporterRetryMaxBytes, "exporter-retry-max-bytes", cfg.ExporterRetryMaxBytes, "Max on-disk bytes per signal retry queue")
	fs.DurationVar(&cfg.ExporterRetryInitialInterval, "exporter-retry-initial-interval", cfg.ExporterRetryInitialInterval, "First delay before resending a failed batch")
	fs.DurationVar(&cfg.ExporterRetryMaxInterval, "exporter-retry-max-interval", cfg.ExporterRetryMaxInterval, "Cap on the resend backoff delay")

	// Buffer flags apply to every signal
	fs.IntVar(&cfg.Buffer.QueueCapacity, "queue-capacity", cfg.Buffer.QueueCapacity, "Records held per signal before new ones are dropped")
	fs.IntVar(&cfg.Buffer.MaxExportBatchSize, "max-export-batch-size", cfg.Buffer.MaxExportBatchSize, "Max records per export batch")
	fs.DurationVar(&cfg.Buffer.ScheduleDelay, "schedule-delay", cfg.Buffer.ScheduleDelay, "Max wait before a non-full batch is exported")
	fs.DurationVar(&cfg.Buffer.ExportTimeout, "export-timeout", cfg.Buffer.ExportTimeout, "Bound on a single batch export")

	// Telemetry flags
	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", cfg.TelemetryEndpoint, "OTLP endpoint for self telemetry (empty = disabled)")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "Self telemetry protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use insecure connection for self telemetry")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "Self telemetry metric push interval")
	fs.StringVar(&cfg.TelemetryCompression, "telemetry-compression", cfg.TelemetryCompression, "Self telemetry compression: gzip or empty")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of the container memory limit used for GOMEMLIMIT (0 = disabled)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Max time to drain the pipeline on shutdown")

	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version (shorthand)")
	return fs
}

// headersValue is a flag.Value for key1=value1,key2=value2 lists.
type headersValue struct {
	m *map[string]string
}

func (h headersValue) String() string {
	if h.m == nil {
		return ""
	}
	return formatHeaders(*h.m)
}

func (h headersValue) Set(s string) error {
	parsed, err := parseHeaders(s)
	if err != nil {
		return err
	}
	*h.m = parsed
	return nil
}

func parseHeaders(s string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid header %q, want key=value", pair)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers, nil
}

func formatHeaders(headers map[string]string) string {
	pairs := make([]string, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// BufferConfig returns the processor configuration for signal.
func (c *Config) BufferConfig(signal exporter.Signal) buffer.Config {
	var s BufferSettings
	switch signal {
	case exporter.SignalTraces:
		s = c.TracesBuffer
	case exporter.SignalMetrics:
		s = c.MetricsBuffer
	case exporter.SignalLogs:
		s = c.LogsBuffer
	}
	s = s.over(c.Buffer)
	return buffer.Config{
		Name:               string(signal),
		QueueCapacity:      s.QueueCapacity,
		MaxExportBatchSize: s.MaxExportBatchSize,
		ScheduleDelay:      s.ScheduleDelay,
		ExportTimeout:      s.ExportTimeout,
	}
}

// PipelineConfig returns the processor configuration for all signals.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Traces:  c.BufferConfig(exporter.SignalTraces),
		Metrics: c.BufferConfig(exporter.SignalMetrics),
		Logs:    c.BufferConfig(exporter.SignalLogs),
	}
}

// ExporterConfig returns the OTLP exporter configuration. Credentials are
// merged into the request headers.
func (c *Config) ExporterConfig() (exporter.Config, error) {
	typ, err := compression.ParseType(c.ExporterCompression)
	if err != nil {
		return exporter.Config{}, err
	}
	var tlsCfg *tls.Config
	if !c.ExporterInsecure {
		tlsCfg, err = tlspkg.ClientConfig{
			CAFile:             c.ExporterTLSCAFile,
			CertFile:           c.ExporterTLSCertFile,
			KeyFile:            c.ExporterTLSKeyFile,
			ServerName:         c.ExporterTLSServerName,
			InsecureSkipVerify: c.ExporterTLSSkipVerify,
		}.Build()
		if err != nil {
			return exporter.Config{}, err
		}
	}
	creds := auth.ClientConfig{
		BearerToken:   c.ExporterAuthBearerToken,
		BasicUsername: c.ExporterAuthBasicUsername,
		BasicPassword: c.ExporterAuthBasicPassword,
	}
	return exporter.Config{
		Endpoint: c.ExporterEndpoint,
		Protocol: exporter.Protocol(c.ExporterProtocol),
		Insecure: c.ExporterInsecure,
		TLS:      tlsCfg,
		Timeout:  c.ExporterTimeout,
		Headers:  creds.Headers(c.ExporterHeaders),
		Compression: compression.Config{
			Type:  typ,
			Level: compression.Level(c.ExporterCompressionLevel),
		},
		HTTPClient: exporter.HTTPClientConfig{
			MaxIdleConns:         c.ExporterMaxIdleConns,
			MaxIdleConnsPerHost:  c.ExporterMaxIdleConnsPerHost,
			MaxConnsPerHost:      c.ExporterMaxConnsPerHost,
			IdleConnTimeout:      c.ExporterIdleConnTimeout,
			HTTP2ReadIdleTimeout: c.ExporterHTTP2ReadIdleTimeout,
			HTTP2PingTimeout:     c.ExporterHTTP2PingTimeout,
		},
	}, nil
}

// RetryConfig returns the export retry queue configuration.
func (c *Config) RetryConfig() exporter.RetryConfig {
	return exporter.RetryConfig{
		Path:            c.ExporterRetryPath,
		MaxEntries:      c.ExporterRetryMaxEntries,
		MaxBytes:        c.ExporterRetryMaxBytes,
		InitialInterval: c.ExporterRetryInitialInterval,
		MaxInterval:     c.ExporterRetryMaxInterval,
		ExportTimeout:   c.ExporterTimeout,
	}
}

func (c *Config) receiverTLS() (*tls.Config, error) {
	return tlspkg.ServerConfig{
		CertFile:          c.ReceiverTLSCertFile,
		KeyFile:           c.ReceiverTLSKeyFile,
		ClientCAFile:      c.ReceiverTLSClientCAFile,
		RequireClientCert: c.ReceiverTLSRequireClientCert,
	}.Build()
}

func (c *Config) receiverAuth() auth.ServerConfig {
	return auth.ServerConfig{
		BearerToken:   c.ReceiverAuthBearerToken,
		BasicUsername: c.ReceiverAuthBasicUsername,
		BasicPassword: c.ReceiverAuthBasicPassword,
	}
}

// GRPCReceiverConfig returns the gRPC receiver configuration.
func (c *Config) GRPCReceiverConfig() (receiver.GRPCConfig, error) {
	tlsCfg, err := c.receiverTLS()
	if err != nil {
		return receiver.GRPCConfig{}, err
	}
	return receiver.GRPCConfig{
		Addr:           c.GRPCListenAddr,
		MaxRecvMsgSize: int(c.ReceiverMaxMsgSize),
		TLS:            tlsCfg,
		Auth:           c.receiverAuth(),
	}, nil
}

// HTTPReceiverConfig returns the HTTP receiver configuration.
func (c *Config) HTTPReceiverConfig() (receiver.HTTPConfig, error) {
	tlsCfg, err := c.receiverTLS()
	if err != nil {
		return receiver.HTTPConfig{}, err
	}
	return receiver.HTTPConfig{
		Addr:        c.HTTPListenAddr,
		MaxBodySize: c.ReceiverMaxMsgSize,
		ReadTimeout: c.ReceiverReadTimeout,
		TLS:         tlsCfg,
		Auth:        c.receiverAuth(),
	}, nil
}

// TelemetryConfig returns the self telemetry configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        c.TelemetryProtocol,
		Insecure:        c.TelemetryInsecure,
		Timeout:         c.TelemetryTimeout,
		PushInterval:    c.TelemetryPushInterval,
		Compression:     c.TelemetryCompression,
		Headers:         c.TelemetryHeaders,
		ShutdownTimeout: c.TelemetryShutdownTimeout,
		Retry: telemetry.RetryConfig{
			Enabled:         c.TelemetryRetryEnabled,
			InitialInterval: c.TelemetryRetryInitial,
			MaxInterval:     c.TelemetryRetryMaxInterval,
			MaxElapsedTime:  c.TelemetryRetryMaxElapsed,
		},
	}
}
