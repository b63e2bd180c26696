// Package exporter ships OTLP traces, metrics and logs to a downstream
// collector over gRPC or HTTP.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/szibis/telemetry-forwarder/internal/buffer"
	"github.com/szibis/telemetry-forwarder/internal/compression"
	"github.com/szibis/telemetry-forwarder/internal/logging"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// Signal names one OTLP data type.
type Signal string

const (
	SignalTraces  Signal = "traces"
	SignalMetrics Signal = "metrics"
	SignalLogs    Signal = "logs"
)

// Signals lists every signal in a stable order.
var Signals = []Signal{SignalTraces, SignalMetrics, SignalLogs}

// Path returns the OTLP/HTTP path of the signal, e.g. /v1/traces.
func (s Signal) Path() string {
	return "/v1/" + string(s)
}

// Protocol is the OTLP transport.
type Protocol string

const (
	ProtocolGRPC Protocol = "grpc"
	ProtocolHTTP Protocol = "http"
)

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "localhost:4318"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 64 * 1024
	maxMessageLen    = 512
)

// HTTPClientConfig tunes the HTTP transport's connection pool.
type HTTPClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	// HTTP2ReadIdleTimeout enables HTTP/2 health-check pings when set.
	HTTP2ReadIdleTimeout time.Duration
	HTTP2PingTimeout     time.Duration
}

// Config holds the exporter configuration.
type Config struct {
	// Endpoint is host:port for gRPC, or a URL (scheme optional) for HTTP.
	Endpoint string
	Protocol Protocol
	// Insecure disables TLS.
	Insecure bool
	// TLS overrides the default client TLS settings when TLS is on.
	TLS *tls.Config
	// Timeout bounds one export request. Zero leaves only the caller's deadline.
	Timeout time.Duration
	// Headers are sent with every request (gRPC metadata or HTTP headers).
	Headers     map[string]string
	Compression compression.Config
	HTTPClient  HTTPClientConfig

	dialOptions []grpc.DialOption
}

// Exporter sends OTLP export requests for all three signals over one
// connection.
type Exporter struct {
	protocol Protocol
	timeout  time.Duration
	headers  map[string]string
	comp     compression.Config

	conn      *grpc.ClientConn
	callOpts  []grpc.CallOption
	traces    coltracepb.TraceServiceClient
	metrics   colmetricspb.MetricsServiceClient
	logs      collogspb.LogsServiceClient
	grpcLabel string

	httpClient *http.Client
	baseURL    string

	partialLogs map[Signal]*logging.OperationLogger
}

// New creates an exporter. gRPC connections are established lazily.
func New(cfg Config) (*Exporter, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}

	e := &Exporter{
		protocol:    cfg.Protocol,
		timeout:     cfg.Timeout,
		headers:     cfg.Headers,
		comp:        cfg.Compression,
		partialLogs: make(map[Signal]*logging.OperationLogger, len(Signals)),
	}
	for _, s := range Signals {
		e.partialLogs[s] = logging.NewOperationLogger("exporting "+string(s), 0)
	}

	var err error
	switch cfg.Protocol {
	case ProtocolGRPC:
		err = e.initGRPC(cfg)
	case ProtocolHTTP:
		err = e.initHTTP(cfg)
	default:
		err = fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}
	if err != nil {
		return nil, err
	}

	logging.Info("OTLP exporter configured", logging.F(
		"protocol", string(e.protocol),
		"endpoint", e.target(cfg),
		"compression", string(compressionLabel(cfg.Compression.Type)),
		"insecure", cfg.Insecure,
	))
	return e, nil
}

func (e *Exporter) target(cfg Config) string {
	if e.protocol == ProtocolHTTP {
		return e.baseURL
	}
	return cfg.Endpoint
}

func (e *Exporter) initGRPC(cfg Config) error {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultGRPCEndpoint
	}

	opts := append([]grpc.DialOption{}, cfg.dialOptions...)
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(clientTLS(cfg))))
	}

	switch cfg.Compression.Type {
	case compression.TypeNone, "":
		e.grpcLabel = "none"
	case compression.TypeGzip, compression.TypeZstd:
		e.callOpts = append(e.callOpts, grpc.UseCompressor(string(cfg.Compression.Type)))
		e.grpcLabel = string(cfg.Compression.Type)
	default:
		return fmt.Errorf("gRPC export supports gzip or zstd compression, got %s", cfg.Compression.Type)
	}

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gRPC client for %s: %w", cfg.Endpoint, err)
	}
	e.conn = conn
	e.traces = coltracepb.NewTraceServiceClient(conn)
	e.metrics = colmetricspb.NewMetricsServiceClient(conn)
	e.logs = collogspb.NewLogsServiceClient(conn)
	return nil
}

func (e *Exporter) initHTTP(cfg Config) error {
	base, err := baseURL(cfg.Endpoint, cfg.Insecure)
	if err != nil {
		return err
	}
	e.baseURL = base

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}
	if !cfg.Insecure {
		transport.TLSClientConfig = clientTLS(cfg)
		h2, err := http2.ConfigureTransports(transport)
		if err != nil {
			return fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
		if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
			h2.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
		}
		if cfg.HTTPClient.HTTP2PingTimeout > 0 {
			h2.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
		}
	}

	e.httpClient = &http.Client{Transport: transport}
	return nil
}

func clientTLS(cfg Config) *tls.Config {
	if cfg.TLS != nil {
		return cfg.TLS.Clone()
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// baseURL normalises an HTTP endpoint to scheme://host[/prefix] without a
// trailing slash or signal path.
func baseURL(endpoint string, insecure bool) (string, error) {
	if endpoint == "" {
		endpoint = defaultHTTPEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		scheme := "https"
		if insecure {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid HTTP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid HTTP endpoint %q: missing host", endpoint)
	}
	path := strings.TrimRight(u.Path, "/")
	for _, s := range Signals {
		path = strings.TrimSuffix(path, s.Path())
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// ExportTraces sends one ExportTraceServiceRequest.
func (e *Exporter) ExportTraces(ctx context.Context, rs []*tracepb.ResourceSpans) error {
	req := &coltracepb.ExportTraceServiceRequest{ResourceSpans: rs}
	items := CountSpans(rs)
	if e.protocol == ProtocolGRPC {
		return e.exportGRPC(ctx, SignalTraces, req, items, func(ctx context.Context) (rejected, error) {
			resp, err := e.traces.Export(ctx, req, e.callOpts...)
			ps := resp.GetPartialSuccess()
			return rejected{ps.GetRejectedSpans(), ps.GetErrorMessage()}, err
		})
	}
	resp := &coltracepb.ExportTraceServiceResponse{}
	return e.exportHTTP(ctx, SignalTraces, req, resp, items, func() rejected {
		ps := resp.GetPartialSuccess()
		return rejected{ps.GetRejectedSpans(), ps.GetErrorMessage()}
	})
}

// ExportMetrics sends one ExportMetricsServiceRequest.
func (e *Exporter) ExportMetrics(ctx context.Context, rm []*metricspb.ResourceMetrics) error {
	req := &colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: rm}
	items := CountDatapoints(rm)
	if e.protocol == ProtocolGRPC {
		return e.exportGRPC(ctx, SignalMetrics, req, items, func(ctx context.Context) (rejected, error) {
			resp, err := e.metrics.Export(ctx, req, e.callOpts...)
			ps := resp.GetPartialSuccess()
			return rejected{ps.GetRejectedDataPoints(), ps.GetErrorMessage()}, err
		})
	}
	resp := &colmetricspb.ExportMetricsServiceResponse{}
	return e.exportHTTP(ctx, SignalMetrics, req, resp, items, func() rejected {
		ps := resp.GetPartialSuccess()
		return rejected{ps.GetRejectedDataPoints(), ps.GetErrorMessage()}
	})
}

// ExportLogs sends one ExportLogsServiceRequest.
func (e *Exporter) ExportLogs(ctx context.Context, rl []*logspb.ResourceLogs) error {
	req := &collogspb.ExportLogsServiceRequest{ResourceLogs: rl}
	items := CountLogRecords(rl)
	if e.protocol == ProtocolGRPC {
		return e.exportGRPC(ctx, SignalLogs, req, items, func(ctx context.Context) (rejected, error) {
			resp, err := e.logs.Export(ctx, req, e.callOpts...)
			ps := resp.GetPartialSuccess()
			return rejected{ps.GetRejectedLogRecords(), ps.GetErrorMessage()}, err
		})
	}
	resp := &collogspb.ExportLogsServiceResponse{}
	return e.exportHTTP(ctx, SignalLogs, req, resp, items, func() rejected {
		ps := resp.GetPartialSuccess()
		return rejected{ps.GetRejectedLogRecords(), ps.GetErrorMessage()}
	})
}

// TraceSink adapts the exporter to a trace batch processor.
func (e *Exporter) TraceSink() buffer.Sink[*tracepb.ResourceSpans] {
	return buffer.SinkFunc[*tracepb.ResourceSpans](e.ExportTraces)
}

// MetricSink adapts the exporter to a metric batch processor.
func (e *Exporter) MetricSink() buffer.Sink[*metricspb.ResourceMetrics] {
	return buffer.SinkFunc[*metricspb.ResourceMetrics](e.ExportMetrics)
}

// LogSink adapts the exporter to a log batch processor.
func (e *Exporter) LogSink() buffer.Sink[*logspb.ResourceLogs] {
	return buffer.SinkFunc[*logspb.ResourceLogs](e.ExportLogs)
}

// Close releases the connection.
func (e *Exporter) Close() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	if e.httpClient != nil {
		e.httpClient.CloseIdleConnections()
	}
	return nil
}

// rejected is the partial-success part of an OTLP response.
type rejected struct {
	count   int64
	message string
}

func (e *Exporter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

func (e *Exporter) exportGRPC(ctx context.Context, sig Signal, req proto.Message, items int, call func(context.Context) (rejected, error)) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if len(e.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(e.headers))
	}

	exportRequestsTotal.WithLabelValues(string(sig)).Inc()
	rej, err := call(ctx)
	if err != nil {
		return e.fail(&ExportError{Err: err, Signal: sig, Type: classifyGRPCError(err)})
	}

	// gRPC compresses on the wire; this is the uncompressed message size
	exportBytesTotal.WithLabelValues(string(sig), e.grpcLabel).Add(float64(proto.Size(req)))
	e.succeed(sig, items, rej)
	return nil
}

func (e *Exporter) exportHTTP(ctx context.Context, sig Signal, req, resp proto.Message, items int, partial func() rejected) error {
	body, err := proto.Marshal(req)
	if err != nil {
		return e.fail(&ExportError{Err: fmt.Errorf("marshal request: %w", err), Signal: sig, Type: ErrorTypeEncode})
	}
	if body, err = compression.Compress(body, e.comp); err != nil {
		return e.fail(&ExportError{Err: err, Signal: sig, Type: ErrorTypeEncode})
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+sig.Path(), bytes.NewReader(body))
	if err != nil {
		return e.fail(&ExportError{Err: err, Signal: sig, Type: ErrorTypeEncode})
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	if enc := e.comp.Type.ContentEncoding(); enc != "" {
		httpReq.Header.Set("Content-Encoding", enc)
	}
	for k, v := range e.headers {
		httpReq.Header.Set(k, v)
	}

	exportRequestsTotal.WithLabelValues(string(sig)).Inc()
	res, err := e.httpClient.Do(httpReq)
	if err != nil {
		return e.fail(&ExportError{Err: err, Signal: sig, Type: classifyError(err)})
	}
	defer res.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	// drain the rest so the connection can be reused
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return e.fail(&ExportError{
			Signal:     sig,
			Type:       classifyHTTPStatusCode(res.StatusCode),
			StatusCode: res.StatusCode,
			Message:    responseMessage(payload),
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"), time.Now()),
		})
	}

	var rej rejected
	if len(payload) > 0 && strings.HasPrefix(res.Header.Get("Content-Type"), "application/x-protobuf") {
		if err := proto.Unmarshal(payload, resp); err == nil {
			rej = partial()
		}
	}

	exportBytesTotal.WithLabelValues(string(sig), string(compressionLabel(e.comp.Type))).Add(float64(len(body)))
	e.succeed(sig, items, rej)
	return nil
}

func (e *Exporter) fail(err *ExportError) error {
	exportErrorsTotal.WithLabelValues(string(err.Signal), string(err.Type)).Inc()
	return err
}

func (e *Exporter) succeed(sig Signal, items int, rej rejected) {
	exportItemsTotal.WithLabelValues(string(sig)).Add(float64(items) - float64(rej.count))
	if rej.count == 0 && rej.message == "" {
		e.partialLogs[sig].RecordSuccess()
		return
	}
	rejectedItemsTotal.WithLabelValues(string(sig)).Add(float64(rej.count))
	e.partialLogs[sig].RecordFailure("backend rejected part of the batch", logging.F(
		"signal", string(sig),
		"rejected", rej.count,
		"message", rej.message,
	))
}

func compressionLabel(t compression.Type) compression.Type {
	if t == "" {
		return compression.TypeNone
	}
	return t
}

func responseMessage(payload []byte) string {
	msg := strings.TrimSpace(strings.ToValidUTF8(string(payload), "?"))
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	return msg
}
