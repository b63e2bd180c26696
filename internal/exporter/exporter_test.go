package exporter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/szibis/telemetry-forwarder/internal/compression"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
)

func testResource(service string) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
		Key:   "service.name",
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: service}},
	}}}
}

func testSpans(n int) []*tracepb.ResourceSpans {
	spans := make([]*tracepb.Span, n)
	for i := range spans {
		spans[i] = &tracepb.Span{Name: "op", TraceId: make([]byte, 16), SpanId: make([]byte, 8)}
	}
	return []*tracepb.ResourceSpans{{
		Resource:   testResource("checkout"),
		ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
	}}
}

func testMetrics(n int) []*metricspb.ResourceMetrics {
	dps := make([]*metricspb.NumberDataPoint, n)
	for i := range dps {
		dps[i] = &metricspb.NumberDataPoint{Value: &metricspb.NumberDataPoint_AsInt{AsInt: int64(i)}}
	}
	return []*metricspb.ResourceMetrics{{
		Resource: testResource("checkout"),
		ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{{
			Name: "requests",
			Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{DataPoints: dps}},
		}}}},
	}}
}

func testLogs(n int) []*logspb.ResourceLogs {
	records := make([]*logspb.LogRecord, n)
	for i := range records {
		records[i] = &logspb.LogRecord{SeverityText: "INFO"}
	}
	return []*logspb.ResourceLogs{{
		Resource:  testResource("checkout"),
		ScopeLogs: []*logspb.ScopeLogs{{LogRecords: records}},
	}}
}

func TestCounts(t *testing.T) {
	if got := CountSpans(testSpans(3)); got != 3 {
		t.Errorf("CountSpans = %d, want 3", got)
	}
	if got := CountDatapoints(testMetrics(4)); got != 4 {
		t.Errorf("CountDatapoints = %d, want 4", got)
	}
	if got := CountLogRecords(testLogs(5)); got != 5 {
		t.Errorf("CountLogRecords = %d, want 5", got)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		endpoint string
		insecure bool
		want     string
	}{
		{"", true, "http://localhost:4318"},
		{"collector:4318", false, "https://collector:4318"},
		{"http://collector:4318/", false, "http://collector:4318"},
		{"http://collector:4318/v1/traces", false, "http://collector:4318"},
		{"https://gw.example.com/otlp", false, "https://gw.example.com/otlp"},
	}
	for _, tt := range tests {
		got, err := baseURL(tt.endpoint, tt.insecure)
		if err != nil {
			t.Errorf("baseURL(%q) error: %v", tt.endpoint, err)
			continue
		}
		if got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
	if _, err := baseURL("http://", true); err == nil {
		t.Error("baseURL accepted an endpoint without host")
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Protocol: "kafka"}); err == nil {
		t.Error("New accepted an unknown protocol")
	}
	if _, err := New(Config{Protocol: ProtocolGRPC, Insecure: true, Compression: compression.Config{Type: compression.TypeLZ4}}); err == nil {
		t.Error("New accepted lz4 for gRPC")
	}
}

type capturedRequest struct {
	path     string
	encoding string
	header   string
	body     []byte
}

func TestHTTPExport(t *testing.T) {
	var (
		mu  sync.Mutex
		got []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, capturedRequest{
			path:     r.URL.Path,
			encoding: r.Header.Get("Content-Encoding"),
			header:   r.Header.Get("X-Tenant"),
			body:     body,
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp, err := New(Config{
		Endpoint:    srv.URL,
		Protocol:    ProtocolHTTP,
		Insecure:    true,
		Timeout:     5 * time.Second,
		Headers:     map[string]string{"X-Tenant": "team-a"},
		Compression: compression.Config{Type: compression.TypeGzip},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	ctx := context.Background()
	if err := exp.TraceSink().Export(ctx, testSpans(2)); err != nil {
		t.Fatalf("ExportTraces: %v", err)
	}
	if err := exp.MetricSink().Export(ctx, testMetrics(3)); err != nil {
		t.Fatalf("ExportMetrics: %v", err)
	}
	if err := exp.LogSink().Export(ctx, testLogs(4)); err != nil {
		t.Fatalf("ExportLogs: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("server saw %d requests, want 3", len(got))
	}
	wantPaths := []string{"/v1/traces", "/v1/metrics", "/v1/logs"}
	for i, req := range got {
		if req.path != wantPaths[i] {
			t.Errorf("request %d path = %s, want %s", i, req.path, wantPaths[i])
		}
		if req.encoding != "gzip" {
			t.Errorf("request %d Content-Encoding = %q", i, req.encoding)
		}
		if req.header != "team-a" {
			t.Errorf("request %d missing custom header", i)
		}
	}

	raw, err := compression.Decompress(got[0].body, compression.TypeGzip, 0)
	if err != nil {
		t.Fatalf("decompress body: %v", err)
	}
	var traces coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(raw, &traces); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if n := CountSpans(traces.ResourceSpans); n != 2 {
		t.Errorf("server decoded %d spans, want 2", n)
	}
}

func TestHTTPExport_ErrorStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{http.StatusTooManyRequests, ErrorTypeRateLimit, true},
		{http.StatusBadRequest, ErrorTypeClientError, false},
		{http.StatusServiceUnavailable, ErrorTypeServerError, true},
		{http.StatusUnauthorized, ErrorTypeAuth, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "backend says no", tt.status)
			}))
			defer srv.Close()

			exp, err := New(Config{Endpoint: srv.URL, Protocol: ProtocolHTTP, Insecure: true})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer exp.Close()

			before := testutil.ToFloat64(exportErrorsTotal.WithLabelValues(string(SignalLogs), string(tt.wantType)))
			err = exp.ExportLogs(context.Background(), testLogs(1))

			var ee *ExportError
			if !errors.As(err, &ee) {
				t.Fatalf("ExportLogs() = %v, want *ExportError", err)
			}
			if ee.Type != tt.wantType || ee.StatusCode != tt.status {
				t.Errorf("got type=%s status=%d, want %s/%d", ee.Type, ee.StatusCode, tt.wantType, tt.status)
			}
			if ee.Message != "backend says no" {
				t.Errorf("Message = %q", ee.Message)
			}
			if ee.IsRetryable() != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", ee.IsRetryable(), tt.retryable)
			}
			after := testutil.ToFloat64(exportErrorsTotal.WithLabelValues(string(SignalLogs), string(tt.wantType)))
			if after-before != 1 {
				t.Errorf("error counter moved by %v, want 1", after-before)
			}
		})
	}
}

func TestHTTPExport_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exp, err := New(Config{Endpoint: srv.URL, Protocol: ProtocolHTTP, Insecure: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	var ee *ExportError
	if err := exp.ExportTraces(context.Background(), testSpans(1)); !errors.As(err, &ee) {
		t.Fatalf("ExportTraces() = %v, want *ExportError", err)
	}
	if ee.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %s, want 12s", ee.RetryAfter)
	}
}

func TestHTTPExport_PartialSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := proto.Marshal(&coltracepb.ExportTraceServiceResponse{
			PartialSuccess: &coltracepb.ExportTracePartialSuccess{RejectedSpans: 2, ErrorMessage: "span too old"},
		})
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	exp, err := New(Config{Endpoint: srv.URL, Protocol: ProtocolHTTP, Insecure: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	before := testutil.ToFloat64(rejectedItemsTotal.WithLabelValues(string(SignalTraces)))
	if err := exp.ExportTraces(context.Background(), testSpans(5)); err != nil {
		t.Fatalf("partial success reported as failure: %v", err)
	}
	if got := testutil.ToFloat64(rejectedItemsTotal.WithLabelValues(string(SignalTraces))) - before; got != 2 {
		t.Errorf("rejected counter moved by %v, want 2", got)
	}
}

func TestHTTPExport_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	exp, err := New(Config{Endpoint: srv.URL, Protocol: ProtocolHTTP, Insecure: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = exp.ExportMetrics(ctx, testMetrics(1))

	var ee *ExportError
	if !errors.As(err, &ee) || ee.Type != ErrorTypeTimeout {
		t.Errorf("ExportMetrics() = %v, want timeout ExportError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error does not wrap context.DeadlineExceeded: %v", err)
	}
}

// fakeCollector implements the three OTLP gRPC services.
type fakeCollector struct {
	coltracepb.UnimplementedTraceServiceServer
	colmetricspb.UnimplementedMetricsServiceServer
	collogspb.UnimplementedLogsServiceServer

	mu      sync.Mutex
	spans   int
	points  int
	records int
	tenant  string
	fail    error
}

func (f *fakeCollector) recordTenant(ctx context.Context) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-tenant"); len(v) > 0 {
			f.tenant = v[0]
		}
	}
}

func (f *fakeCollector) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.recordTenant(ctx)
	f.spans += CountSpans(req.ResourceSpans)
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

type metricsService struct{ *fakeCollector }

func (m metricsService) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points += CountDatapoints(req.ResourceMetrics)
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

type logsService struct{ *fakeCollector }

func (l logsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records += CountLogRecords(req.ResourceLogs)
	return &collogspb.ExportLogsServiceResponse{}, nil
}

func startFakeCollector(t *testing.T, fc *fakeCollector) []grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(srv, fc)
	colmetricspb.RegisterMetricsServiceServer(srv, metricsService{fc})
	collogspb.RegisterLogsServiceServer(srv, logsService{fc})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func TestGRPCExport(t *testing.T) {
	fc := &fakeCollector{}
	exp, err := New(Config{
		Endpoint:    "passthrough:///bufnet",
		Protocol:    ProtocolGRPC,
		Insecure:    true,
		Timeout:     5 * time.Second,
		Headers:     map[string]string{"x-tenant": "team-b"},
		Compression: compression.Config{Type: compression.TypeZstd},
		dialOptions: startFakeCollector(t, fc),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	ctx := context.Background()
	if err := exp.ExportTraces(ctx, testSpans(3)); err != nil {
		t.Fatalf("ExportTraces: %v", err)
	}
	if err := exp.ExportMetrics(ctx, testMetrics(4)); err != nil {
		t.Fatalf("ExportMetrics: %v", err)
	}
	if err := exp.ExportLogs(ctx, testLogs(5)); err != nil {
		t.Fatalf("ExportLogs: %v", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.spans != 3 || fc.points != 4 || fc.records != 5 {
		t.Errorf("collector saw spans=%d points=%d records=%d, want 3/4/5", fc.spans, fc.points, fc.records)
	}
	if fc.tenant != "team-b" {
		t.Errorf("metadata x-tenant = %q, want team-b", fc.tenant)
	}
}

func TestGRPCExport_ClassifiesStatus(t *testing.T) {
	fc := &fakeCollector{fail: status.Error(codes.Unavailable, "collector restarting")}
	exp, err := New(Config{
		Endpoint:    "passthrough:///bufnet",
		Protocol:    ProtocolGRPC,
		Insecure:    true,
		dialOptions: startFakeCollector(t, fc),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	err = exp.ExportTraces(context.Background(), testSpans(1))
	var ee *ExportError
	if !errors.As(err, &ee) {
		t.Fatalf("ExportTraces() = %v, want *ExportError", err)
	}
	if ee.Type != ErrorTypeNetwork || !ee.IsRetryable() {
		t.Errorf("type = %s retryable = %v, want network/true", ee.Type, ee.IsRetryable())
	}
	if status.Code(err) != codes.Unavailable {
		t.Errorf("status code lost through wrapping: %s", status.Code(err))
	}
}
