package receiver

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/szibis/telemetry-forwarder/internal/auth"
	"github.com/szibis/telemetry-forwarder/internal/logging"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	// registers the zstd and gzip compressors
	_ "github.com/szibis/telemetry-forwarder/internal/compression"
)

// GRPCConfig holds the gRPC receiver configuration.
type GRPCConfig struct {
	Addr string
	// MaxRecvMsgSize defaults to DefaultMaxMessageSize.
	MaxRecvMsgSize int
	// TLS enables TLS when non-nil.
	TLS  *tls.Config
	Auth auth.ServerConfig
}

// GRPCReceiver serves the OTLP TraceService, MetricsService and LogsService.
type GRPCReceiver struct {
	server *grpc.Server
	addr   string
	secure bool
}

// NewGRPC creates a gRPC receiver that feeds consumer.
func NewGRPC(cfg GRPCConfig, consumer Consumer) *GRPCReceiver {
	maxSize := cfg.MaxRecvMsgSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxSize),
		grpc.MaxSendMsgSize(maxSize),
	}
	if cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLS)))
	}
	if cfg.Auth.Enabled() {
		opts = append(opts, grpc.UnaryInterceptor(auth.UnaryServerInterceptor(cfg.Auth)))
	}
	server := grpc.NewServer(opts...)
	coltracepb.RegisterTraceServiceServer(server, &traceService{consumer: consumer})
	colmetricspb.RegisterMetricsServiceServer(server, &metricsService{consumer: consumer})
	collogspb.RegisterLogsServiceServer(server, &logsService{consumer: consumer})

	return &GRPCReceiver{server: server, addr: cfg.Addr, secure: cfg.TLS != nil}
}

// Start listens on the configured address and serves until Stop.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	return r.Serve(lis)
}

// Serve serves on an existing listener.
func (r *GRPCReceiver) Serve(lis net.Listener) error {
	logging.Info("gRPC receiver started", logging.F("addr", lis.Addr().String(), "tls", r.secure))
	return r.server.Serve(lis)
}

// Stop gracefully stops the gRPC server, letting in-flight requests finish.
func (r *GRPCReceiver) Stop() {
	r.server.GracefulStop()
}

type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	consumer Consumer
}

func (s *traceService) Export(_ context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	requestsTotal.WithLabelValues("grpc", "traces").Inc()
	resourcesTotal.WithLabelValues("traces").Add(float64(len(req.ResourceSpans)))
	s.consumer.ConsumeTraces(req.ResourceSpans)
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

type metricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	consumer Consumer
}

func (s *metricsService) Export(_ context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	requestsTotal.WithLabelValues("grpc", "metrics").Inc()
	resourcesTotal.WithLabelValues("metrics").Add(float64(len(req.ResourceMetrics)))
	s.consumer.ConsumeMetrics(req.ResourceMetrics)
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	consumer Consumer
}

func (s *logsService) Export(_ context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	requestsTotal.WithLabelValues("grpc", "logs").Inc()
	resourcesTotal.WithLabelValues("logs").Add(float64(len(req.ResourceLogs)))
	s.consumer.ConsumeLogs(req.ResourceLogs)
	return &collogspb.ExportLogsServiceResponse{}, nil
}
