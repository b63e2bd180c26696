package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/szibis/telemetry-forwarder/internal/auth"
	"github.com/szibis/telemetry-forwarder/internal/compression"
	"github.com/szibis/telemetry-forwarder/internal/logging"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
)

// HTTPConfig holds the HTTP receiver configuration.
type HTTPConfig struct {
	Addr string
	// MaxBodySize bounds the body before and after decompression.
	// Defaults to DefaultMaxMessageSize.
	MaxBodySize int64
	// ReadTimeout defaults to 30s.
	ReadTimeout time.Duration
	// TLS enables TLS when non-nil.
	TLS  *tls.Config
	Auth auth.ServerConfig
}

// HTTPReceiver serves OTLP/HTTP on /v1/traces, /v1/metrics and /v1/logs,
// accepting binary protobuf and JSON bodies.
type HTTPReceiver struct {
	server   *http.Server
	consumer Consumer
	maxBody  int64
	auth     auth.ServerConfig
}

// NewHTTP creates an HTTP receiver that feeds consumer.
func NewHTTP(cfg HTTPConfig, consumer Consumer) *HTTPReceiver {
	r := &HTTPReceiver{
		consumer: consumer,
		maxBody:  cfg.MaxBodySize,
		auth:     cfg.Auth,
	}
	if r.maxBody <= 0 {
		r.maxBody = DefaultMaxMessageSize
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		TLSConfig:         cfg.TLS,
	}
	return r
}

// Handler returns the OTLP/HTTP routes.
func (r *HTTPReceiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/traces", r.handleTraces)
	mux.HandleFunc("/v1/metrics", r.handleMetrics)
	mux.HandleFunc("/v1/logs", r.handleLogs)
	return auth.HTTPMiddleware(r.auth, mux)
}

// Start listens and serves until Stop. It returns nil after a clean Stop.
func (r *HTTPReceiver) Start() error {
	lis, err := net.Listen("tcp", r.server.Addr)
	if err != nil {
		return err
	}
	secure := r.server.TLSConfig != nil
	logging.Info("HTTP receiver started", logging.F("addr", lis.Addr().String(), "tls", secure))
	if secure {
		// certificates come from TLSConfig
		err = r.server.ServeTLS(lis, "", "")
	} else {
		err = r.server.Serve(lis)
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

func (r *HTTPReceiver) handleTraces(w http.ResponseWriter, req *http.Request) {
	var msg coltracepb.ExportTraceServiceRequest
	format, ok := r.decode(w, req, "traces", &msg)
	if !ok {
		return
	}
	resourcesTotal.WithLabelValues("traces").Add(float64(len(msg.ResourceSpans)))
	r.consumer.ConsumeTraces(msg.ResourceSpans)
	writeResponse(w, format, &coltracepb.ExportTraceServiceResponse{})
}

func (r *HTTPReceiver) handleMetrics(w http.ResponseWriter, req *http.Request) {
	var msg colmetricspb.ExportMetricsServiceRequest
	format, ok := r.decode(w, req, "metrics", &msg)
	if !ok {
		return
	}
	resourcesTotal.WithLabelValues("metrics").Add(float64(len(msg.ResourceMetrics)))
	r.consumer.ConsumeMetrics(msg.ResourceMetrics)
	writeResponse(w, format, &colmetricspb.ExportMetricsServiceResponse{})
}

func (r *HTTPReceiver) handleLogs(w http.ResponseWriter, req *http.Request) {
	var msg collogspb.ExportLogsServiceRequest
	format, ok := r.decode(w, req, "logs", &msg)
	if !ok {
		return
	}
	resourcesTotal.WithLabelValues("logs").Add(float64(len(msg.ResourceLogs)))
	r.consumer.ConsumeLogs(msg.ResourceLogs)
	writeResponse(w, format, &collogspb.ExportLogsServiceResponse{})
}

// decode validates the request and unmarshals its body into msg. On failure
// it has already written the error response.
func (r *HTTPReceiver) decode(w http.ResponseWriter, req *http.Request, signal string, msg proto.Message) (string, bool) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	requestsTotal.WithLabelValues("http", signal).Inc()

	format, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || (format != contentTypeProtobuf && format != contentTypeJSON) {
		errorsTotal.WithLabelValues("http", "decode").Inc()
		http.Error(w, "unsupported content type, use application/x-protobuf or application/json", http.StatusUnsupportedMediaType)
		return "", false
	}

	enc, known := compression.ParseContentEncoding(req.Header.Get("Content-Encoding"))
	if !known {
		errorsTotal.WithLabelValues("http", "decompress").Inc()
		http.Error(w, "unsupported content encoding", http.StatusUnsupportedMediaType)
		return "", false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorsTotal.WithLabelValues("http", "too_large").Inc()
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return "", false
		}
		errorsTotal.WithLabelValues("http", "read").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return "", false
	}

	body, err = compression.Decompress(body, enc, r.maxBody)
	if err != nil {
		if errors.Is(err, compression.ErrTooLarge) {
			errorsTotal.WithLabelValues("http", "too_large").Inc()
			http.Error(w, "decompressed body too large", http.StatusRequestEntityTooLarge)
			return "", false
		}
		errorsTotal.WithLabelValues("http", "decompress").Inc()
		http.Error(w, "failed to decompress body", http.StatusBadRequest)
		return "", false
	}

	if format == contentTypeJSON {
		err = unmarshalJSON(body, msg)
	} else {
		err = proto.Unmarshal(body, msg)
	}
	if err != nil {
		errorsTotal.WithLabelValues("http", "decode").Inc()
		http.Error(w, "failed to decode "+signal+" request", http.StatusBadRequest)
		return "", false
	}
	return format, true
}

func writeResponse(w http.ResponseWriter, format string, resp proto.Message) {
	var (
		out []byte
		err error
	)
	if format == contentTypeJSON {
		out, err = protojson.Marshal(resp)
	} else {
		out, err = proto.Marshal(resp)
	}
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
