// Package auth checks bearer and basic credentials on the OTLP receivers
// and builds the matching Authorization header for the exporter.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-forwarder/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	errMissing = errors.New("missing authorization header")
	errInvalid = errors.New("invalid credentials")
)

var failuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "telemetry_forwarder_auth_failures_total",
	Help: "Total receiver requests rejected for missing or invalid credentials",
}, []string{"protocol"})

func init() {
	prometheus.MustRegister(failuresTotal)
}

var failureLog = logging.NewOperationLogger("authenticating receiver request", 0)

// ServerConfig lists the credentials a receiver accepts. A request passes
// when it matches any configured method; with none configured every
// request passes.
type ServerConfig struct {
	BearerToken   string
	BasicUsername string
	BasicPassword string
}

// Enabled reports whether any credential is configured.
func (c ServerConfig) Enabled() bool {
	return c.BearerToken != "" || c.BasicUsername != ""
}

func (c ServerConfig) check(header string) error {
	if header == "" {
		return errMissing
	}
	scheme, value, _ := strings.Cut(header, " ")
	switch {
	case c.BearerToken != "" && strings.EqualFold(scheme, "Bearer"):
		if equal(value, c.BearerToken) {
			return nil
		}
	case c.BasicUsername != "" && strings.EqualFold(scheme, "Basic"):
		if equal(value, basic(c.BasicUsername, c.BasicPassword)) {
			return nil
		}
	}
	return errInvalid
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func reject(protocol string, err error, fields map[string]interface{}) {
	failuresTotal.WithLabelValues(protocol).Inc()
	fields["protocol"] = protocol
	fields["error"] = err.Error()
	failureLog.RecordFailure("rejected unauthenticated request", fields)
}

// UnaryServerInterceptor rejects gRPC calls without valid credentials with
// codes.Unauthenticated.
func UnaryServerInterceptor(cfg ServerConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !cfg.Enabled() {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		if err := cfg.check(header); err != nil {
			reject("grpc", err, logging.F("method", info.FullMethod))
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}

// HTTPMiddleware rejects requests without valid credentials with 401.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	if !cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.check(r.Header.Get("Authorization")); err != nil {
			reject("http", err, logging.F("path", r.URL.Path))
			if cfg.BasicUsername != "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="telemetry-forwarder"`)
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientConfig holds the credentials the exporter sends. A bearer token
// wins over basic credentials.
type ClientConfig struct {
	BearerToken   string
	BasicUsername string
	BasicPassword string
}

// Header returns the Authorization value, or "" when nothing is configured.
func (c ClientConfig) Header() string {
	switch {
	case c.BearerToken != "":
		return "Bearer " + c.BearerToken
	case c.BasicUsername != "":
		return "Basic " + basic(c.BasicUsername, c.BasicPassword)
	default:
		return ""
	}
}

// Headers returns a copy of headers with the Authorization header added.
// An explicit authorization entry in headers is kept.
func (c ClientConfig) Headers(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	if h := c.Header(); h != "" {
		for k := range headers {
			if strings.EqualFold(k, "authorization") {
				return out
			}
		}
		out["authorization"] = h
	}
	return out
}

func basic(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
