package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorType is a low-cardinality category of export failure.
type ErrorType string

const (
	// ErrorTypeNetwork covers DNS failures, refused or reset connections.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout covers deadlines hit on the client or reported by the server.
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth is 401/403 or Unauthenticated/PermissionDenied.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit is 429 or ResourceExhausted.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeEncode    ErrorType = "encode"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// ExportError is returned by every failed export. It carries enough
// detail for a caller to decide whether resending the same payload
// could succeed.
type ExportError struct {
	Err    error
	Signal Signal
	Type   ErrorType
	// StatusCode is the HTTP status, or 0 for gRPC and transport errors.
	StatusCode int
	// Message is the backend's error detail, truncated.
	Message string
	// RetryAfter is the delay the backend asked for before the next
	// attempt, or 0 when it gave none.
	RetryAfter time.Duration
}

func (e *ExportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s export failed (%s", e.Signal, e.Type)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ", status %d", e.StatusCode)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is transient.
func (e *ExportError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is an *ExportError worth retrying.
func IsRetryable(err error) bool {
	var ee *ExportError
	return errors.As(err, &ee) && ee.IsRetryable()
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func classifyGRPCError(err error) ErrorType {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded, codes.Canceled:
			return ErrorTypeTimeout
		case codes.Unavailable:
			return ErrorTypeNetwork
		case codes.Unauthenticated, codes.PermissionDenied:
			return ErrorTypeAuth
		case codes.ResourceExhausted:
			return ErrorTypeRateLimit
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
			return ErrorTypeClientError
		case codes.Internal, codes.DataLoss, codes.Aborted:
			return ErrorTypeServerError
		}
	}
	return classifyError(err)
}

func classifyHTTPStatusCode(code int) ErrorType {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorTypeAuth
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case code >= 400 && code < 500:
		return ErrorTypeClientError
	case code >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "no such host", "network is unreachable", "connection reset", "broken pipe"} {
		if strings.Contains(msg, p) {
			return ErrorTypeNetwork
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return ErrorTypeTimeout
	}
	return ErrorTypeUnknown
}
