// Package telemetry pushes the forwarder's own logs and Prometheus metrics
// to an OTLP endpoint through the OpenTelemetry SDK.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	prombridge "go.opentelemetry.io/contrib/bridges/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	defaultPushInterval    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// RetryConfig mirrors the SDK exporters' retry settings. Zero durations
// keep the SDK defaults.
type RetryConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Config enables self telemetry when Endpoint is set.
type Config struct {
	Endpoint string
	// Protocol is "grpc" (default) or "http".
	Protocol        string
	Insecure        bool
	Timeout         time.Duration
	PushInterval    time.Duration
	Compression     string // "gzip" or ""
	Headers         map[string]string
	ShutdownTimeout time.Duration
	Retry           RetryConfig
}

// instanceID is the hostname, or a random UUID when it cannot be read.
func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// Telemetry owns the SDK providers.
type Telemetry struct {
	logProvider     *sdklog.LoggerProvider
	meterProvider   *metric.MeterProvider
	logger          otellog.Logger
	shutdownTimeout time.Duration
}

// Init starts the log and metric pipelines. It returns nil, nil when
// cfg.Endpoint is empty.
func Init(ctx context.Context, cfg Config, serviceName, serviceVersion string) (*Telemetry, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "grpc"
	}
	if cfg.Protocol != "grpc" && cfg.Protocol != "http" {
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", cfg.Protocol)
	}

	attrs := resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
	res, err := resource.New(ctx, attrs, resource.WithAttributes(semconv.ServiceInstanceID(instanceID())))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	t := &Telemetry{shutdownTimeout: cfg.ShutdownTimeout}
	if t.shutdownTimeout <= 0 {
		t.shutdownTimeout = defaultShutdownTimeout
	}

	logExp, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create log exporter: %w", err)
	}
	t.logProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
	)
	t.logger = t.logProvider.Logger(serviceName)

	metricExp, err := newMetricExporter(ctx, cfg)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	interval := cfg.PushInterval
	if interval <= 0 {
		interval = defaultPushInterval
	}
	// everything registered with the default Prometheus registry is pushed too
	t.meterProvider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExp,
			metric.WithInterval(interval),
			metric.WithProducer(prombridge.NewMetricProducer()),
		)),
	)
	return t, nil
}

// Enabled reports whether t is running.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.logger != nil
}

// ShutdownTimeout is the grace period the caller should give Shutdown.
func (t *Telemetry) ShutdownTimeout() time.Duration {
	if t == nil {
		return defaultShutdownTimeout
	}
	return t.shutdownTimeout
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.logProvider != nil {
		errs = append(errs, t.logProvider.Shutdown(ctx))
	}
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Compression == "gzip" {
			opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if r := cfg.Retry; r.Enabled {
			opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
				Enabled:         true,
				InitialInterval: r.InitialInterval,
				MaxInterval:     r.MaxInterval,
				MaxElapsedTime:  r.MaxElapsedTime,
			}))
		}
		return otlploghttp.New(ctx, opts...)
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Compression == "gzip" {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
	}
	if r := cfg.Retry; r.Enabled {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
				Enabled:         true,
				InitialInterval: r.InitialInterval,
				MaxInterval:     r.MaxInterval,
				MaxElapsedTime:  r.MaxElapsedTime,
			}))
	}
	return otlploggrpc.New(ctx, opts...)
}

func newMetricExporter(ctx context.Context, cfg Config) (metric.Exporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlpmetrichttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Compression == "gzip" {
			opts = append(opts, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		if r := cfg.Retry; r.Enabled {
			opts = append(opts, otlpmetrichttp.WithRetry(otlpmetrichttp.RetryConfig{
				Enabled:         true,
				InitialInterval: r.InitialInterval,
				MaxInterval:     r.MaxInterval,
				MaxElapsedTime:  r.MaxElapsedTime,
			}))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlpmetricgrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Compression == "gzip" {
		opts = append(opts, otlpmetricgrpc.WithCompressor("gzip"))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	if r := cfg.Retry; r.Enabled {
		opts = append(opts, otlpmetricgrpc.WithRetry(otlpmetricgrpc.RetryConfig{
				Enabled:         true,
				InitialInterval: r.InitialInterval,
				MaxInterval:     r.MaxInterval,
				MaxElapsedTime:  r.MaxElapsedTime,
			}))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

// Logger returns the OTLP logger, nil when disabled.
func (t *Telemetry) Logger() otellog.Logger {
	if t == nil {
		return nil
	}
	return t.logger
}
