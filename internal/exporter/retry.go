package exporter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/szibis/telemetry-forwarder/internal/buffer"
	"github.com/szibis/telemetry-forwarder/internal/logging"
	"github.com/szibis/telemetry-forwarder/internal/queue"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// Drop reasons of the retry path.
const (
	dropNonRetryable = "non_retryable"
	dropDecode       = "decode"
	dropQueueError   = "queue_error"
)

// RetryConfig configures the disk-backed retry path.
type RetryConfig struct {
	// Path is the base directory; each signal gets its own subdirectory.
	Path       string
	MaxEntries int
	MaxBytes   int64
	// InitialInterval is the first delay after a failure (default 5s).
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay (default 5m).
	MaxInterval time.Duration
	// Multiplier grows the delay after each failed attempt (default 2).
	Multiplier float64
	// ExportTimeout bounds one resend (default 30s).
	ExportTimeout time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Minute
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 30 * time.Second
	}
}

// Retrying wraps an Exporter so that batches failing with a retryable
// error are kept on disk and resent in the background with exponential
// backoff. Batches failing with any other error are returned to the caller
// unchanged.
type Retrying struct {
	traces  *retrier[*tracepb.ResourceSpans]
	metrics *retrier[*metricspb.ResourceMetrics]
	logs    *retrier[*logspb.ResourceLogs]
}

// NewRetrying opens one retry queue per signal under cfg.Path and starts
// the resend loops. Entries left by a previous run are resent.
func NewRetrying(exp *Exporter, cfg RetryConfig) (*Retrying, error) {
	if cfg.Path == "" {
		return nil, errors.New("retry queue path is required")
	}
	cfg.applyDefaults()

	traces, err := newRetrier(SignalTraces, cfg, exp.ExportTraces, traceCodec)
	if err != nil {
		return nil, err
	}
	metrics, err := newRetrier(SignalMetrics, cfg, exp.ExportMetrics, metricCodec)
	if err != nil {
		traces.close()
		return nil, err
	}
	logs, err := newRetrier(SignalLogs, cfg, exp.ExportLogs, logCodec)
	if err != nil {
		traces.close()
		metrics.close()
		return nil, err
	}

	logging.Info("export retry queue enabled", logging.F(
		"path", cfg.Path,
		"initial_interval", cfg.InitialInterval.String(),
		"max_interval", cfg.MaxInterval.String(),
	))
	return &Retrying{traces: traces, metrics: metrics, logs: logs}, nil
}

// TraceSink adapts the retrying exporter to a trace batch processor.
func (r *Retrying) TraceSink() buffer.Sink[*tracepb.ResourceSpans] {
	return buffer.SinkFunc[*tracepb.ResourceSpans](r.traces.Export)
}

// MetricSink adapts the retrying exporter to a metric batch processor.
func (r *Retrying) MetricSink() buffer.Sink[*metricspb.ResourceMetrics] {
	return buffer.SinkFunc[*metricspb.ResourceMetrics](r.metrics.Export)
}

// LogSink adapts the retrying exporter to a log batch processor.
func (r *Retrying) LogSink() buffer.Sink[*logspb.ResourceLogs] {
	return buffer.SinkFunc[*logspb.ResourceLogs](r.logs.Export)
}

// Close stops the resend loops and closes the queues. Batches still queued
// stay on disk for the next run. The wrapped Exporter is not closed.
func (r *Retrying) Close() error {
	return errors.Join(r.traces.close(), r.metrics.close(), r.logs.close())
}

// codec turns a batch into a queue entry and back.
type codec[T any] struct {
	marshal   func([]T) ([]byte, error)
	unmarshal func([]byte) ([]T, error)
}

var traceCodec = codec[*tracepb.ResourceSpans]{
	marshal: func(rs []*tracepb.ResourceSpans) ([]byte, error) {
		return proto.Marshal(&coltracepb.ExportTraceServiceRequest{ResourceSpans: rs})
	},
	unmarshal: func(b []byte) ([]*tracepb.ResourceSpans, error) {
		req := &coltracepb.ExportTraceServiceRequest{}
		if err := proto.Unmarshal(b, req); err != nil {
			return nil, err
		}
		return req.ResourceSpans, nil
	},
}

var metricCodec = codec[*metricspb.ResourceMetrics]{
	marshal: func(rm []*metricspb.ResourceMetrics) ([]byte, error) {
		return proto.Marshal(&colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: rm})
	},
	unmarshal: func(b []byte) ([]*metricspb.ResourceMetrics, error) {
		req := &colmetricspb.ExportMetricsServiceRequest{}
		if err := proto.Unmarshal(b, req); err != nil {
			return nil, err
		}
		return req.ResourceMetrics, nil
	},
}

var logCodec = codec[*logspb.ResourceLogs]{
	marshal: func(rl []*logspb.ResourceLogs) ([]byte, error) {
		return proto.Marshal(&collogspb.ExportLogsServiceRequest{ResourceLogs: rl})
	},
	unmarshal: func(b []byte) ([]*logspb.ResourceLogs, error) {
		req := &collogspb.ExportLogsServiceRequest{}
		if err := proto.Unmarshal(b, req); err != nil {
			return nil, err
		}
		return req.ResourceLogs, nil
	},
}

// retrier owns the retry queue and resend loop of one signal.
type retrier[T any] struct {
	signal Signal
	cfg    RetryConfig
	export func(context.Context, []T) error
	codec  codec[T]
	queue  *queue.Queue

	queuedLog *logging.OperationLogger
	resendLog *logging.OperationLogger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newRetrier[T any](sig Signal, cfg RetryConfig, export func(context.Context, []T) error, c codec[T]) (*retrier[T], error) {
	q, err := queue.Open(queue.Config{
		Path:       filepath.Join(cfg.Path, string(sig)),
		Name:       string(sig),
		MaxEntries: cfg.MaxEntries,
		MaxBytes:   cfg.MaxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s retry queue: %w", sig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &retrier[T]{
		signal:    sig,
		cfg:       cfg,
		export:    export,
		codec:     c,
		queue:     q,
		queuedLog: logging.NewOperationLogger("queueing "+string(sig)+" for retry", 0),
		resendLog: logging.NewOperationLogger("resending "+string(sig), 0),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	retryBackoffSeconds.WithLabelValues(string(sig)).Set(0)
	go r.run()
	return r, nil
}

// Export sends the batch directly. A retryable failure queues the batch
// and reports success; any other error is returned.
func (r *retrier[T]) Export(ctx context.Context, batch []T) error {
	err := r.export(ctx, batch)
	if err == nil || !IsRetryable(err) {
		return err
	}

	data, merr := r.codec.marshal(batch)
	if merr == nil {
		merr = r.queue.Push(data)
	}
	if merr != nil {
		retryDroppedTotal.WithLabelValues(string(r.signal), dropQueueError).Inc()
		return fmt.Errorf("%w (retry queue: %v)", err, merr)
	}

	retryQueuedTotal.WithLabelValues(string(r.signal)).Inc()
	r.queuedLog.RecordFailure("export failed, batch queued for retry", logging.F(
		"signal", string(r.signal),
		"error", err.Error(),
		"queue_len", r.queue.Len(),
	))
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *retrier[T]) run() {
	defer close(r.done)

	wait, delay := r.cfg.InitialInterval, r.cfg.InitialInterval
	for {
		entry, err := r.queue.Peek()
		if err != nil {
			return
		}
		if entry == nil {
			retryBackoffSeconds.WithLabelValues(string(r.signal)).Set(0)
			select {
			case <-r.wake:
				wait, delay = r.cfg.InitialInterval, r.cfg.InitialInterval
				continue
			case <-r.ctx.Done():
				return
			}
		}

		if wait > 0 {
			retryBackoffSeconds.WithLabelValues(string(r.signal)).Set(wait.Seconds())
			if !r.sleep(wait) {
				return
			}
		}

		err = r.resend(entry)
		switch {
		case err == nil || !IsRetryable(err):
			wait, delay = 0, r.cfg.InitialInterval
		default:
			wait = delay
			var ee *ExportError
			if errors.As(err, &ee) && ee.RetryAfter > wait {
				wait = ee.RetryAfter
			}
			wait = min(wait, r.cfg.MaxInterval)
			delay = min(time.Duration(float64(delay)*r.cfg.Multiplier), r.cfg.MaxInterval)
		}
	}
}

// resend exports one queued entry. The entry is removed unless the failure
// is retryable.
func (r *retrier[T]) resend(entry *queue.Entry) error {
	batch, err := r.codec.unmarshal(entry.Data)
	if err != nil {
		retryDroppedTotal.WithLabelValues(string(r.signal), dropDecode).Inc()
		r.resendLog.RecordFailure("dropping undecodable retry entry", logging.F(
			"signal", string(r.signal),
			"error", err.Error(),
		))
		return errors.Join(err, r.queue.Remove(entry.ID))
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ExportTimeout)
	err = r.export(ctx, batch)
	cancel()

	switch {
	case err == nil:
		retrySentTotal.WithLabelValues(string(r.signal)).Inc()
		r.resendLog.RecordSuccess()
		return r.queue.Remove(entry.ID)
	case !IsRetryable(err):
		retryDroppedTotal.WithLabelValues(string(r.signal), dropNonRetryable).Inc()
		r.resendLog.RecordFailure("dropping batch after non-retryable error", logging.F(
			"signal", string(r.signal),
			"error", err.Error(),
		))
		return errors.Join(err, r.queue.Remove(entry.ID))
	default:
		r.resendLog.RecordFailure("retry failed", logging.F(
			"signal", string(r.signal),
			"error", err.Error(),
			"queue_len", r.queue.Len(),
		))
		return err
	}
}

func (r *retrier[T]) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *retrier[T]) close() error {
	r.cancel()
	<-r.done
	return r.queue.Close()
}
