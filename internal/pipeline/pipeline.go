// Package pipeline owns one batch processor per OTLP signal and routes
// received resource records into them.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/szibis/telemetry-forwarder/internal/buffer"
	"github.com/szibis/telemetry-forwarder/internal/logging"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"golang.org/x/sync/errgroup"
)

// Config holds one processor configuration per signal.
type Config struct {
	Traces  buffer.Config
	Metrics buffer.Config
	Logs    buffer.Config
}

// Sinks receives the batches of each signal.
type Sinks struct {
	Traces  buffer.Sink[*tracepb.ResourceSpans]
	Metrics buffer.Sink[*metricspb.ResourceMetrics]
	Logs    buffer.Sink[*logspb.ResourceLogs]
}

// queue is the part of a processor that does not depend on its record type.
type queue interface {
	ForceFlush() *buffer.Result
	Shutdown() *buffer.Result
	Name() string
	Len() int
	Capacity() int
	Dropped() uint64
	Err() error
	Done() <-chan struct{}
}

// Pipeline fans received records into the per-signal processors. It
// implements receiver.Consumer.
type Pipeline struct {
	traces  *buffer.Processor[*tracepb.ResourceSpans]
	metrics *buffer.Processor[*metricspb.ResourceMetrics]
	logs    *buffer.Processor[*logspb.ResourceLogs]
	queues  []queue
}

// New starts the three processors.
func New(cfg Config, sinks Sinks) (*Pipeline, error) {
	if sinks.Traces == nil || sinks.Metrics == nil || sinks.Logs == nil {
		return nil, errors.New("pipeline: every signal needs a sink")
	}

	p := &Pipeline{}
	var err error
	if p.traces, err = buffer.New(withName(cfg.Traces, "traces"), sinks.Traces); err != nil {
		return nil, err
	}
	p.queues = append(p.queues, p.traces)

	if p.metrics, err = buffer.New(withName(cfg.Metrics, "metrics"), sinks.Metrics); err != nil {
		p.abort()
		return nil, err
	}
	p.queues = append(p.queues, p.metrics)

	if p.logs, err = buffer.New(withName(cfg.Logs, "logs"), sinks.Logs); err != nil {
		p.abort()
		return nil, err
	}
	p.queues = append(p.queues, p.logs)

	return p, nil
}

func withName(c buffer.Config, name string) buffer.Config {
	if c.Name == "" {
		c.Name = name
	}
	return c
}

// abort stops processors started before a construction error.
func (p *Pipeline) abort() {
	for _, q := range p.queues {
		_ = q.Shutdown().Wait(context.Background())
	}
}

// ConsumeTraces submits each resource's spans as one record.
func (p *Pipeline) ConsumeTraces(rs []*tracepb.ResourceSpans) {
	for _, r := range rs {
		p.traces.Submit(r)
	}
}

// ConsumeMetrics submits each resource's metrics as one record.
func (p *Pipeline) ConsumeMetrics(rm []*metricspb.ResourceMetrics) {
	for _, r := range rm {
		p.metrics.Submit(r)
	}
}

// ConsumeLogs submits each resource's logs as one record.
func (p *Pipeline) ConsumeLogs(rl []*logspb.ResourceLogs) {
	for _, r := range rl {
		p.logs.Submit(r)
	}
}

// ForceFlush flushes every processor in parallel and waits for all of them
// or for ctx. An expired ctx does not cancel the flushes.
func (p *Pipeline) ForceFlush(ctx context.Context) error {
	return p.each(ctx, "flush", queue.ForceFlush)
}

// Shutdown shuts every processor down in parallel.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.each(ctx, "shutdown", queue.Shutdown)
}

func (p *Pipeline) each(ctx context.Context, op string, start func(queue) *buffer.Result) error {
	errs := make([]error, len(p.queues))
	var g errgroup.Group
	for i, q := range p.queues {
		i, q := i, q // per-iteration copies; go.mod targets go 1.21 loop semantics
		g.Go(func() error {
			if err := start(q).Wait(ctx); err != nil {
				errs[i] = fmt.Errorf("%s %s: %w", q.Name(), op, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		logging.Warn("pipeline "+op+" finished with errors", logging.F("error", err.Error()))
	}
	return err
}

// QueueStats is a point-in-time view of one processor.
type QueueStats struct {
	Name     string `json:"name"`
	Len      int    `json:"len"`
	Capacity int    `json:"capacity"`
	Dropped  uint64 `json:"dropped"`
	Running  bool   `json:"running"`
	Error    string `json:"error,omitempty"`
}

// Stats returns one entry per signal.
func (p *Pipeline) Stats() []QueueStats {
	out := make([]QueueStats, 0, len(p.queues))
	for _, q := range p.queues {
		s := QueueStats{
			Name:     q.Name(),
			Len:      q.Len(),
			Capacity: q.Capacity(),
			Dropped:  q.Dropped(),
			Running:  true,
		}
		select {
		case <-q.Done():
			s.Running = false
		default:
		}
		if err := q.Err(); err != nil {
			s.Error = err.Error()
		}
		out = append(out, s)
	}
	return out
}

// Check reports an error when any worker has exited.
func (p *Pipeline) Check() error {
	var errs []error
	for _, q := range p.queues {
		select {
		case <-q.Done():
			if err := q.Err(); err != nil {
				errs = append(errs, fmt.Errorf("%s worker: %w", q.Name(), err))
			} else {
				errs = append(errs, fmt.Errorf("%s worker stopped", q.Name()))
			}
		default:
		}
	}
	return errors.Join(errs...)
}
