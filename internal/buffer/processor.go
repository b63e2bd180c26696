// Package buffer implements the asynchronous batching stage between
// telemetry producers and an export sink.
//
// Any number of goroutines Submit records into a bounded queue without ever
// blocking. One worker goroutine per Processor drains the queue into batches
// and hands them to the Sink when a batch is full, when the schedule delay
// has elapsed since the previous export, or when a flush or shutdown is
// requested. Records that do not fit in the queue are dropped and counted.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/szibis/telemetry-forwarder/internal/logging"
)

// ErrProcessorStopped is reported by handles that could not be honoured
// because the worker died.
var ErrProcessorStopped = errors.New("batch processor stopped")

// Processor batches records of type T for a Sink.
type Processor[T any] struct {
	cfg     Config
	sink    Sink[T]
	queue   *boundedQueue[T]
	metrics *processorMetrics

	dropLog    *logging.OperationLogger
	dropMsg    string
	dropFields map[string]interface{}
	exportLog  *logging.OperationLogger

	dropped  atomic.Uint64
	// submitting counts Submit calls between the closed check and the offer.
	submitting atomic.Int64
	closed     atomic.Bool // Shutdown was called; new records are dropped
	stopping atomic.Bool // the worker must drain and exit
	stopped  atomic.Bool // the worker has exited
	flushReq atomic.Pointer[Result]
	done     chan struct{}

	// Written by the worker before done is closed.
	drainErr error
	exitErr  error

	// Worker-owned.
	batch      []T
	nextExport time.Time
	inFlight   *Result
}

// New validates cfg, applies defaults and starts the worker goroutine.
func New[T any](cfg Config, sink Sink[T]) (*Processor[T], error) {
	p, err := newProcessor(cfg, sink)
	if err != nil {
		return nil, err
	}
	p.start()
	return p, nil
}

// newProcessor builds a Processor without starting its worker.
func newProcessor[T any](cfg Config, sink Sink[T]) (*Processor[T], error) {
	if sink == nil {
		return nil, errors.New("buffer: nil sink")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("buffer %q: %w", cfg.Name, err)
	}
	cfg = cfg.withDefaults()

	return &Processor[T]{
		cfg:     cfg,
		sink:    sink,
		queue:   newBoundedQueue[T](cfg.QueueCapacity),
		metrics: newProcessorMetrics(cfg.Name, cfg.QueueCapacity),
		dropLog: logging.NewOperationLogger("queuing "+cfg.Name+" record", 0),
		dropMsg: fmt.Sprintf("max %s export queue capacity of %d has been hit, dropping a telemetry record "+
			"(raise the %s queue capacity, e.g. to %d)", cfg.Name, cfg.QueueCapacity, cfg.Name, cfg.QueueCapacity*2),
		dropFields: map[string]interface{}{"queue": cfg.Name, "capacity": cfg.QueueCapacity},
		exportLog:  logging.NewOperationLogger("exporting "+cfg.Name+" batch", 0),
		done:       make(chan struct{}),
		batch:      make([]T, 0, cfg.MaxExportBatchSize),
	}, nil
}

func (p *Processor[T]) start() {
	logging.Info("batch processor started", logging.F(
		"queue", p.cfg.Name,
		"queue_capacity", p.cfg.QueueCapacity,
		"max_export_batch_size", p.cfg.MaxExportBatchSize,
		"schedule_delay", p.cfg.ScheduleDelay.String(),
		"export_timeout", p.cfg.ExportTimeout.String(),
	))
	go p.run()
}

// Submit enqueues record for export. It never blocks and never fails from
// the caller's point of view: when the queue is full, or after Shutdown,
// the record is dropped and counted.
func (p *Processor[T]) Submit(record T) {
	p.submitting.Add(1)
	defer p.submitting.Add(-1)
	if p.closed.Load() || p.stopped.Load() {
		p.dropped.Add(1)
		p.metrics.droppedShutdown.Inc()
		return
	}
	if !p.queue.offer(record) {
		p.dropped.Add(1)
		p.metrics.droppedFull.Inc()
		p.dropLog.RecordFailure(p.dropMsg, p.dropFields)
		return
	}
	p.dropLog.RecordSuccess()
	p.metrics.submitted.Inc()
}

// ForceFlush asks the worker to export everything queued so far. Concurrent
// callers share one flush cycle. The Result fails if any chunk export failed.
func (p *Processor[T]) ForceFlush() *Result {
	select {
	case <-p.done:
		return resolvedResult(p.exitErr)
	default:
	}

	for {
		if pending := p.flushReq.Load(); pending != nil {
			return pending
		}
		r := newResult()
		if !p.flushReq.CompareAndSwap(nil, r) {
			continue
		}
		p.queue.notify()
		// The worker may have exited between the check above and the swap.
		select {
		case <-p.done:
			if p.flushReq.CompareAndSwap(r, nil) {
				r.resolve(p.exitErr)
			}
		default:
		}
		return r
	}
}

// Shutdown flushes, drains the queue one last time and stops the worker.
// The Result resolves after the worker goroutine has exited. Records
// submitted after Shutdown are dropped. Calling Shutdown again returns a
// Result that resolves with nil once the worker is gone.
func (p *Processor[T]) Shutdown() *Result {
	if p.closed.Swap(true) {
		r := newResult()
		go func() {
			<-p.done
			r.resolve(nil)
		}()
		return r
	}

	logging.Info("batch processor shutting down", logging.F("queue", p.cfg.Name, "queued", p.queue.len()))

	flush := p.ForceFlush()
	res := newResult()
	go func() {
		<-flush.Done()
		p.stopping.Store(true)
		p.queue.notify()
		<-p.done
		if p.exitErr != nil {
			res.resolve(p.exitErr)
			return
		}
		res.resolve(errors.Join(flush.Err(), p.drainErr))
	}()
	return res
}

// Name returns the queue name.
func (p *Processor[T]) Name() string { return p.cfg.Name }

// Len returns the number of queued records.
func (p *Processor[T]) Len() int { return p.queue.len() }

// Capacity returns the queue capacity.
func (p *Processor[T]) Capacity() int { return p.queue.capacity() }

// Dropped returns the number of records rejected so far.
func (p *Processor[T]) Dropped() uint64 { return p.dropped.Load() }

// Done is closed when the worker goroutine has exited.
func (p *Processor[T]) Done() <-chan struct{} { return p.done }

// Err returns why the worker exited abnormally, or nil.
func (p *Processor[T]) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *Processor[T]) run() {
	defer p.exit()

	timer := time.NewTimer(p.cfg.ScheduleDelay)
	defer timer.Stop()
	p.nextExport = time.Now().Add(p.cfg.ScheduleDelay)

	for {
		if req := p.flushReq.Swap(nil); req != nil {
			p.inFlight = req
			req.resolve(p.drainAll(triggerFlush))
			p.inFlight = nil
		}
		if p.stopping.Load() {
			p.waitSubmitters()
			p.drainErr = p.drainAll(triggerShutdown)
			return
		}

		p.collect()
		if p.queue.len() == 0 {
			p.idle(timer)
		}
	}
}

// waitSubmitters returns once no Submit that passed the closed check is
// still about to enqueue. closed is set before stopping, so after this the
// queue only shrinks.
func (p *Processor[T]) waitSubmitters() {
	for p.submitting.Load() > 0 {
		runtime.Gosched()
	}
}

// collect fills the current batch and exports it if a trigger fired.
func (p *Processor[T]) collect() {
	p.batch = p.queue.drainTo(p.batch, p.cfg.MaxExportBatchSize-len(p.batch))
	p.metrics.queueSize.Set(float64(p.queue.len()))

	switch {
	case len(p.batch) >= p.cfg.MaxExportBatchSize:
		_ = p.export(triggerSize)
	case !time.Now().Before(p.nextExport):
		_ = p.export(triggerSchedule)
	}
}

// idle parks the worker until enough records arrive to fill the batch, a
// flush or shutdown is requested, or the export deadline passes.
func (p *Processor[T]) idle(timer *time.Timer) {
	wait := time.Until(p.nextExport)
	if wait <= 0 {
		return
	}

	needed := p.cfg.MaxExportBatchSize - len(p.batch)
	p.queue.needed.Store(int64(needed))
	defer p.queue.needed.Store(noWaiter)

	// Producers that enqueued before the threshold was published did not signal.
	if p.queue.len() >= needed || p.flushReq.Load() != nil || p.stopping.Load() {
		return
	}

	timer.Reset(wait)
	select {
	case <-p.queue.signal:
	case <-timer.C:
	}
	timer.Stop()
}

// drainAll exports everything that is queued when it starts, in chunks of
// at most MaxExportBatchSize, including the partial batch already held.
// Records arriving meanwhile are left for later exports.
func (p *Processor[T]) drainAll(trigger string) error {
	var errs []error
	remaining := p.queue.len()
	for remaining > 0 {
		before := len(p.batch)
		p.batch = p.queue.drainTo(p.batch, min(remaining, p.cfg.MaxExportBatchSize-before))
		took := len(p.batch) - before
		if took == 0 {
			break
		}
		remaining -= took
		if len(p.batch) >= p.cfg.MaxExportBatchSize {
			if err := p.export(trigger); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := p.export(trigger); err != nil {
		errs = append(errs, err)
	}
	p.metrics.queueSize.Set(float64(p.queue.len()))
	return errors.Join(errs...)
}

// export hands the current batch to the sink and starts a new one. An empty
// batch only resets the deadline.
func (p *Processor[T]) export(trigger string) error {
	defer func() {
		p.nextExport = time.Now().Add(p.cfg.ScheduleDelay)
	}()
	if len(p.batch) == 0 {
		return nil
	}

	batch := p.batch
	p.batch = make([]T, 0, p.cfg.MaxExportBatchSize)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()

	start := time.Now()
	err := p.callSink(ctx, batch)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("sink returned after the %s export timeout: %w", p.cfg.ExportTimeout, ctx.Err())
	}
	p.metrics.duration.Observe(time.Since(start).Seconds())
	p.metrics.recordExport(trigger, len(batch), err)

	if err != nil {
		p.exportLog.RecordFailure("export failed, batch discarded", logging.F(
			"queue", p.cfg.Name,
			"trigger", trigger,
			"batch_size", len(batch),
			"error", err.Error(),
		))
		return fmt.Errorf("%s export of %d records: %w", p.cfg.Name, len(batch), err)
	}
	p.exportLog.RecordSuccess()
	return nil
}

// callSink runs the sink on its own goroutine so a sink that ignores ctx
// cannot hold the worker past the export timeout. An abandoned call keeps
// running in the background and its result is discarded.
func (p *Processor[T]) callSink(ctx context.Context, batch []T) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.panics.Inc()
				done <- fmt.Errorf("export sink panicked: %v", r)
			}
		}()
		done <- p.sink.Export(ctx, batch)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.metrics.abandoned.Inc()
		return fmt.Errorf("sink did not return within the %s export timeout: %w", p.cfg.ExportTimeout, ctx.Err())
	}
}

// exit runs as the worker's last deferred call. A panic that escaped the
// loop is logged here, since nothing restarts the worker.
func (p *Processor[T]) exit() {
	if r := recover(); r != nil {
		p.metrics.panics.Inc()
		p.exitErr = fmt.Errorf("%w: worker panicked: %v", ErrProcessorStopped, r)
		logging.Error("batch worker crashed, records for this queue are no longer exported", logging.F(
			"queue", p.cfg.Name,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()),
		))
	}

	p.stopped.Store(true)
	if p.inFlight != nil {
		p.inFlight.resolve(p.exitErr)
	}
	close(p.done)
	if req := p.flushReq.Swap(nil); req != nil {
		req.resolve(p.exitErr)
	}

	p.metrics.queueSize.Set(float64(p.queue.len()))
	logging.Info("batch processor stopped", logging.F(
		"queue", p.cfg.Name,
		"dropped", p.dropped.Load(),
	))
}
