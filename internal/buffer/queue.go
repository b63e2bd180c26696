package buffer

import (
	"math"
	"sync/atomic"
)

// noWaiter is stored in boundedQueue.needed while the worker is not parked.
const noWaiter = math.MaxInt64

// boundedQueue is a fixed-capacity multi-producer, single-consumer queue.
//
// Producers only perform a non-blocking channel send and atomic loads, so
// offer never parks the caller. The single consumer is the processor worker.
type boundedQueue[T any] struct {
	items chan T

	// needed is the number of queued records the parked worker is waiting
	// for. Producers wake it once the queue length reaches this value.
	needed atomic.Int64

	// signal has one slot; a pending token means "worker, look again".
	signal chan struct{}
}

func newBoundedQueue[T any](capacity int) *boundedQueue[T] {
	q := &boundedQueue[T]{
		items:  make(chan T, capacity),
		signal: make(chan struct{}, 1),
	}
	q.needed.Store(noWaiter)
	return q
}

// offer enqueues item. It returns false without blocking when the queue is full.
func (q *boundedQueue[T]) offer(item T) bool {
	select {
	case q.items <- item:
	default:
		return false
	}
	q.signalIfNeeded()
	return true
}

// signalIfNeeded wakes the worker when the queue holds at least as many
// records as it asked for.
func (q *boundedQueue[T]) signalIfNeeded() {
	if int64(len(q.items)) >= q.needed.Load() {
		q.notify()
	}
}

// notify leaves a wake-up token for the worker. Extra tokens are coalesced.
func (q *boundedQueue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drainTo moves up to n records into dst without blocking.
func (q *boundedQueue[T]) drainTo(dst []T, n int) []T {
	for i := 0; i < n; i++ {
		select {
		case item := <-q.items:
			dst = append(dst, item)
		default:
			return dst
		}
	}
	return dst
}

func (q *boundedQueue[T]) len() int {
	return len(q.items)
}

func (q *boundedQueue[T]) capacity() int {
	return cap(q.items)
}
