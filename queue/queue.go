// Package queue provides an unbounded lock-free multi-producer multi-consumer
// FIFO queue used to buffer entity submissions ahead of the engine. The
// implementation is the classic linked-list design with a dummy head node:
// producers race on the tail pointer, consumers on the head pointer, and all
// coordination happens through compare-and-swap, so neither side ever blocks
// the other.
package queue

import (
	"sync/atomic"
	"time"
)

type node[T any] struct {
	value      T
	enqueuedAt int64 // unix nanoseconds
	next       atomic.Pointer[node[T]]
}

// Queue is an unbounded lock-free FIFO queue. The zero value is not usable;
// construct with New.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]

	depth     atomic.Int64
	peakDepth atomic.Int64

	enqueued  atomic.Uint64
	dequeued  atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64

	// waitTotalNs accumulates time spent in the queue across all dequeued
	// items, for the average-wait metric.
	waitTotalNs atomic.Int64
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	dummy := &node[T]{}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// Enqueue appends an item. It never blocks and never fails; the queue grows
// without bound and backpressure is the consumer's concern.
func (q *Queue[T]) Enqueue(value T) {
	n := &node[T]{value: value, enqueuedAt: time.Now().UnixNano()}

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging; help the other producer along.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			break
		}
	}

	depth := q.depth.Add(1)
	for {
		peak := q.peakDepth.Load()
		if depth <= peak || q.peakDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	q.enqueued.Add(1)
}

// EnqueueBatch appends the items in order. The batch is not atomic: a
// concurrent producer's items may interleave between them.
func (q *Queue[T]) EnqueueBatch(values []T) {
	for _, value := range values {
		q.Enqueue(value)
	}
}

// Dequeue removes and returns the oldest item. The second return value is
// false when the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return zero, false
		}
		if head == tail {
			// Tail is lagging behind an in-flight enqueue.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			q.depth.Add(-1)
			q.dequeued.Add(1)
			q.waitTotalNs.Add(time.Now().UnixNano() - next.enqueuedAt)
			value := next.value
			next.value = zero // release for GC
			return value, true
		}
	}
}

// DequeueBatch removes up to max items, returning fewer when the queue
// drains first. It never waits.
func (q *Queue[T]) DequeueBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	batch := make([]T, 0, max)
	for len(batch) < max {
		value, ok := q.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, value)
	}
	return batch
}

// DequeueBatchWithTimeout removes up to max items, waiting up to maxWait for
// the first item to arrive. It returns as soon as max items are collected or
// the queue drains with a partial batch in hand; only an empty queue spins,
// and an empty queue for the full wait yields an empty batch.
func (q *Queue[T]) DequeueBatchWithTimeout(max int, maxWait time.Duration) []T {
	if max <= 0 {
		return nil
	}
	deadline := time.Now().Add(maxWait)
	batch := make([]T, 0, max)
	for len(batch) < max {
		value, ok := q.Dequeue()
		if ok {
			batch = append(batch, value)
			continue
		}
		if len(batch) > 0 {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return batch
}

// Len returns the current queue depth.
func (q *Queue[T]) Len() int64 {
	return q.depth.Load()
}

// MarkProcessed records n items successfully handled by a consumer.
func (q *Queue[T]) MarkProcessed(n int) {
	q.processed.Add(uint64(n))
}

// MarkFailed records n items a consumer failed to handle.
func (q *Queue[T]) MarkFailed(n int) {
	q.failed.Add(uint64(n))
}

// Snapshot is a point-in-time view of the queue counters.
type Snapshot struct {
	Depth     int64
	PeakDepth int64
	Enqueued  uint64
	Dequeued  uint64
	Processed uint64
	Failed    uint64
	AvgWait   time.Duration
}

// Metrics returns the current counter values. Counters are read individually
// without a global lock, so a snapshot taken under concurrent traffic is
// approximate but each counter is itself exact.
func (q *Queue[T]) Metrics() Snapshot {
	dequeued := q.dequeued.Load()
	var avgWait time.Duration
	if dequeued > 0 {
		avgWait = time.Duration(q.waitTotalNs.Load() / int64(dequeued))
	}
	return Snapshot{
		Depth:     q.depth.Load(),
		PeakDepth: q.peakDepth.Load(),
		Enqueued:  q.enqueued.Load(),
		Dequeued:  q.dequeued.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		AvgWait:   avgWait,
	}
}
