// Package dispatch provides the partition serial dispatcher: an
// in-process scheduler that runs delegates strictly in push order within
// a partition while letting distinct partitions proceed concurrently.
// Per-entity ordering for consumed messages is built on top of it.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/ten-ans/bunnybus/message"
)

// Delegate is a unit of work scheduled on a partition queue. A returned
// error is logged and does not stop the partition's drain.
type Delegate func() error

// SerialDispatcher serializes delegates per partition key. A partition
// queue exists only while it has pending work; it is evicted from the
// registry once it drains.
type SerialDispatcher struct {
	selectors []string
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string]*partitionQueue
	idle   *sync.Cond
}

type partitionQueue struct {
	pending []Delegate
}

// Option configures the SerialDispatcher.
type Option func(*SerialDispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *SerialDispatcher) {
		d.logger = logger
	}
}

// NewSerialDispatcher creates a dispatcher with the given partition key
// selectors. With no selectors every delegate lands on the default
// partition of its queue and runs serially.
func NewSerialDispatcher(selectors []string, options ...Option) *SerialDispatcher {
	d := &SerialDispatcher{
		selectors: selectors,
		logger:    slog.Default(),
		queues:    make(map[string]*partitionQueue),
	}
	d.idle = sync.NewCond(&d.mu)

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Push schedules a delegate under the partition resolved from the
// payload. Delegates with the same queue name and partition value run
// one at a time in push order; everything else may interleave.
func (d *SerialDispatcher) Push(queueName string, delegate Delegate, payload map[string]any) {
	partition := message.ResolvePartition(d.selectors, payload)
	key := queueName + ":" + partition

	d.mu.Lock()
	q, running := d.queues[key]
	if !running {
		q = &partitionQueue{}
		d.queues[key] = q
	}
	q.pending = append(q.pending, delegate)
	d.mu.Unlock()

	if !running {
		go d.drain(key, q)
	}
}

// drain runs the queue's delegates to completion, then removes the
// queue from the registry.
func (d *SerialDispatcher) drain(key string, q *partitionQueue) {
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, key)
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		head := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		d.invoke(key, head)
	}
}

func (d *SerialDispatcher) invoke(key string, delegate Delegate) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch delegate panicked",
				"partition", key,
				"panic", r,
			)
		}
	}()

	if err := delegate(); err != nil {
		d.logger.Error("dispatch delegate failed",
			"partition", key,
			"error", err,
		)
	}
}

// Size returns the number of live partition queues.
func (d *SerialDispatcher) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Wait blocks until every partition queue has drained.
func (d *SerialDispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queues) > 0 {
		d.idle.Wait()
	}
}
