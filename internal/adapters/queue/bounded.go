package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ghalamif/Tether/internal/domain"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("queue closed")

// Bounded is a fixed-capacity FIFO between two pipeline stages. Put blocks
// while the queue is full, which is how backpressure reaches the producer.
// There is exactly one producer and one consumer per queue.
type Bounded struct {
	name string
	ch   chan *domain.Record

	closeOnce sync.Once
	closed    chan struct{}
	highWater atomic.Int64
}

func NewBounded(name string, capacity int) *Bounded {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded{
		name:   name,
		ch:     make(chan *domain.Record, capacity),
		closed: make(chan struct{}),
	}
}

// Put enqueues r, blocking until there is room, ctx is done or the queue is
// closed.
func (q *Bounded) Put(ctx context.Context, r *domain.Record) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- r:
		q.observeLen()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

// Take dequeues the oldest record. ok is false once the queue is closed and
// drained.
func (q *Bounded) Take(ctx context.Context) (r *domain.Record, ok bool, err error) {
	select {
	case r, ok = <-q.ch:
		return r, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// TryTake dequeues without blocking.
func (q *Bounded) TryTake() (*domain.Record, bool) {
	select {
	case r, ok := <-q.ch:
		return r, ok
	default:
		return nil, false
	}
}

// Close stops producers. Records already queued stay available to Take. Close
// must only be called once the producer has returned.
func (q *Bounded) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		close(q.ch)
	})
}

func (q *Bounded) Name() string { return q.name }
func (q *Bounded) Len() int     { return len(q.ch) }
func (q *Bounded) Cap() int     { return cap(q.ch) }

// HighWater is the largest length observed after a Put.
func (q *Bounded) HighWater() int { return int(q.highWater.Load()) }

func (q *Bounded) observeLen() {
	n := int64(len(q.ch))
	for {
		cur := q.highWater.Load()
		if n <= cur || q.highWater.CompareAndSwap(cur, n) {
			return
		}
	}
}
