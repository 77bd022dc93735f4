package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("[liveobjects] queue is closed")
var ErrOverflow = errors.New("[liveobjects] queue is overflowed")

// Queue is a bounded FIFO between one producer side that must never
// block (event dispatch) and a consumer that waits on a context.
// Once a push overflows, the queue stays overflowed and reads
// drain what is left, then fail with ErrOverflow.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	limit      int
	closed     bool
	overflowed bool
	signal     chan struct{}
}

func NewQueue[T any](limit int) *Queue[T] {
	if limit <= 0 {
		limit = 1
	}
	return &Queue[T]{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Push appends without blocking.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.overflowed {
		return ErrOverflow
	}
	if len(q.items) >= q.limit {
		q.overflowed = true
		q.wake()
		return ErrOverflow
	}
	q.items = append(q.items, item)
	q.wake()
	return nil
}

// Pop waits for the next item.
func (q *Queue[T]) Pop(ctx context.Context) (item T, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return item, nil
		}
		switch {
		case q.overflowed:
			err = ErrOverflow
		case q.closed:
			err = ErrClosed
		}
		q.mu.Unlock()
		if err != nil {
			return item, err
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return item, ctx.Err()
		}
	}
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close lets readers drain the rest; further pushes fail.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wake()
	return nil
}
