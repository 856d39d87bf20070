package container

import (
	"context"

	sync "github.com/sasha-s/go-deadlock"
)

// UniqueQueue is a queue that has unique items.
// UniqueQueue is a queue, so the value pushed first will popped first.
// Same values cannot be exist in this queue.
// It is not safe for concurrent use.
type UniqueQueue[T comparable] struct {
	has     map[T]bool
	removed map[T]bool
	first   *queueItem[T]
	last    *queueItem[T]
	n       int
}

// queueItem wraps a value.
// It directs the next queueItem, so the queue can traverse.
type queueItem[T comparable] struct {
	v    T
	next *queueItem[T]
}

// NewUniqueQueue creates a new UniqueQueue.
func NewUniqueQueue[T comparable]() *UniqueQueue[T] {
	return &UniqueQueue[T]{
		has:     make(map[T]bool),
		removed: make(map[T]bool),
	}
}

// Push pushs a value to the queue.
// If the same value has already exists in the queue, it does nothing and returns false.
func (q *UniqueQueue[T]) Push(v T) bool {
	if q.removed[v] {
		// still linked in the queue, revive it.
		delete(q.removed, v)
		q.n++
		return true
	}
	if q.has[v] {
		return false
	}
	q.has[v] = true
	item := &queueItem[T]{v: v}
	if q.first == nil {
		q.first = item
	} else {
		q.last.next = item
	}
	q.last = item
	q.n++
	return true
}

// Pop pops a value from the queue.
// The second return value is false when the queue is empty.
// It will clean up any removed value it met.
func (q *UniqueQueue[T]) Pop() (T, bool) {
	for {
		if q.first == nil {
			var zero T
			return zero, false
		}
		v := q.first.v
		if q.first == q.last {
			q.first = nil
			q.last = nil
		} else {
			q.first = q.first.next
		}
		delete(q.has, v)
		if q.removed[v] {
			delete(q.removed, v)
			continue
		}
		q.n--
		return v, true
	}
}

// Remove finds and removes the given value from the queue.
// If the queue has the value, it removes the value and returns true.
// Otherwise, it does nothing and returns false.
// It doesn't remove the element right away.
// Pop will clean removed elements internally.
func (q *UniqueQueue[T]) Remove(v T) bool {
	if !q.has[v] {
		return false
	}
	if q.removed[v] {
		return false
	}
	q.removed[v] = true
	q.n--
	return true
}

// Len returns the number of values that Pop will return.
func (q *UniqueQueue[T]) Len() int {
	return q.n
}

// WorkQueue hands pushed values to a handler, one at a time, on the goroutine
// that calls Run. A value pushed again before it is handled is merged with
// the pending one.
type WorkQueue[T comparable] struct {
	mu      sync.Mutex
	q       *UniqueQueue[T]
	handler func(T)
	wake    chan struct{}
}

// NewWorkQueue creates a new WorkQueue.
func NewWorkQueue[T comparable](handler func(T)) *WorkQueue[T] {
	return &WorkQueue[T]{
		q:       NewUniqueQueue[T](),
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
}

// Push adds v to the queue. It never blocks.
func (w *WorkQueue[T]) Push(v T) bool {
	w.mu.Lock()
	ok := w.q.Push(v)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return ok
}

// Len returns the number of pending values.
func (w *WorkQueue[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.q.Len()
}

// Drain handles every pending value on the calling goroutine.
func (w *WorkQueue[T]) Drain() {
	for {
		w.mu.Lock()
		v, ok := w.q.Pop()
		w.mu.Unlock()
		if !ok {
			return
		}
		w.handler(v)
	}
}

// Run handles values until ctx is done.
func (w *WorkQueue[T]) Run(ctx context.Context) {
	for {
		w.Drain()
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
	}
}
