package queue

import (
	"sync"

	"github.com/ef-ds/deque"
)

// ConcurrentQueue is an unbounded FIFO queue guarded by a read/write lock.
//
// The zero value is an empty queue ready to use. A ConcurrentQueue must not
// be copied after first use; share it by pointer.
type ConcurrentQueue[T any] struct {
	mu    sync.RWMutex
	items deque.Deque
}

var _ Queue[int] = (*ConcurrentQueue[int])(nil)

// New creates a ConcurrentQueue pre-seeded with items, front first.
func New[T any](items ...T) *ConcurrentQueue[T] {
	q := &ConcurrentQueue[T]{}
	for _, v := range items {
		q.items.PushBack(v)
	}
	return q
}

// IsEmpty reports whether the queue holds no elements.
func (q *ConcurrentQueue[T]) IsEmpty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.items.Len() == 0
}

// Len returns the number of queued elements.
func (q *ConcurrentQueue[T]) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.items.Len()
}

// Next returns the front element without removing it.
// Returns false if the queue is empty.
func (q *ConcurrentQueue[T]) Next() (T, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return unwrap[T](q.items.Front())
}

// InsertFirst puts v at the front so the next Dequeue returns it.
func (q *ConcurrentQueue[T]) InsertFirst(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushFront(v)
}

// Enqueue appends v and returns the length after insertion.
func (q *ConcurrentQueue[T]) Enqueue(v T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(v)
	return q.items.Len()
}

// EnqueueAll appends vs in order and returns the length after insertion.
//
// The whole batch is appended under one lock, so no other mutation lands
// between its elements.
func (q *ConcurrentQueue[T]) EnqueueAll(vs ...T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range vs {
		q.items.PushBack(v)
	}
	return q.items.Len()
}

// Dequeue removes and returns the front element.
// Returns false if the queue is empty.
func (q *ConcurrentQueue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return unwrap[T](q.items.PopFront())
}

// DequeueIf removes and returns the front element if pred accepts it.
// Returns false if the queue is empty or pred rejects the front element,
// in which case the queue is left unchanged.
//
// pred runs with the write lock held and must not call back into q.
func (q *ConcurrentQueue[T]) DequeueIf(pred func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front, ok := unwrap[T](q.items.Front())
	if !ok || !pred(front) {
		var zero T
		return zero, false
	}
	q.items.PopFront()
	return front, true
}

// Clear removes all elements.
func (q *ConcurrentQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = deque.Deque{}
}

// unwrap converts a deque result back to T. Only values of type T are
// ever pushed. A nil interface value (T is an interface type and nil was
// queued) comes back as the zero T.
func unwrap[T any](v interface{}, ok bool) (T, bool) {
	if !ok {
		var zero T
		return zero, false
	}
	t, _ := v.(T)
	return t, true
}
