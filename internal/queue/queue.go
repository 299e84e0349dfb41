// Package queue provides a generic FIFO queue that is safe for concurrent use.
//
// ConcurrentQueue guards its backing sequence with a single sync.RWMutex:
//   - IsEmpty, Len and Next take the read lock and may run in parallel
//   - every mutation takes the write lock and excludes all readers
//
// Any number of producer and consumer goroutines may share one queue.
// The queue never blocks waiting for elements and never starts goroutines;
// consumers poll it (see package retry for a consumer loop).
//
// # Ordering
//
// Elements come out in the order they went in, except that InsertFirst
// places an element ahead of everything already queued. This is how a
// consumer puts a failed item back so it is retried next.
//
// Next followed by Dequeue is two critical sections, not one. Another
// consumer may remove the front element in between. Use DequeueIf when the
// decision to remove depends on the front element.
package queue

// Queue is a FIFO queue safe for concurrent use.
//
// Next and Dequeue report false when the queue is empty. An empty queue is
// the normal idle state for a consumer, not an error.
type Queue[T any] interface {
	// IsEmpty reports whether the queue holds no elements.
	IsEmpty() bool

	// Len returns the number of queued elements.
	Len() int

	// Next returns the front element without removing it.
	Next() (T, bool)

	// InsertFirst puts v at the front, ahead of all queued elements.
	InsertFirst(v T)

	// Enqueue appends v and returns the length after insertion.
	Enqueue(v T) int

	// EnqueueAll appends vs in order as one atomic step and returns the
	// length after insertion.
	EnqueueAll(vs ...T) int

	// Dequeue removes and returns the front element.
	Dequeue() (T, bool)

	// DequeueIf removes and returns the front element only if pred
	// accepts it.
	DequeueIf(pred func(T) bool) (T, bool)

	// Clear removes all elements.
	Clear()
}
