package queue

// ringQueue implements the Queue interface with a growable ring buffer.
type ringQueue[T any] struct {
	items []T
	head  int
	size  int
}

// NewRingQueue creates a new ring queue with room for prealloc items before it grows.
func NewRingQueue[T any](prealloc int) Queue[T] {
	if prealloc < 1 {
		prealloc = 1
	}

	return &ringQueue[T]{items: make([]T, prealloc)}
}

// Enqueue adds an item to the tail of the queue.
func (q *ringQueue[T]) Enqueue(item T) {
	if q.size == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
}

// Dequeue removes and returns the item at the head of the queue.
func (q *ringQueue[T]) Dequeue() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero // release references held by the slot
	q.head = (q.head + 1) % len(q.items)
	q.size--

	return item, true
}

// Peek returns the item at the head of the queue without removing it.
func (q *ringQueue[T]) Peek() (T, bool) {
	if q.size == 0 {
		var zero T
		return zero, false
	}

	return q.items[q.head], true
}

// PeekPtr returns a pointer to the head slot, or nil if the queue is empty.
func (q *ringQueue[T]) PeekPtr() *T {
	if q.size == 0 {
		return nil
	}

	return &q.items[q.head]
}

// Reset resets the queue to an empty state, keeping the allocated ring.
func (q *ringQueue[T]) Reset() {
	clear(q.items)
	q.head = 0
	q.size = 0
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *ringQueue[T]) IsEmpty() bool {
	return q.size == 0
}

// Length returns the number of items in the queue.
func (q *ringQueue[T]) Length() int {
	return q.size
}

func (q *ringQueue[T]) grow() {
	items := make([]T, len(q.items)*2)
	n := copy(items, q.items[q.head:])
	copy(items[n:], q.items[:q.head])
	q.items = items
	q.head = 0
}
