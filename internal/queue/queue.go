// Package queue implements a segmented FIFO queue used to buffer
// frames and deliveries between a connection's reader goroutine and
// the session/link mux goroutines that consume them.
package queue

// Queue[T] is a segmented FIFO queue of Ts. Segments are allocated
// lazily as the queue grows and never shrink back, trading memory for
// allocation-free steady-state Enqueue/Dequeue.
type Queue[T any] struct {
	next  *Queue[T]
	items []*T
	head  int
	tail  int
}

// New creates a new instance of Queue[T].
//   - size is the size of each Queue segment
func New[T any](size int) *Queue[T] {
	return &Queue[T]{
		items: make([]*T, size),
	}
}

// Enqueue adds the specified item to the end of the queue.
// If the current segment is full, a new segment is created.
func (q *Queue[T]) Enqueue(item T) {
	cur := q
	for {
		if cur.next != nil {
			cur = cur.next
			continue
		}

		if cur.tail < len(cur.items) {
			cur.items[cur.tail] = &item
			cur.tail++
			return
		}

		break
	}

	cur.next = &Queue[T]{
		items: make([]*T, len(cur.items)),
	}
	cur.next.Enqueue(item)
}

// Dequeue removes and returns the item from the front of the queue.
func (q *Queue[T]) Dequeue() *T {
	if q.head == q.tail {
		if q.next != nil {
			return q.next.Dequeue()
		}
		return nil
	}

	item := q.items[q.head]
	q.head++
	if q.head == q.tail {
		q.head, q.tail = 0, 0
	}

	return item
}

// Len returns the total count of enqueued items.
func (q *Queue[T]) Len() int {
	var size int
	for cur := q; cur != nil; cur = cur.next {
		size += cur.tail - cur.head
	}
	return size
}

// Holder pairs a Queue[T] with a channel that signals its availability
// to a single consumer goroutine, used where a mux loop needs to
// select on "queue has an item" alongside other channels without
// polling. Wait blocks until the holder is released (via Release) by
// whichever goroutine last drained it.
type Holder[T any] struct {
	q  *Queue[T]
	ch chan struct{}
}

// NewHolder creates a Holder wrapping a freshly allocated Queue[T]
// with the given segment size. The holder starts released.
func NewHolder[T any](size int) *Holder[T] {
	h := &Holder[T]{
		q:  New[T](size),
		ch: make(chan struct{}, 1),
	}
	h.ch <- struct{}{}
	return h
}

// Wait blocks until the queue is available for exclusive access,
// returning it. Release must be called exactly once per successful
// Wait to hand the queue back.
func (h *Holder[T]) Wait() *Queue[T] {
	<-h.ch
	return h.q
}

// Release returns q (previously obtained from Wait) to the holder.
func (h *Holder[T]) Release(q *Queue[T]) {
	h.ch <- struct{}{}
}
