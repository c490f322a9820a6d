package core

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// =============================================================================
// fifo: slice-backed FIFO shared by the operation lanes and the runner queue.
// Not synchronized; the owner holds its own lock.
// =============================================================================

type fifo[T any] struct {
	items []T
}

func newFIFO[T any]() fifo[T] {
	return fifo[T]{items: make([]T, 0, defaultQueueCap)}
}

func (q *fifo[T]) push(item T) {
	q.items = append(q.items, item)
}

func (q *fifo[T]) pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.items[0] = zero
	q.items = q.items[1:]
	q.maybeCompact()

	return item, true
}

func (q *fifo[T]) len() int {
	return len(q.items)
}

// drain removes and returns every item in FIFO order.
func (q *fifo[T]) drain() []T {
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]T, 0, defaultQueueCap)
	return out
}

// removeIf removes the items matching pred and returns them in FIFO order.
// Surviving items keep their relative order.
func (q *fifo[T]) removeIf(pred func(T) bool) []T {
	var removed []T
	kept := q.items[:0]
	for _, item := range q.items {
		if pred(item) {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}
	// Zero the tail so dropped items can be collected
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	q.maybeCompact()
	return removed
}

func (q *fifo[T]) maybeCompact() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]T, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]T, n, newCap)
	copy(newSlice, q.items)
	q.items = newSlice
}
