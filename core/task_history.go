package core

import (
	"sync"
	"time"
)

const defaultHistoryCapacity = 100

// operationHistory is a fixed-size ring of finished operations.
type operationHistory struct {
	mu    sync.Mutex
	items []OperationRecord
	head  int
	count int
}

func newOperationHistory(capacity int) *operationHistory {
	if capacity < 1 {
		capacity = defaultHistoryCapacity
	}
	return &operationHistory{items: make([]OperationRecord, capacity)}
}

func (h *operationHistory) Add(record OperationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.head] = record
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Recent returns up to limit records, newest first.
func (h *operationHistory) Recent(limit int) []OperationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}

	if limit <= 0 || limit > h.count {
		limit = h.count
	}

	out := make([]OperationRecord, 0, limit)
	for i := range limit {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

// AverageWait is the mean enqueue-to-start delay of the operations that actually ran.
func (h *operationHistory) AverageWait() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	var total time.Duration
	var n int
	for i := range h.count {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		rec := h.items[idx]
		if rec.StartedAt.IsZero() {
			continue
		}
		total += rec.Wait
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}
