package core

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// OperationStarted is emitted on the worker right before a body runs.
type OperationStarted struct {
	ID        string
	Name      string
	Priority  Priority
	StartTime time.Time
}

// OperationCompleted is emitted after a body returned without being canceled.
type OperationCompleted struct {
	ID       string
	Name     string
	Priority Priority
	Duration time.Duration
	Success  bool
	Err      error
}

// OperationCanceled is emitted for queue-level and cooperative cancellations.
type OperationCanceled struct {
	ID       string
	Name     string
	Priority Priority
	Reason   string
}

// QueueStatusChanged carries a fresh snapshot after every queue transition.
type QueueStatusChanged struct {
	Status QueueStatus
}

// MemoryPressureDetected is emitted once per pressure level change.
type MemoryPressureDetected struct {
	Usage          int64
	Level          PressureLevel
	Previous       PressureLevel
	Recommendation string
}

// PerformanceMetricsUpdated is emitted on every monitor tick.
type PerformanceMetricsUpdated struct {
	Snapshot PerformanceSnapshot
}

// ResourceRegistered is emitted when a resource starts being tracked.
type ResourceRegistered struct {
	Key           string
	Name          string
	TypeTag       string
	EstimatedSize int64
}

// ResourceUnregistered is emitted when a tracked resource is dropped.
// Disposed is true when the tracker closed the resource itself.
type ResourceUnregistered struct {
	Key      string
	Name     string
	TypeTag  string
	Disposed bool
}

// CleanupPerformed is emitted after every forced memory cleanup.
type CleanupPerformed struct {
	Report CleanupReport
}

// =============================================================================
// Hub: ordered observer list
// =============================================================================

// Hub delivers values of type E to its subscribers, synchronously and in
// subscription order, on whichever goroutine emits. A panicking subscriber is
// logged and does not affect the others.
type Hub[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[E]
	logger Logger
}

type subscriber[E any] struct {
	id uint64
	fn func(E)
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber[E]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub[E]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub[E]) setLogger(l Logger) {
	h.mu.Lock()
	h.logger = l
	h.mu.Unlock()
}

func (h *Hub[E]) emit(e E) {
	h.mu.RLock()
	if len(h.subs) == 0 {
		h.mu.RUnlock()
		return
	}
	subs := make([]subscriber[E], len(h.subs))
	copy(subs, h.subs)
	logger := h.logger
	h.mu.RUnlock()

	for _, s := range subs {
		h.deliver(s.fn, e, logger)
	}
}

func (h *Hub[E]) deliver(fn func(E), e E, logger Logger) {
	defer func() {
		if rec := recover(); rec != nil && logger != nil {
			logger.Error("event subscriber panicked",
				F("event", typeName(e)),
				F("panic", rec),
				F("stack", string(debug.Stack())))
		}
	}()
	fn(e)
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
