package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingLogger captures messages for assertions.
type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	l.messages = append(l.messages, level+" "+msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, fields ...Field) { l.record("DEBUG", msg) }
func (l *recordingLogger) Info(msg string, fields ...Field)  { l.record("INFO", msg) }
func (l *recordingLogger) Warn(msg string, fields ...Field)  { l.record("WARN", msg) }
func (l *recordingLogger) Error(msg string, fields ...Field) { l.record("ERROR", msg) }

func (l *recordingLogger) has(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// recordingPanicHandler captures recovered panics.
type recordingPanicHandler struct {
	mu     sync.Mutex
	panics []any
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, source, operation string, panicInfo any, stack []byte) {
	h.mu.Lock()
	h.panics = append(h.panics, panicInfo)
	h.mu.Unlock()
}

func (h *recordingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.panics)
}

// testQueueConfig returns a quiet config suitable for tests.
func testQueueConfig() *QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.Name = "test"
	cfg.IdlePollInterval = 5 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	cfg.PanicHandler = &recordingPanicHandler{}
	return cfg
}

// newQueue creates a stopped queue disposed at test cleanup.
func newQueue(t *testing.T, cfg *QueueConfig) *OperationQueue {
	t.Helper()
	if cfg == nil {
		cfg = testQueueConfig()
	}
	q, err := NewOperationQueue(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Dispose() })
	return q
}

// newStartedQueue creates a running queue disposed at test cleanup.
func newStartedQueue(t *testing.T, cfg *QueueConfig) *OperationQueue {
	t.Helper()
	q := newQueue(t, cfg)
	require.NoError(t, q.Start())
	return q
}

// blockWorker occupies the worker until the returned release func is called.
// It returns once the blocking body has started.
func blockWorker(t *testing.T, q *OperationQueue) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	_, err := q.SubmitFunc("blocker", PriorityCritical, func(ctx context.Context) error {
		close(started)
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker did not start")
	}
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// staticSampler returns a sampler whose value the test controls.
type staticSampler struct {
	mu    sync.Mutex
	usage int64
	err   error
}

func (s *staticSampler) set(usage int64) {
	s.mu.Lock()
	s.usage = usage
	s.mu.Unlock()
}

func (s *staticSampler) Usage() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.err
}
