package core

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePressureQueue struct {
	mu       sync.Mutex
	calls    []string
	canceled int
}

func (f *fakePressureQueue) record(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.canceled
}

func (f *fakePressureQueue) CancelAll() int { return f.record("all") }
func (f *fakePressureQueue) CancelByName(name string) int {
	return f.record("name:" + name)
}
func (f *fakePressureQueue) CancelByPriority(p Priority) int {
	return f.record("priority:" + p.String())
}

func (f *fakePressureQueue) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCleaner struct {
	mu   sync.Mutex
	runs []bool
}

func (f *fakeCleaner) ForceMemoryCleanup(aggressive bool) CleanupReport {
	f.mu.Lock()
	f.runs = append(f.runs, aggressive)
	f.mu.Unlock()
	return CleanupReport{Aggressive: aggressive}
}

func (f *fakeCleaner) recorded() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.runs...)
}

// TestPressurePolicy_Reactions verifies the per-level table
func TestPressurePolicy_Reactions(t *testing.T) {
	tests := []struct {
		name       string
		event      MemoryPressureDetected
		wantCalls  []string
		wantClean  []bool
		wantResult PressureReaction
	}{
		{
			name:       "moderate cleans",
			event:      MemoryPressureDetected{Level: PressureModerate, Previous: PressureNormal},
			wantCalls:  nil,
			wantClean:  []bool{false},
			wantResult: PressureReaction{Level: PressureModerate, Cleanup: true},
		},
		{
			name:       "high cancels low lane and low-value names",
			event:      MemoryPressureDetected{Level: PressureHigh, Previous: PressureModerate},
			wantCalls:  []string{"priority:low", "name:thumbnail", "name:prefetch"},
			wantClean:  []bool{false},
			wantResult: PressureReaction{Level: PressureHigh, Canceled: 6, Cleanup: true},
		},
		{
			name:       "critical cancels everything",
			event:      MemoryPressureDetected{Level: PressureCritical, Previous: PressureNormal},
			wantCalls:  []string{"all"},
			wantClean:  []bool{true},
			wantResult: PressureReaction{Level: PressureCritical, Canceled: 2, Cleanup: true, Aggressive: true},
		},
		{
			name:       "de-escalation does nothing",
			event:      MemoryPressureDetected{Level: PressureModerate, Previous: PressureCritical},
			wantCalls:  nil,
			wantClean:  nil,
			wantResult: PressureReaction{Level: PressureModerate},
		},
		{
			name:       "return to normal does nothing",
			event:      MemoryPressureDetected{Level: PressureNormal, Previous: PressureHigh},
			wantCalls:  nil,
			wantClean:  nil,
			wantResult: PressureReaction{Level: PressureNormal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &fakePressureQueue{canceled: 2}
			cleaner := &fakeCleaner{}
			p := NewPressurePolicy(queue, cleaner, &PolicyConfig{
				LowValueOperations: []string{"thumbnail", "prefetch"},
			})

			got := p.Handle(tt.event)
			p.Wait()

			assert.Equal(t, tt.wantResult, got)
			assert.Equal(t, tt.wantCalls, queue.recorded())
			assert.Equal(t, tt.wantClean, cleaner.recorded())
		})
	}
}

// TestPressurePolicy_NilCollaborators verifies missing parts are skipped
func TestPressurePolicy_NilCollaborators(t *testing.T) {
	p := NewPressurePolicy(nil, nil, nil)

	got := p.Handle(MemoryPressureDetected{Level: PressureCritical, Previous: PressureNormal})
	p.Wait()

	assert.Equal(t, PressureReaction{Level: PressureCritical, Cleanup: true, Aggressive: true}, got)
}

// TestPressurePolicy_AttachDetach verifies monitor wiring
// Given: A policy attached to a monitor
// When: The monitor escalates, the policy is detached, and the monitor escalates again
// Then: Only the first escalation reaches the queue
func TestPressurePolicy_AttachDetach(t *testing.T) {
	sampler := &staticSampler{}
	m := newTestMonitor(t, sampler)
	queue := &fakePressureQueue{}
	cleaner := &fakeCleaner{}
	p := NewPressurePolicy(queue, cleaner, nil)

	p.Attach(m)
	p.Attach(m) // replaces, never doubles
	assert.Equal(t, 1, m.Events().PressureChanged.Len())

	sampler.set(3 * GiB)
	m.Tick()
	p.Detach()

	require.Equal(t, []string{"all"}, queue.recorded())
	assert.Equal(t, []bool{true}, cleaner.recorded())
	assert.Zero(t, m.Events().PressureChanged.Len())

	sampler.set(0)
	m.Tick()
	sampler.set(3 * GiB)
	m.Tick()
	assert.Equal(t, []string{"all"}, queue.recorded())
	p.Detach()
}

// TestPressurePolicy_AgainstRealQueue verifies High pressure on a live queue
func TestPressurePolicy_AgainstRealQueue(t *testing.T) {
	q := newQueue(t, nil)
	body := func(ctx context.Context) (int, error) { return 0, nil }

	low, err := Submit(q, "prefetch", PriorityLow, body)
	require.NoError(t, err)
	thumb, err := Submit(q, "thumbnail", PriorityNormal, body)
	require.NoError(t, err)
	keep, err := Submit(q, "list", PriorityNormal, body)
	require.NoError(t, err)

	p := NewPressurePolicy(q, nil, &PolicyConfig{LowValueOperations: []string{"thumbnail"}})
	got := p.Handle(MemoryPressureDetected{Level: PressureHigh, Previous: PressureNormal})

	assert.Equal(t, 2, got.Canceled)
	assert.True(t, low.IsCanceled())
	assert.True(t, thumb.IsCanceled())
	assert.False(t, keep.IsCanceled())
}
