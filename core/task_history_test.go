package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOperationHistory_RingBuffer verifies the ring keeps the newest records
// Given: A history with capacity 3
// When: 5 records are added
// Then: Recent returns the last 3, newest first
func TestOperationHistory_RingBuffer(t *testing.T) {
	h := newOperationHistory(3)
	assert.Nil(t, h.Recent(10))

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		h.Add(OperationRecord{Name: name})
	}

	recent := h.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].Name)
	assert.Equal(t, "d", recent[1].Name)
	assert.Equal(t, "c", recent[2].Name)

	limited := h.Recent(2)
	require.Len(t, limited, 2)
	assert.Equal(t, "e", limited[0].Name)
}

// TestOperationHistory_AverageWait verifies only started operations count
// Given: Two records that ran and one canceled before it started
// When: AverageWait is computed
// Then: The canceled record is ignored
func TestOperationHistory_AverageWait(t *testing.T) {
	h := newOperationHistory(10)
	assert.Zero(t, h.AverageWait())

	now := time.Now()
	h.Add(OperationRecord{Name: "a", StartedAt: now, Wait: 10 * time.Millisecond})
	h.Add(OperationRecord{Name: "b", StartedAt: now, Wait: 30 * time.Millisecond})
	h.Add(OperationRecord{Name: "c", Wait: time.Hour, Outcome: OutcomeCanceled})

	assert.Equal(t, 20*time.Millisecond, h.AverageWait())
}

func TestOperationOutcome_String(t *testing.T) {
	assert.Equal(t, "succeeded", OutcomeSucceeded.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "canceled", OutcomeCanceled.String())
	assert.Equal(t, "panicked", OutcomePanicked.String())
	assert.Equal(t, "unknown", OperationOutcome(42).String())
}
