package core

import (
	"fmt"
	"runtime"
)

// PressureLevel is an ordered classification of memory usage.
type PressureLevel int32

const (
	PressureNormal PressureLevel = iota
	PressureModerate
	PressureHigh
	PressureCritical
)

func (l PressureLevel) String() string {
	switch l {
	case PressureNormal:
		return "normal"
	case PressureModerate:
		return "moderate"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return fmt.Sprintf("pressure(%d)", int(l))
	}
}

// Recommendation is the advisory text attached to pressure events.
func (l PressureLevel) Recommendation() string {
	switch l {
	case PressureNormal:
		return "memory usage is normal"
	case PressureModerate:
		return "consider running a memory cleanup"
	case PressureHigh:
		return "cancel low-priority work and run a memory cleanup"
	case PressureCritical:
		return "cancel all pending work and force aggressive cleanup"
	default:
		return ""
	}
}

const (
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

// PressureThresholds is the lower bound, in bytes, of each elevated level.
// Usage below Moderate is Normal.
type PressureThresholds struct {
	Moderate int64
	High     int64
	Critical int64
}

// DefaultPressureThresholds is the authoritative table: Normal below 512MiB,
// Moderate below 1GiB, High below 2GiB, Critical from 2GiB.
func DefaultPressureThresholds() PressureThresholds {
	return PressureThresholds{
		Moderate: 512 * MiB,
		High:     1 * GiB,
		Critical: 2 * GiB,
	}
}

// Validate requires 0 < Moderate < High < Critical.
func (t PressureThresholds) Validate() error {
	if t.Moderate <= 0 || t.High <= t.Moderate || t.Critical <= t.High {
		return fmt.Errorf("%w: moderate=%d high=%d critical=%d",
			ErrInvalidThresholds, t.Moderate, t.High, t.Critical)
	}
	return nil
}

// Classify maps a usage sample onto a level.
func (t PressureThresholds) Classify(usage int64) PressureLevel {
	switch {
	case usage >= t.Critical:
		return PressureCritical
	case usage >= t.High:
		return PressureHigh
	case usage >= t.Moderate:
		return PressureModerate
	default:
		return PressureNormal
	}
}

// =============================================================================
// UsageSampler: where memory usage comes from
// =============================================================================

// UsageSampler reports the process memory usage in bytes.
type UsageSampler interface {
	Usage() (int64, error)
}

// UsageSamplerFunc adapts a function to UsageSampler.
type UsageSamplerFunc func() (int64, error)

func (f UsageSamplerFunc) Usage() (int64, error) { return f() }

// HeapSampler reports live heap bytes from the Go runtime.
type HeapSampler struct{}

func (HeapSampler) Usage() (int64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc), nil
}

func orHeapSampler(s UsageSampler) UsageSampler {
	if s == nil {
		return HeapSampler{}
	}
	return s
}
