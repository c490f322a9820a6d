package core

import (
	"fmt"
	"io"
	"path"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const defaultAutoCleanupInterval = 30 * time.Second

// aggressiveCleanupPasses is the number of GC passes an aggressive cleanup runs.
const aggressiveCleanupPasses = 3

// TrackerConfig holds configuration options for ResourceTracker.
type TrackerConfig struct {
	// WarningThreshold is the usage, in bytes, at which cleanup is needed.
	WarningThreshold int64

	// CriticalThreshold must be greater than WarningThreshold.
	CriticalThreshold int64

	// AutoCleanup schedules a background cleanup when a registration happens
	// above the warning threshold.
	AutoCleanup bool

	// AutoCleanupInterval is the minimum time between two automatic cleanups.
	AutoCleanupInterval time.Duration

	// Sampler reads memory usage. Defaults to HeapSampler.
	Sampler UsageSampler

	Logger  Logger
	Metrics Metrics
}

// DefaultTrackerConfig derives the thresholds from DefaultPressureThresholds:
// warning at Moderate, critical at High.
func DefaultTrackerConfig() *TrackerConfig {
	t := DefaultPressureThresholds()
	return &TrackerConfig{
		WarningThreshold:    t.Moderate,
		CriticalThreshold:   t.High,
		AutoCleanup:         true,
		AutoCleanupInterval: defaultAutoCleanupInterval,
		Sampler:             HeapSampler{},
		Logger:              NewNoOpLogger(),
		Metrics:             &NilMetrics{},
	}
}

func validateTrackerThresholds(warning, critical int64) error {
	if warning <= 0 || critical <= warning {
		return fmt.Errorf("%w: warning=%d critical=%d", ErrInvalidThresholds, warning, critical)
	}
	return nil
}

// ResourceHandle identifies one registration.
type ResourceHandle struct {
	key string
}

// Key returns the unique registration key, "name#uuid".
func (h ResourceHandle) Key() string { return h.key }

// TrackerEvents groups the notifications emitted by a ResourceTracker.
type TrackerEvents struct {
	Registered   Hub[ResourceRegistered]
	Unregistered Hub[ResourceUnregistered]
	Cleanup      Hub[CleanupPerformed]
}

type trackedResource struct {
	key          string
	name         string
	typeTag      string
	size         int64
	registeredAt time.Time
	// resolve returns the resource while it is still reachable, nil otherwise.
	// It captures only a weak pointer.
	resolve func() any
}

// ResourceTracker observes disposable resources through weak pointers, so
// tracking never keeps a resource alive. The tracker disposes resources only
// during explicit cleanups.
type ResourceTracker struct {
	mu        sync.Mutex
	resources map[string]*trackedResource
	tracked   int64

	warning     atomic.Int64
	critical    atomic.Int64
	autoCleanup atomic.Bool
	peak        atomic.Int64

	sampler UsageSampler
	logger  Logger
	metrics Metrics

	flight  singleflight.Group
	limiter *rate.Limiter
	bg      sync.WaitGroup
	closed  atomic.Bool

	events TrackerEvents
}

// NewResourceTracker creates a tracker. A nil cfg uses DefaultTrackerConfig.
func NewResourceTracker(cfg *TrackerConfig) (*ResourceTracker, error) {
	if cfg == nil {
		cfg = DefaultTrackerConfig()
	}
	if err := validateTrackerThresholds(cfg.WarningThreshold, cfg.CriticalThreshold); err != nil {
		return nil, err
	}
	interval := cfg.AutoCleanupInterval
	if interval <= 0 {
		interval = defaultAutoCleanupInterval
	}

	t := &ResourceTracker{
		resources: make(map[string]*trackedResource),
		sampler:   orHeapSampler(cfg.Sampler),
		logger:    orNoOp(cfg.Logger),
		metrics:   orNilMetrics(cfg.Metrics),
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}
	t.warning.Store(cfg.WarningThreshold)
	t.critical.Store(cfg.CriticalThreshold)
	t.autoCleanup.Store(cfg.AutoCleanup)

	t.events.Registered.setLogger(t.logger)
	t.events.Unregistered.setLogger(t.logger)
	t.events.Cleanup.setLogger(t.logger)
	return t, nil
}

// Events exposes the tracker's notification hubs.
func (t *ResourceTracker) Events() *TrackerEvents {
	return &t.events
}

// Track registers res under name. *T must implement io.Closer. Duplicate names
// are allowed; every registration gets its own handle.
func Track[T any](t *ResourceTracker, res *T, name string, size int64) (ResourceHandle, error) {
	if res == nil {
		return ResourceHandle{}, ErrNilResource
	}
	if name == "" {
		return ResourceHandle{}, ErrEmptyResourceName
	}
	if _, ok := any(res).(io.Closer); !ok {
		return ResourceHandle{}, fmt.Errorf("%w: %T", ErrNotCloser, res)
	}

	wp := weak.Make(res)
	entry := &trackedResource{
		key:          name + "#" + uuid.NewString(),
		name:         name,
		typeTag:      typeName(res),
		size:         max(size, 0),
		registeredAt: time.Now(),
		resolve: func() any {
			if p := wp.Value(); p != nil {
				return p
			}
			return nil
		},
	}

	t.mu.Lock()
	t.resources[entry.key] = entry
	t.tracked += entry.size
	t.mu.Unlock()

	t.logger.Debug("resource registered",
		F("key", entry.key), F("type", entry.typeTag), F("size", entry.size))
	t.events.Registered.emit(ResourceRegistered{
		Key:           entry.key,
		Name:          entry.name,
		TypeTag:       entry.typeTag,
		EstimatedSize: entry.size,
	})

	t.maybeAutoCleanup()
	return ResourceHandle{key: entry.key}, nil
}

func (t *ResourceTracker) maybeAutoCleanup() {
	if !t.autoCleanup.Load() || t.closed.Load() || !t.IsCleanupNeeded() {
		return
	}
	if !t.limiter.Allow() {
		return
	}
	// Add under mu so it cannot race Close's Wait.
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return
	}
	t.bg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.bg.Done()
		t.logger.Info("automatic cleanup triggered", F("warning", t.warning.Load()))
		t.ForceMemoryCleanup(false)
	}()
}

// Unregister removes one registration without disposing the resource.
func (t *ResourceTracker) Unregister(h ResourceHandle) bool {
	t.mu.Lock()
	entry, ok := t.resources[h.key]
	if ok {
		t.removeLocked(entry)
	}
	t.mu.Unlock()

	if ok {
		t.emitUnregistered(entry, false)
	}
	return ok
}

// UnregisterResource removes every registration of res without disposing it.
func (t *ResourceTracker) UnregisterResource(res any) int {
	if res == nil {
		return 0
	}
	return t.unregisterMatching(func(e *trackedResource, v any) bool { return v == res })
}

// UnregisterName removes every registration named name without disposing them.
func (t *ResourceTracker) UnregisterName(name string) int {
	return t.unregisterMatching(func(e *trackedResource, v any) bool { return e.name == name })
}

func (t *ResourceTracker) unregisterMatching(match func(*trackedResource, any) bool) int {
	var removed []*trackedResource
	t.mu.Lock()
	for _, e := range t.resources {
		if match(e, e.resolve()) {
			t.removeLocked(e)
			removed = append(removed, e)
		}
	}
	t.mu.Unlock()

	for _, e := range removed {
		t.emitUnregistered(e, false)
	}
	return len(removed)
}

// CleanupAll disposes every live resource and returns how many were disposed.
func (t *ResourceTracker) CleanupAll() int {
	return t.cleanupMatching(func(*trackedResource, any) bool { return true })
}

// CleanupByType disposes every live resource of type *T.
func CleanupByType[T any](t *ResourceTracker) int {
	return t.cleanupMatching(func(_ *trackedResource, v any) bool {
		_, ok := v.(*T)
		return ok
	})
}

// CleanupByName disposes every live resource whose name matches pattern,
// using path.Match syntax.
func (t *ResourceTracker) CleanupByName(pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return t.cleanupMatching(func(e *trackedResource, _ any) bool {
		ok, _ := path.Match(pattern, e.name)
		return ok
	}), nil
}

type disposal struct {
	entry  *trackedResource
	closer io.Closer
}

func (t *ResourceTracker) cleanupMatching(match func(*trackedResource, any) bool) int {
	var (
		dead    []*trackedResource
		pending []disposal
	)

	t.mu.Lock()
	for _, e := range t.resources {
		v := e.resolve()
		if v == nil {
			t.removeLocked(e)
			dead = append(dead, e)
			continue
		}
		if !match(e, v) {
			continue
		}
		t.removeLocked(e)
		pending = append(pending, disposal{entry: e, closer: v.(io.Closer)})
	}
	t.mu.Unlock()

	for _, e := range dead {
		t.emitUnregistered(e, false)
	}

	disposed := 0
	for _, d := range pending {
		if err := t.dispose(d); err != nil {
			t.logger.Warn("resource cleanup failed",
				F("key", d.entry.key), F("type", d.entry.typeTag), F("error", err))
			t.emitUnregistered(d.entry, false)
			continue
		}
		disposed++
		t.emitUnregistered(d.entry, true)
	}
	return disposed
}

func (t *ResourceTracker) dispose(d disposal) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("close panicked: %v", rec)
		}
	}()
	return d.closer.Close()
}

// sweep drops registrations whose resource has been reclaimed.
func (t *ResourceTracker) sweep() int {
	var dead []*trackedResource
	t.mu.Lock()
	for _, e := range t.resources {
		if e.resolve() == nil {
			t.removeLocked(e)
			dead = append(dead, e)
		}
	}
	t.mu.Unlock()

	for _, e := range dead {
		t.emitUnregistered(e, false)
	}
	return len(dead)
}

// ForceMemoryCleanup drops dead registrations, runs one GC pass (three when
// aggressive, returning memory to the OS between passes) and drops the
// registrations that pass reclaimed. Concurrent calls of the same kind share
// one run.
func (t *ResourceTracker) ForceMemoryCleanup(aggressive bool) CleanupReport {
	key := "normal"
	if aggressive {
		key = "aggressive"
	}
	v, _, _ := t.flight.Do(key, func() (any, error) {
		return t.forceMemoryCleanup(aggressive), nil
	})
	return v.(CleanupReport)
}

func (t *ResourceTracker) forceMemoryCleanup(aggressive bool) CleanupReport {
	start := time.Now()
	before := t.CurrentUsage()

	cleaned := t.sweep()

	passes := 1
	if aggressive {
		passes = aggressiveCleanupPasses
	}
	for range passes {
		runtime.GC()
		if aggressive {
			debug.FreeOSMemory()
		}
	}

	cleaned += t.sweep()
	after := t.CurrentUsage()

	report := CleanupReport{
		BytesFreed: max(before-after, 0),
		Cleaned:    cleaned,
		Passes:     passes,
		Aggressive: aggressive,
		Duration:   time.Since(start),
	}

	t.metrics.RecordCleanup(report.BytesFreed, report.Cleaned)
	t.logger.Info("memory cleanup performed",
		F("aggressive", aggressive),
		F("freed", report.BytesFreed),
		F("cleaned", report.Cleaned),
		F("duration", report.Duration))
	t.events.Cleanup.emit(CleanupPerformed{Report: report})
	return report
}

// CurrentUsage samples memory usage and updates the peak.
func (t *ResourceTracker) CurrentUsage() int64 {
	usage, err := t.sampler.Usage()
	if err != nil {
		t.logger.Warn("memory sample failed", F("error", err))
		return 0
	}
	for {
		peak := t.peak.Load()
		if usage <= peak || t.peak.CompareAndSwap(peak, usage) {
			break
		}
	}
	return usage
}

// IsCleanupNeeded reports whether usage is at or above the warning threshold.
func (t *ResourceTracker) IsCleanupNeeded() bool {
	return t.CurrentUsage() >= t.warning.Load()
}

// SetThresholds replaces the thresholds; critical must exceed warning and
// both must be positive.
func (t *ResourceTracker) SetThresholds(warning, critical int64) error {
	if err := validateTrackerThresholds(warning, critical); err != nil {
		return err
	}
	t.mu.Lock()
	t.warning.Store(warning)
	t.critical.Store(critical)
	t.mu.Unlock()
	return nil
}

// SetAutoCleanup enables or disables cleanup on registration above the warning threshold.
func (t *ResourceTracker) SetAutoCleanup(enabled bool) {
	t.autoCleanup.Store(enabled)
}

// Len returns the number of registrations, dead or alive.
func (t *ResourceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}

// Statistics returns the tracker's query surface.
func (t *ResourceTracker) Statistics() TrackerStatistics {
	usage := t.CurrentUsage()

	t.mu.Lock()
	count, tracked := len(t.resources), t.tracked
	warning, critical := t.warning.Load(), t.critical.Load()
	t.mu.Unlock()

	return TrackerStatistics{
		CurrentUsage:       usage,
		PeakUsage:          t.peak.Load(),
		TrackedBytes:       tracked,
		TrackedCount:       count,
		WarningThreshold:   warning,
		CriticalThreshold:  critical,
		AutoCleanupEnabled: t.autoCleanup.Load(),
		Timestamp:          time.Now(),
	}
}

// Close disables automatic cleanup and waits for background cleanups to finish.
// Registrations are kept; the tracker stays usable for explicit calls.
func (t *ResourceTracker) Close() {
	t.mu.Lock()
	t.closed.Store(true)
	t.mu.Unlock()
	t.bg.Wait()
}

func (t *ResourceTracker) removeLocked(e *trackedResource) {
	delete(t.resources, e.key)
	t.tracked -= e.size
}

func (t *ResourceTracker) emitUnregistered(e *trackedResource, disposed bool) {
	t.events.Unregistered.emit(ResourceUnregistered{
		Key:      e.key,
		Name:     e.name,
		TypeTag:  e.typeTag,
		Disposed: disposed,
	})
}
