package core

import (
	"slices"
	"sync"
)

// PressureQueue is the cancellation surface a PressurePolicy drives.
// OperationQueue implements it.
type PressureQueue interface {
	CancelAll() int
	CancelByName(name string) int
	CancelByPriority(priority Priority) int
}

// PressureCleaner reclaims memory. ResourceTracker implements it.
type PressureCleaner interface {
	ForceMemoryCleanup(aggressive bool) CleanupReport
}

var (
	_ PressureQueue   = (*OperationQueue)(nil)
	_ PressureCleaner = (*ResourceTracker)(nil)
)

// PolicyConfig holds configuration options for PressurePolicy.
type PolicyConfig struct {
	// LowValueOperations are operation names canceled on High pressure, in
	// addition to the whole Low lane.
	LowValueOperations []string

	Logger Logger
}

// PressureReaction summarizes what the policy did for one level change.
type PressureReaction struct {
	Level      PressureLevel
	Canceled   int
	Cleanup    bool
	Aggressive bool
}

// PressurePolicy reacts to pressure escalations by canceling queued work and
// forcing memory cleanups:
//
//	Moderate  normal cleanup
//	High      cancel the Low lane and the low-value operations, normal cleanup
//	Critical  cancel everything, aggressive cleanup
//
// De-escalation does nothing. Cancellation happens on the notifying goroutine;
// cleanups run in the background so sampling is never blocked by GC passes.
type PressurePolicy struct {
	queue    PressureQueue
	cleaner  PressureCleaner
	lowValue []string
	logger   Logger

	mu          sync.Mutex
	unsubscribe func()
	cleanups    sync.WaitGroup
}

// NewPressurePolicy creates a policy. Either collaborator may be nil, in which
// case the corresponding actions are skipped.
func NewPressurePolicy(queue PressureQueue, cleaner PressureCleaner, cfg *PolicyConfig) *PressurePolicy {
	if cfg == nil {
		cfg = &PolicyConfig{}
	}
	return &PressurePolicy{
		queue:    queue,
		cleaner:  cleaner,
		lowValue: slices.Clone(cfg.LowValueOperations),
		logger:   orNoOp(cfg.Logger),
	}
}

// Attach subscribes the policy to monitor's pressure events, replacing any
// previous subscription.
func (p *PressurePolicy) Attach(monitor *PressureMonitor) {
	unsubscribe := monitor.Events().PressureChanged.Subscribe(func(e MemoryPressureDetected) {
		p.Handle(e)
	})

	p.mu.Lock()
	prev := p.unsubscribe
	p.unsubscribe = unsubscribe
	p.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Detach removes the subscription and waits for background cleanups.
func (p *PressurePolicy) Detach() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	p.cleanups.Wait()
}

// Handle applies the reaction for e. It returns the zero reaction for
// de-escalations.
func (p *PressurePolicy) Handle(e MemoryPressureDetected) PressureReaction {
	reaction := PressureReaction{Level: e.Level}
	if e.Level <= e.Previous {
		return reaction
	}

	switch e.Level {
	case PressureModerate:
		reaction.Cleanup = true
	case PressureHigh:
		if p.queue != nil {
			reaction.Canceled += p.queue.CancelByPriority(PriorityLow)
			for _, name := range p.lowValue {
				reaction.Canceled += p.queue.CancelByName(name)
			}
		}
		reaction.Cleanup = true
	case PressureCritical:
		if p.queue != nil {
			reaction.Canceled += p.queue.CancelAll()
		}
		reaction.Cleanup = true
		reaction.Aggressive = true
	default:
		return reaction
	}

	p.logger.Warn("reacting to memory pressure",
		F("level", e.Level),
		F("usage", e.Usage),
		F("canceled", reaction.Canceled),
		F("aggressive", reaction.Aggressive))

	if reaction.Cleanup && p.cleaner != nil {
		p.cleanups.Add(1)
		go func(aggressive bool) {
			defer p.cleanups.Done()
			p.cleaner.ForceMemoryCleanup(aggressive)
		}(reaction.Aggressive)
	}
	return reaction
}

// Wait blocks until background cleanups started so far have finished.
func (p *PressurePolicy) Wait() {
	p.cleanups.Wait()
}
