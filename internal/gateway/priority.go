package gateway

import (
	"context"
	"sync/atomic"
	"time"
)

// Priority is the call tier; lower rank preempts.
type Priority int

const (
	// PriorityCritical covers order submission, cancellation and closes.
	PriorityCritical Priority = 1
	// PriorityHigh covers balance, positions and monitor-side ticker reads.
	PriorityHigh Priority = 2
	// PriorityNormal covers scanner reads and order books.
	PriorityNormal Priority = 3
	// PriorityLow covers metadata and analytics.
	PriorityLow Priority = 4
)

// String returns the tier name for logging and metrics labels.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

const (
	criticalPollInterval = 10 * time.Millisecond
	criticalWaitCap      = 5 * time.Second
)

// priorityGate tracks in-flight CRITICAL calls. Non-CRITICAL callers poll the
// counter and yield while any CRITICAL call is pending; CRITICAL callers never
// wait here.
type priorityGate struct {
	criticalInFlight atomic.Int64
}

// enter blocks a non-CRITICAL caller while CRITICAL work is in flight, polling
// every 10 ms up to a 5 s cap, then proceeds regardless so a stuck CRITICAL
// call cannot starve the data plane forever. Returns the time spent waiting.
func (g *priorityGate) enter(ctx context.Context, p Priority) (time.Duration, error) {
	if p == PriorityCritical {
		g.criticalInFlight.Add(1)
		return 0, nil
	}

	if g.criticalInFlight.Load() == 0 {
		return 0, nil
	}

	start := time.Now()
	deadline := start.Add(criticalWaitCap)
	for g.criticalInFlight.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-time.After(criticalPollInterval):
		}
	}
	return time.Since(start), nil
}

// exit releases a CRITICAL slot; a no-op for other tiers.
func (g *priorityGate) exit(p Priority) {
	if p == PriorityCritical {
		g.criticalInFlight.Add(-1)
	}
}

// criticalPending reports whether any CRITICAL call is in flight.
func (g *priorityGate) criticalPending() bool {
	return g.criticalInFlight.Load() > 0
}

// StaggerDelay is the spacing applied between submissions of one scan batch.
const StaggerDelay = 100 * time.Millisecond

// Stagger sleeps index*StaggerDelay to smooth the instantaneous request rate
// of a fan-out batch. It returns early if the context is cancelled.
func Stagger(ctx context.Context, index int) {
	if index <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(index) * StaggerDelay):
	}
}
