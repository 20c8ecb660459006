package scheduler

import (
	"sync"
	"time"

	"github.com/nosqlbench/lazyfile/shape"
)

// adaptationCadence is the minimum interval between aggressiveness-level
// changes; spec requires this cadence be at least 5 seconds.
const adaptationCadence = 5 * time.Second

// Stats is Adaptive's accumulated efficiency/success window, serialized by
// internal/statsstore between channel opens so a warmed-up level survives
// a restart.
type Stats struct {
	Level           int
	EfficiencySum   float64
	EfficiencyCount int64
	Successes       int64
	Failures        int64
}

// Adaptive tracks recent scheduling efficiency and download success rate
// and delegates to Conservative, Balanced, or Aggressive depending on an
// aggressiveness level in [1, 5]: composite-of-three rather than an
// inheritance chain, per this module's scheduler design note.
type Adaptive struct {
	mu        sync.Mutex
	stats     Stats
	lastAdapt time.Time

	conservative Conservative
	balanced     Balanced
	aggressive   Aggressive
}

// NewAdaptive returns an Adaptive starting at the middle aggressiveness
// level (Balanced).
func NewAdaptive() *Adaptive {
	return &Adaptive{stats: Stats{Level: 3}}
}

// NewAdaptiveAtLevel returns an Adaptive starting at level, clamped to
// [1, 5]. Used to resume a level previously persisted via Snapshot, or to
// honor a configured starting point.
func NewAdaptiveAtLevel(level int) *Adaptive {
	return &Adaptive{stats: Stats{Level: clampInt(level, 1, 5)}}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RecordOutcome feeds one completed task's efficiency and success back
// into the adaptation window; the painter calls this through its
// OnTaskCompleted hook each time an EnsureRange call sees one of its tasks
// complete.
func (a *Adaptive) RecordOutcome(d SchedulingDecision, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.EfficiencySum += d.Efficiency()
	a.stats.EfficiencyCount++
	if success {
		a.stats.Successes++
	} else {
		a.stats.Failures++
	}
	a.maybeAdaptLocked()
}

func (a *Adaptive) maybeAdaptLocked() {
	if !a.lastAdapt.IsZero() && time.Since(a.lastAdapt) < adaptationCadence {
		return
	}
	a.lastAdapt = time.Now()

	avgEfficiency := 1.0
	if a.stats.EfficiencyCount > 0 {
		avgEfficiency = a.stats.EfficiencySum / float64(a.stats.EfficiencyCount)
	}
	total := a.stats.Successes + a.stats.Failures
	successRate := 1.0
	if total > 0 {
		successRate = float64(a.stats.Successes) / float64(total)
	}

	switch {
	case avgEfficiency > 0.85 && successRate > 0.95:
		a.stats.Level = minInt(a.stats.Level+1, 5)
	case avgEfficiency < 0.5 || successRate < 0.7:
		a.stats.Level = maxInt(a.stats.Level-1, 1)
	}

	a.stats.EfficiencySum = 0
	a.stats.EfficiencyCount = 0
	a.stats.Successes = 0
	a.stats.Failures = 0
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (a *Adaptive) current() Scheduler {
	a.mu.Lock()
	level := a.stats.Level
	a.mu.Unlock()
	switch {
	case level <= 2:
		return a.conservative
	case level == 3:
		return a.balanced
	default:
		return a.aggressive
	}
}

// Snapshot returns a copy of the current stats window for persistence.
func (a *Adaptive) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Restore replaces the stats window, e.g. after loading a prior snapshot.
func (a *Adaptive) Restore(s Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.Level < 1 || s.Level > 5 {
		s.Level = 3
	}
	a.stats = s
}

func (a *Adaptive) AnalyzeSchedulingDecisions(offset, length int64, s shape.Shape, st State) ([]SchedulingDecision, error) {
	return a.current().AnalyzeSchedulingDecisions(offset, length, s, st)
}

func (a *Adaptive) SelectOptimalNodes(requiredChunks []int64, s shape.Shape, st State) ([]SchedulingDecision, error) {
	return a.current().SelectOptimalNodes(requiredChunks, s, st)
}

func (a *Adaptive) ScheduleDownloads(offset, length int64, s shape.Shape, st State, target Target) ([]SchedulingDecision, error) {
	return a.current().ScheduleDownloads(offset, length, s, st, target)
}
