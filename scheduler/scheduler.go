// Package scheduler decides which Merkle tree nodes to download to satisfy
// a read or prebuffer request. Implementations are pure, stateless
// functions of (required chunks, shape, state) — modeled as a single
// interface plus concrete strategy values rather than an inheritance
// hierarchy, per this module's handle-and-value conventions.
package scheduler

import (
	"fmt"

	"github.com/nosqlbench/lazyfile/internal/errs"
	"github.com/nosqlbench/lazyfile/shape"
)

// Reason classifies why a SchedulingDecision was emitted.
type Reason int

const (
	ExactMatch Reason = iota
	EfficientCoverage
	Prefetch
	MinimalDownload
	Fallback
	Consolidation
	CacheOptimization
	BandwidthOptimization
	LatencyOptimization
	SpeculativePrefetch
)

func (r Reason) String() string {
	switch r {
	case ExactMatch:
		return "EXACT_MATCH"
	case EfficientCoverage:
		return "EFFICIENT_COVERAGE"
	case Prefetch:
		return "PREFETCH"
	case MinimalDownload:
		return "MINIMAL_DOWNLOAD"
	case Fallback:
		return "FALLBACK"
	case Consolidation:
		return "CONSOLIDATION"
	case CacheOptimization:
		return "CACHE_OPTIMIZATION"
	case BandwidthOptimization:
		return "BANDWIDTH_OPTIMIZATION"
	case LatencyOptimization:
		return "LATENCY_OPTIMIZATION"
	case SpeculativePrefetch:
		return "SPECULATIVE_PREFETCH"
	default:
		return "UNKNOWN"
	}
}

// SchedulingDecision describes one node the scheduler wants downloaded.
type SchedulingDecision struct {
	NodeIndex      int64
	Reason         Reason
	Priority       int // lower runs earlier
	EstimatedBytes int64
	RequiredChunks []int64 // subset of the caller's requested chunks this decision covers
	CoveredChunks  []int64 // every chunk this download will materialize
	Explanation    string
}

// Efficiency returns |required ∩ covered| / |covered|.
func (d SchedulingDecision) Efficiency() float64 {
	if len(d.CoveredChunks) == 0 {
		return 0
	}
	return float64(len(intersect(d.RequiredChunks, d.CoveredChunks))) / float64(len(d.CoveredChunks))
}

// Coverage returns |required ∩ covered| / |required|.
func (d SchedulingDecision) Coverage(required []int64) float64 {
	if len(required) == 0 {
		return 0
	}
	return float64(len(intersect(required, d.CoveredChunks))) / float64(len(required))
}

func intersect(a, b []int64) []int64 {
	set := make(map[int64]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []int64
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// State is the minimal view of chunk validity a scheduler consults. The
// concrete state implementation (internal/merkletree.MerkleData) satisfies
// this directly; tests can supply a fake.
type State interface {
	IsValid(chunkIndex int64) (bool, error)
}

// Target is the scheduling sink a scheduler pushes decisions' derived
// tasks into — satisfied by internal/chunkqueue.ChunkQueue. Scheduler
// itself never imports chunkqueue, keeping the dependency direction
// strategy -> target rather than target -> strategy.
type Target interface {
	OfferNode(nodeIndex, offset, size int64, isLeaf bool, leafLo, leafHi int64) error
}

// Scheduler maps read demand to an ordered list of node downloads.
type Scheduler interface {
	// AnalyzeSchedulingDecisions returns decisions covering every missing
	// chunk in the byte range [offset, offset+length).
	AnalyzeSchedulingDecisions(offset, length int64, s shape.Shape, st State) ([]SchedulingDecision, error)

	// SelectOptimalNodes returns decisions covering requiredChunks.
	SelectOptimalNodes(requiredChunks []int64, s shape.Shape, st State) ([]SchedulingDecision, error)

	// ScheduleDownloads runs SelectOptimalNodes and pushes one task per
	// decision into target; this is the side-effecting entry point the
	// painter drives.
	ScheduleDownloads(offset, length int64, s shape.Shape, st State, target Target) ([]SchedulingDecision, error)
}

func missingChunksInRange(offset, length int64, s shape.Shape, st State) ([]int64, error) {
	if length <= 0 {
		return nil, nil
	}
	lo := s.ChunkIndexForPosition(offset)
	end := offset + length
	if end > s.TotalContentSize() {
		end = s.TotalContentSize()
	}
	var hi int64
	if end <= 0 {
		return nil, nil
	}
	hi = s.ChunkIndexForPosition(end - 1)

	var missing []int64
	for i := lo; i <= hi; i++ {
		valid, err := st.IsValid(i)
		if err != nil {
			return nil, err
		}
		if !valid {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func filterMissing(chunks []int64, st State) ([]int64, error) {
	var missing []int64
	for _, c := range chunks {
		valid, err := st.IsValid(c)
		if err != nil {
			return nil, err
		}
		if !valid {
			missing = append(missing, c)
		}
	}
	return missing, nil
}

// scheduleViaAnalyze is the default ScheduleDownloads implementation
// shared by every strategy: analyze, then push one OfferNode call per
// decision.
func scheduleViaAnalyze(sched Scheduler, offset, length int64, s shape.Shape, st State, target Target) ([]SchedulingDecision, error) {
	decisions, err := sched.SelectOptimalNodes(mustMissing(offset, length, s, st), s, st)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		lo, hi, err := s.GetLeafRangeForNode(d.NodeIndex)
		if err != nil {
			return nil, fmt.Errorf("scheduler: ScheduleDownloads: %w", errs.ErrInvalidArgument)
		}
		start, end, err := s.GetByteRangeForNode(d.NodeIndex)
		if err != nil {
			return nil, fmt.Errorf("scheduler: ScheduleDownloads: %w", errs.ErrInvalidArgument)
		}
		isLeaf := s.IsLeaf(d.NodeIndex)
		if err := target.OfferNode(d.NodeIndex, start, end-start, isLeaf, lo, hi); err != nil {
			return nil, err
		}
	}
	return decisions, nil
}

func mustMissing(offset, length int64, s shape.Shape, st State) []int64 {
	missing, _ := missingChunksInRange(offset, length, s, st)
	return missing
}
