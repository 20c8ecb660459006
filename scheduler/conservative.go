package scheduler

import "github.com/nosqlbench/lazyfile/shape"

// Conservative emits exactly one leaf-node decision per missing chunk. It
// never reads ahead and never covers a valid chunk, so it is the baseline
// every other strategy is measured against for SC1–SC5 compliance.
type Conservative struct{}

func (Conservative) AnalyzeSchedulingDecisions(offset, length int64, s shape.Shape, st State) ([]SchedulingDecision, error) {
	missing, err := missingChunksInRange(offset, length, s, st)
	if err != nil {
		return nil, err
	}
	return Conservative{}.SelectOptimalNodes(missing, s, st)
}

func (Conservative) SelectOptimalNodes(requiredChunks []int64, s shape.Shape, st State) ([]SchedulingDecision, error) {
	missing, err := filterMissing(requiredChunks, st)
	if err != nil {
		return nil, err
	}
	decisions := make([]SchedulingDecision, 0, len(missing))
	for priority, chunk := range missing {
		node, err := s.ChunkIndexToLeafNode(chunk)
		if err != nil {
			return nil, err
		}
		size, err := s.ActualChunkSize(chunk)
		if err != nil {
			return nil, err
		}
		reason := MinimalDownload
		if len(missing) == 1 {
			reason = ExactMatch
		}
		decisions = append(decisions, SchedulingDecision{
			NodeIndex:      node,
			Reason:         reason,
			Priority:       priority,
			EstimatedBytes: size,
			RequiredChunks: []int64{chunk},
			CoveredChunks:  []int64{chunk},
			Explanation:    "single leaf, no coalescing",
		})
	}
	return decisions, nil
}

func (c Conservative) ScheduleDownloads(offset, length int64, s shape.Shape, st State, target Target) ([]SchedulingDecision, error) {
	return scheduleViaAnalyze(c, offset, length, s, st, target)
}
