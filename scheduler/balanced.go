package scheduler

import "github.com/nosqlbench/lazyfile/shape"

// wasteBudget bounds the fraction of a coalesced node's bytes that may be
// spent re-downloading chunks the caller didn't ask for (because they're
// already valid) or materializing chunks purely as a coalescing byproduct.
const wasteBudget = 0.25

// Balanced is the default strategy: it starts from one leaf decision per
// missing chunk, same as Conservative, then walks the tree bottom-up
// merging sibling decisions into their parent whenever the parent's full
// leaf range is covered by required-missing chunks plus already-valid
// chunks, and the bytes spent on chunks the caller didn't need stays
// within wasteBudget of the merged node's total size.
type Balanced struct{}

func (Balanced) AnalyzeSchedulingDecisions(offset, length int64, s shape.Shape, st State) ([]SchedulingDecision, error) {
	missing, err := missingChunksInRange(offset, length, s, st)
	if err != nil {
		return nil, err
	}
	return Balanced{}.SelectOptimalNodes(missing, s, st)
}

func (Balanced) SelectOptimalNodes(requiredChunks []int64, s shape.Shape, st State) ([]SchedulingDecision, error) {
	missing, err := filterMissing(requiredChunks, st)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}
	required := make(map[int64]bool, len(missing))
	for _, c := range missing {
		required[c] = true
	}

	active := make(map[int64]bool, len(missing)) // node indices currently representing a decision
	for _, c := range missing {
		n, err := s.ChunkIndexToLeafNode(c)
		if err != nil {
			return nil, err
		}
		active[n] = true
	}

	top := topInternalLevelFor(s)
	for level := top; level >= 0; level-- {
		nodes, err := s.GetInternalNodesAtLevel(level)
		if err != nil {
			continue
		}
		for _, n := range nodes {
			lo, hi, err := s.GetLeafRangeForNode(n)
			if err != nil || lo >= hi {
				continue
			}
			left, right := shape.ChildrenOf(n)
			if !active[left] && !active[right] {
				continue // nothing below this node is part of any decision yet
			}

			allowed := true
			var waste, total int64
			for c := lo; c < hi; c++ {
				size, err := s.ActualChunkSize(c)
				if err != nil {
					allowed = false
					break
				}
				total += size
				if required[c] {
					continue
				}
				valid, err := st.IsValid(c)
				if err != nil {
					return nil, err
				}
				if !valid {
					allowed = false // covers a chunk that's neither required nor already valid
					break
				}
				waste += size
			}
			if !allowed || total == 0 || float64(waste) > wasteBudget*float64(total) {
				continue
			}
			// Drop every decision below n, not only its direct children: a
			// child left unmerged can still have an active leaf beneath it,
			// and n now covers that leaf.
			for m := range active {
				for a := m; a > n; a = shape.ParentOf(a) {
					if shape.ParentOf(a) == n {
						delete(active, m)
						break
					}
				}
			}
			active[n] = true
		}
	}

	decisions := make([]SchedulingDecision, 0, len(active))
	priority := 0
	for n := range active {
		lo, hi, err := s.GetLeafRangeForNode(n)
		if err != nil {
			return nil, err
		}
		var covered, reqHere []int64
		var bytes int64
		for c := lo; c < hi; c++ {
			size, err := s.ActualChunkSize(c)
			if err != nil {
				return nil, err
			}
			covered = append(covered, c)
			bytes += size
			if required[c] {
				reqHere = append(reqHere, c)
			}
		}
		reason := MinimalDownload
		if len(covered) == 1 && len(missing) == 1 {
			reason = ExactMatch
		} else if len(covered) > 1 {
			reason = EfficientCoverage
		}
		decisions = append(decisions, SchedulingDecision{
			NodeIndex:      n,
			Reason:         reason,
			Priority:       priority,
			EstimatedBytes: bytes,
			RequiredChunks: reqHere,
			CoveredChunks:  covered,
			Explanation:    "coalesced contiguous missing run within waste budget",
		})
		priority++
	}
	return decisions, nil
}

func (b Balanced) ScheduleDownloads(offset, length int64, s shape.Shape, st State, target Target) ([]SchedulingDecision, error) {
	return scheduleViaAnalyze(b, offset, length, s, st, target)
}

func topInternalLevelFor(s shape.Shape) int64 {
	level := int64(0)
	capLeaf := s.CapLeaf()
	for c := capLeaf; c > 1; c >>= 1 {
		level++
	}
	return level - 1
}
