package scheduler

import "github.com/nosqlbench/lazyfile/shape"

// aggressiveMaxNodeSpan bounds how large an ancestor node Aggressive will
// choose purely for consolidation, independent of how much of its range
// is actually needed.
const aggressiveMaxNodeSpan = 8

// aggressiveLookaheadChunks bounds the look-ahead window used to emit
// speculative PREFETCH decisions past the caller's required chunks.
const aggressiveLookaheadChunks = 4

// Aggressive extends merges to ancestor nodes even when some covered
// leaves aren't needed (no waste budget, unlike Balanced), and appends a
// bounded look-ahead window of PREFETCH decisions past the required
// chunks. Required-serving decisions always precede prefetch decisions
// (SC5); prefetch decisions carry no RequiredChunks, which SC3 permits
// only for genuine look-ahead.
type Aggressive struct{}

func (Aggressive) AnalyzeSchedulingDecisions(offset, length int64, s shape.Shape, st State) ([]SchedulingDecision, error) {
	missing, err := missingChunksInRange(offset, length, s, st)
	if err != nil {
		return nil, err
	}
	return Aggressive{}.SelectOptimalNodes(missing, s, st)
}

func (Aggressive) SelectOptimalNodes(requiredChunks []int64, s shape.Shape, st State) ([]SchedulingDecision, error) {
	missing, err := filterMissing(requiredChunks, st)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}
	required := make(map[int64]bool, len(missing))
	maxRequired := missing[0]
	for _, c := range missing {
		required[c] = true
		if c > maxRequired {
			maxRequired = c
		}
	}

	active := make(map[int64]bool, len(missing))
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
			if hi-lo > aggressiveMaxNodeSpan {
				continue
			}
			left, right := shape.ChildrenOf(n)
			if !active[left] && !active[right] {
				continue
			}
			delete(active, left)
			delete(active, right)
			active[n] = true
		}
	}

	decisions := make([]SchedulingDecision, 0, len(active)+1)
	priority := 0
	for n := range active {
		lo, hi, err := s.GetLeafRangeForNode(n)
		if err != nil {
			return nil, err
		}
		var covered, reqHere []int64
		var bytes int64
		extra := false
		for c := lo; c < hi; c++ {
			size, err := s.ActualChunkSize(c)
			if err != nil {
				return nil, err
			}
			covered = append(covered, c)
			bytes += size
			if required[c] {
				reqHere = append(reqHere, c)
			} else {
				extra = true
			}
		}
		reason := MinimalDownload
		switch {
		case len(covered) == 1 && len(missing) == 1:
			reason = ExactMatch
		case extra:
			reason = Consolidation
		case len(covered) > 1:
			reason = EfficientCoverage
		}
		decisions = append(decisions, SchedulingDecision{
			NodeIndex:      n,
			Reason:         reason,
			Priority:       priority,
			EstimatedBytes: bytes,
			RequiredChunks: reqHere,
			CoveredChunks:  covered,
			Explanation:    "consolidated ancestor node, waste budget not enforced",
		})
		priority++
	}

	// A consolidated decision's CoveredChunks routinely extends past
	// maxRequired; the look-ahead window must start past the highest chunk
	// any emitted decision already covers, and must skip any chunk one of
	// those decisions covers even inside the window, or the same leaf ends
	// up double-scheduled under two different node keys.
	covered := make(map[int64]bool)
	maxCovered := maxRequired
	for _, d := range decisions {
		for _, c := range d.CoveredChunks {
			covered[c] = true
			if c > maxCovered {
				maxCovered = c
			}
		}
	}

	prefetch, err := buildPrefetchDecisions(maxCovered, covered, priority, s, st)
	if err != nil {
		return nil, err
	}
	decisions = append(decisions, prefetch...)
	return decisions, nil
}

// buildPrefetchDecisions emits one leaf decision per still-missing chunk in
// the bounded look-ahead window past afterChunk, each with an empty
// RequiredChunks (SC3 permits this only for genuine prefetch) and node
// indices always in range (SC4). alreadyCovered excludes any chunk an
// earlier decision in this same call already covers, so a leaf is never
// scheduled under two different node keys.
func buildPrefetchDecisions(afterChunk int64, alreadyCovered map[int64]bool, priority int, s shape.Shape, st State) ([]SchedulingDecision, error) {
	var out []SchedulingDecision
	for c := afterChunk + 1; c < s.LeafCount() && c <= afterChunk+aggressiveLookaheadChunks; c++ {
		if alreadyCovered[c] {
			continue
		}
		valid, err := st.IsValid(c)
		if err != nil {
			return nil, err
		}
		if valid {
			continue
		}
		size, err := s.ActualChunkSize(c)
		if err != nil {
			return nil, err
		}
		node, err := s.ChunkIndexToLeafNode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, SchedulingDecision{
			NodeIndex:      node,
			Reason:         SpeculativePrefetch,
			Priority:       priority,
			EstimatedBytes: size,
			RequiredChunks: nil,
			CoveredChunks:  []int64{c},
			Explanation:    "bounded look-ahead beyond required range",
		})
		priority++
	}
	return out, nil
}

func (a Aggressive) ScheduleDownloads(offset, length int64, s shape.Shape, st State, target Target) ([]SchedulingDecision, error) {
	decisions, err := a.SelectOptimalNodes(mustMissing(offset, length, s, st), s, st)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		lo, hi, err := s.GetLeafRangeForNode(d.NodeIndex)
		if err != nil {
			return nil, err
		}
		start, end, err := s.GetByteRangeForNode(d.NodeIndex)
		if err != nil {
			return nil, err
		}
		if err := target.OfferNode(d.NodeIndex, start, end-start, s.IsLeaf(d.NodeIndex), lo, hi); err != nil {
			return nil, err
		}
	}
	return decisions, nil
}
