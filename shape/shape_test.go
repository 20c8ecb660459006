package shape

import "testing"

func TestNewRejectsNegativeSize(t *testing.T) {
	if _, err := New(-1); err == nil {
		t.Error("New(-1) should fail")
	}
}

func TestNewWithChunkSizeRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewWithChunkSize(100, 3); err == nil {
		t.Error("NewWithChunkSize with a non-power-of-two chunk size should fail")
	}
}

func TestAutoChunkSizeSmallFile(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.ChunkSize() != MinSmallFileLeaf {
		t.Errorf("expected chunk size %d for a 10-byte file, got %d", MinSmallFileLeaf, s.ChunkSize())
	}
	if s.LeafCount() != 1 {
		t.Errorf("expected 1 leaf, got %d", s.LeafCount())
	}
}

func TestAutoChunkSizeBoundsLeafCount(t *testing.T) {
	// A large file should pick a chunk size keeping leaves <= 4096.
	const size = int64(10) << 30 // 10 GiB
	s, err := New(size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.ChunkSize() < MinChunkSize || s.ChunkSize() > MaxChunkSize {
		t.Errorf("chunk size %d out of bounds [%d, %d]", s.ChunkSize(), MinChunkSize, MaxChunkSize)
	}
	if s.LeafCount() > maxLeavesForSize {
		t.Errorf("expected at most %d leaves, got %d", maxLeavesForSize, s.LeafCount())
	}
}

func TestCapLeafIsPowerOfTwo(t *testing.T) {
	for _, leaves := range []int64{1, 2, 3, 5, 9, 100, 4096} {
		size := leaves * MinChunkSize
		s, err := NewWithChunkSize(size, MinChunkSize)
		if err != nil {
			t.Fatalf("NewWithChunkSize(%d): %v", size, err)
		}
		if !isPowerOfTwo(s.CapLeaf()) {
			t.Errorf("CapLeaf() = %d is not a power of two for %d leaves", s.CapLeaf(), leaves)
		}
		if s.CapLeaf() < s.LeafCount() {
			t.Errorf("CapLeaf() = %d < LeafCount() = %d", s.CapLeaf(), s.LeafCount())
		}
		if s.NodeCount() != 2*s.CapLeaf()-1 {
			t.Errorf("NodeCount() = %d, want %d", s.NodeCount(), 2*s.CapLeaf()-1)
		}
	}
}

func TestChunkBoundaryLastChunkShort(t *testing.T) {
	// 2.5 chunks of MinChunkSize.
	size := int64(MinChunkSize*2 + MinChunkSize/2)
	s, err := NewWithChunkSize(size, MinChunkSize)
	if err != nil {
		t.Fatalf("NewWithChunkSize: %v", err)
	}
	if s.LeafCount() != 3 {
		t.Fatalf("expected 3 leaves, got %d", s.LeafCount())
	}
	start, end, err := s.ChunkBoundary(2)
	if err != nil {
		t.Fatalf("ChunkBoundary(2): %v", err)
	}
	if start != 2*MinChunkSize || end != size {
		t.Errorf("ChunkBoundary(2) = [%d, %d), want [%d, %d)", start, end, 2*MinChunkSize, size)
	}
	actual, err := s.ActualChunkSize(2)
	if err != nil {
		t.Fatalf("ActualChunkSize(2): %v", err)
	}
	if actual != MinChunkSize/2 {
		t.Errorf("ActualChunkSize(2) = %d, want %d", actual, MinChunkSize/2)
	}
}

func TestChunkBoundaryOutOfRange(t *testing.T) {
	s, _ := NewWithChunkSize(MinChunkSize, MinChunkSize)
	if _, _, err := s.ChunkBoundary(5); err == nil {
		t.Error("ChunkBoundary(5) should fail for a 1-leaf shape")
	}
}

func TestChunkIndexForPositionClamped(t *testing.T) {
	size := int64(MinChunkSize * 3)
	s, _ := NewWithChunkSize(size, MinChunkSize)
	if idx := s.ChunkIndexForPosition(-5); idx != 0 {
		t.Errorf("negative position should clamp to 0, got %d", idx)
	}
	if idx := s.ChunkIndexForPosition(size + 1000); idx != s.LeafCount()-1 {
		t.Errorf("past-end position should clamp to last leaf, got %d", idx)
	}
}

func TestLeafNodeChunkIndexRoundTrip(t *testing.T) {
	s, _ := NewWithChunkSize(MinChunkSize*5, MinChunkSize)
	for i := int64(0); i < s.LeafCount(); i++ {
		n, err := s.ChunkIndexToLeafNode(i)
		if err != nil {
			t.Fatalf("ChunkIndexToLeafNode(%d): %v", i, err)
		}
		if !s.IsLeaf(n) {
			t.Errorf("node %d for chunk %d should be a leaf", n, i)
		}
		back, err := s.LeafNodeToChunkIndex(n)
		if err != nil {
			t.Fatalf("LeafNodeToChunkIndex(%d): %v", n, err)
		}
		if back != i {
			t.Errorf("round trip: chunk %d -> node %d -> chunk %d", i, n, back)
		}
	}
}

func TestGetLeafRangeForNodeRoot(t *testing.T) {
	s, _ := NewWithChunkSize(MinChunkSize*5, MinChunkSize) // capLeaf=8
	lo, hi, err := s.GetLeafRangeForNode(0)
	if err != nil {
		t.Fatalf("GetLeafRangeForNode(0): %v", err)
	}
	if lo != 0 || hi != s.LeafCount() {
		t.Errorf("root leaf range = [%d, %d), want [0, %d)", lo, hi, s.LeafCount())
	}
}

func TestGetByteRangeForNodeMatchesChunks(t *testing.T) {
	s, _ := NewWithChunkSize(MinChunkSize*3, MinChunkSize)
	for n := int64(0); n < s.NodeCount(); n++ {
		start, end, err := s.GetByteRangeForNode(n)
		if err != nil {
			t.Fatalf("GetByteRangeForNode(%d): %v", n, err)
		}
		chunks, err := s.GetChunksForNode(n)
		if err != nil {
			t.Fatalf("GetChunksForNode(%d): %v", n, err)
		}
		if len(chunks) == 0 {
			if start != 0 || end != 0 {
				t.Errorf("node %d covers no chunks but byte range is [%d, %d)", n, start, end)
			}
			continue
		}
		wantStart, _, _ := s.ChunkBoundary(chunks[0])
		_, wantEnd, _ := s.ChunkBoundary(chunks[len(chunks)-1])
		if start != wantStart || end != wantEnd {
			t.Errorf("node %d byte range = [%d, %d), want [%d, %d)", n, start, end, wantStart, wantEnd)
		}
	}
}

func TestParentChildRoundTrip(t *testing.T) {
	for n := int64(1); n < 100; n++ {
		parent := ParentOf(n)
		left, right := ChildrenOf(parent)
		if n != left && n != right {
			t.Errorf("node %d is not a child of its own parent %d (children %d, %d)", n, parent, left, right)
		}
	}
}

func TestSiblingOfRootIsItself(t *testing.T) {
	var s Shape
	if s.SiblingOf(0) != 0 {
		t.Error("root should be its own sibling")
	}
}

func TestGetInternalNodesAtLevel(t *testing.T) {
	s, _ := NewWithChunkSize(MinChunkSize*5, MinChunkSize) // capLeaf = 8, 3 internal levels
	nodes, err := s.GetInternalNodesAtLevel(0)
	if err != nil {
		t.Fatalf("level 0: %v", err)
	}
	if len(nodes) != 1 || nodes[0] != 0 {
		t.Errorf("level 0 should be just the root, got %v", nodes)
	}
	if _, err := s.GetInternalNodesAtLevel(100); err == nil {
		t.Error("a level past the leaves should fail")
	}
}
