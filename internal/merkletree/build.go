package merkletree

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/nosqlbench/lazyfile/internal/errs"
	"github.com/nosqlbench/lazyfile/shape"
)

// defaultBuildWorkers caps parallel leaf hashing the same way this
// module's pack/compression worker pools cap themselves.
const defaultBuildWorkers = 8

func buildWorkerCount() int {
	n := runtime.NumCPU()
	if n > defaultBuildWorkers {
		n = defaultBuildWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// buildTree computes every hash in the flat node array for content of
// shape s. Leaf hashes are computed by a worker pool (each leaf written by
// exactly one worker); internal nodes are then computed level-by-level,
// bottom-up, each level's nodes computed from the already-written level
// below it.
func buildTree(s shape.Shape, content []byte) ([]byte, error) {
	hashes := make([]byte, s.NodeCount()*32)

	type job struct{ leaf int64 }
	jobs := make(chan job, buildWorkerCount()*2)
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	worker := func() {
		defer wg.Done()
		for j := range jobs {
			start, end, err := s.ChunkBoundary(j.leaf)
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				continue
			}
			sum := sha256.Sum256(content[start:end])
			node, _ := s.ChunkIndexToLeafNode(j.leaf)
			copy(hashes[node*32:node*32+32], sum[:])
		}
	}

	workers := buildWorkerCount()
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for i := int64(0); i < s.LeafCount(); i++ {
		jobs <- job{leaf: i}
	}
	close(jobs)
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	// Internal nodes, bottom-up. Only nodes whose subtree contains at
	// least one real leaf are computed; a node built purely from padding
	// leaves is never visited, so padded leaf slots stay all-zero and no
	// parent hash is ever derived from them (see DESIGN.md's resolution
	// of the padded-leaf open question).
	level := topInternalLevel(s)
	for level >= 0 {
		nodes, err := s.GetInternalNodesAtLevel(level)
		if err != nil {
			break
		}
		for _, n := range nodes {
			lo, hi, _ := s.GetLeafRangeForNode(n)
			if lo >= hi {
				continue // entirely padding: never computed
			}
			left, right := shape.ChildrenOf(n)
			leftHash := hashes[left*32 : left*32+32]
			var rightHash []byte
			if right >= s.NodeCount() {
				rightHash = leftHash
			} else {
				rlo, rhi, _ := s.GetLeafRangeForNode(right)
				if rlo >= rhi {
					rightHash = leftHash
				} else {
					rightHash = hashes[right*32 : right*32+32]
				}
			}
			h := sha256.New()
			h.Write(leftHash)
			h.Write(rightHash)
			sum := h.Sum(nil)
			copy(hashes[n*32:n*32+32], sum)
		}
		level--
	}

	return hashes, nil
}

// topInternalLevel returns the deepest internal level, the one directly
// above the leaves (leaves sit at level log2(capLeaf)).
func topInternalLevel(s shape.Shape) int64 {
	level := int64(0)
	capLeaf := s.CapLeaf()
	for c := capLeaf; c > 1; c >>= 1 {
		level++
	}
	return level - 1
}

// BuildReference builds a reference tree from in-memory content and
// persists it to path as a .mref file: hash region, a zero-length bitset
// (the "zero length = all valid" compatibility form, since a reference is
// valid everywhere by construction), and the footer. The returned
// MerkleData is already open and backed by the saved file.
func BuildReference(content []byte, path string) (*MerkleData, error) {
	return BuildReferenceStreaming(nil, content, path)
}

// BuildReferenceStreaming is like BuildReference but reads content from r
// when r is non-nil, falling back to the content slice otherwise. Either
// way the whole content is buffered in memory before hashing, since every
// internal node's hash depends on the full leaf set; callers with huge
// inputs should chunk their own reads into content rather than expect a
// true streaming (bounded-memory) build.
func BuildReferenceStreaming(r io.Reader, content []byte, path string) (*MerkleData, error) {
	if r != nil {
		buf, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("merkletree: BuildReference: %w: %v", errs.ErrIoError, err)
		}
		content = buf
	}

	s, err := shape.New(int64(len(content)))
	if err != nil {
		return nil, err
	}
	hashes, err := buildTree(s, content)
	if err != nil {
		return nil, err
	}

	f := footerFromShape(s, 0)
	if err := writeTreeFile(path, s, hashes, nil, f); err != nil {
		return nil, err
	}
	return openHandle(path, FlavorReference)
}

// writeTreeFile writes the three on-disk regions (hash, bitset, footer) in
// order, creating or truncating path.
func writeTreeFile(path string, s shape.Shape, hashes []byte, bitset []byte, f footer) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("merkletree: %w: create %s: %v", errs.ErrIoError, path, err)
	}
	defer file.Close()

	if _, err := file.Write(hashes); err != nil {
		return fmt.Errorf("merkletree: %w: write hash region: %v", errs.ErrIoError, err)
	}
	if len(bitset) > 0 {
		if _, err := file.Write(bitset); err != nil {
			return fmt.Errorf("merkletree: %w: write bitset region: %v", errs.ErrIoError, err)
		}
	}
	enc := f.encode()
	if _, err := file.Write(enc[:]); err != nil {
		return fmt.Errorf("merkletree: %w: write footer: %v", errs.ErrIoError, err)
	}
	return file.Sync()
}

// CreateStateFromRef derives a new, all-invalid state file from a
// reference, copying its hash region and writing a zeroed bitset sized
// ceil(leafCount/8), per spec.md §4.3.
func CreateStateFromRef(ref *MerkleData, path string) (*MerkleData, error) {
	if ref.flavor != FlavorReference {
		return nil, fmt.Errorf("merkletree: CreateStateFromRef: %w: source is not a reference", errs.ErrInvalidArgument)
	}
	if err := ref.checkOpen("CreateStateFromRef"); err != nil {
		return nil, err
	}
	s := ref.shape
	bitSetSize := (s.LeafCount() + 7) / 8
	bitset := make([]byte, bitSetSize)
	f := footerFromShape(s, int32(bitSetSize))

	hashes := make([]byte, len(ref.hashRegion()))
	copy(hashes, ref.hashRegion())

	if err := writeTreeFile(path, s, hashes, bitset, f); err != nil {
		return nil, err
	}
	return openHandle(path, FlavorState)
}

// LoadReference opens an existing .mref file.
func LoadReference(path string) (*MerkleData, error) {
	return openHandle(path, FlavorReference)
}

// LoadState opens an existing .mrkl file.
func LoadState(path string) (*MerkleData, error) {
	return openHandle(path, FlavorState)
}

func openHandle(path string, flavor Flavor) (*MerkleData, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("merkletree: open %s: %w: %v", path, errs.ErrIoError, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("merkletree: stat %s: %w: %v", path, errs.ErrIoError, err)
	}
	size := info.Size()
	if size < FixedFooterSize {
		file.Close()
		return nil, fmt.Errorf("merkletree: %s: %w: file too small for footer", path, errs.ErrCorruptFormat)
	}

	footerBuf := make([]byte, FixedFooterSize)
	if _, err := file.ReadAt(footerBuf, size-FixedFooterSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("merkletree: %s: %w: read footer: %v", path, errs.ErrCorruptFormat, err)
	}
	f, err := decodeFooter(footerBuf)
	if err != nil {
		file.Close()
		return nil, err
	}
	if size != f.expectedFileSize() {
		file.Close()
		return nil, fmt.Errorf("merkletree: %s: %w: file size %d != expected %d", path, errs.ErrCorruptFormat, size, f.expectedFileSize())
	}

	s, err := f.toShape()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("merkletree: %s: %w: %v", path, errs.ErrCorruptFormat, err)
	}

	hashLen := int(s.NodeCount() * 32)
	hashMap, err := mmap.MapRegion(file, hashLen, mmap.RDONLY, 0, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("merkletree: %s: %w: mmap hash region: %v", path, errs.ErrIoError, err)
	}

	h := &handle{file: file, hashes: hashMap, refs: 1}
	md := &MerkleData{h: h, flavor: flavor, shape: s, foot: f}

	if flavor == FlavorState {
		wantBitSetSize := (s.LeafCount() + 7) / 8
		if int64(f.bitSetSize) != wantBitSetSize {
			h.release()
			return nil, fmt.Errorf("merkletree: %s: %w: state bitSetSize %d != expected %d", path, errs.ErrCorruptFormat, f.bitSetSize, wantBitSetSize)
		}
		bitset := make([]byte, f.bitSetSize)
		if f.bitSetSize > 0 {
			if _, err := file.ReadAt(bitset, s.NodeCount()*32); err != nil {
				h.release()
				return nil, fmt.Errorf("merkletree: %s: %w: read bitset: %v", path, errs.ErrCorruptFormat, err)
			}
		}
		md.bitset = bitset
		md.locks = make([]sync.Mutex, s.LeafCount())
	}
	// A reference view's bitSetSize may be 0 (all-valid compatibility
	// form) or a concrete all-ones bitset; either way a reference's
	// IsValid always answers true, so the bitset bytes (if any) are never
	// read back for a reference view.

	return md, nil
}
