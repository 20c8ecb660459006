// Package merkletree implements the on-disk Merkle tree format described
// in spec.md §3 and §6: a hash region (one SHA-256 per node, memory-mapped
// read-only once populated), a per-leaf validity bitset, and a fixed
// footer encoding the tree's geometry. It also implements the
// reference/state duality: a Reference (.mref) is immutable and
// authoritative; a State (.mrkl) shares its hashes but tracks, per leaf,
// whether the corresponding cache bytes have been observed to match.
package merkletree

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/nosqlbench/lazyfile/internal/errs"
	"github.com/nosqlbench/lazyfile/shape"
)

// Flavor distinguishes a reference tree (authoritative, immutable) from a
// state tree (mutable only via SaveIfValid).
type Flavor int

const (
	FlavorReference Flavor = iota
	FlavorState
)

func (f Flavor) String() string {
	if f == FlavorReference {
		return "reference"
	}
	return "state"
}

// handle owns the single open file descriptor and hash-region mapping
// backing one or more MerkleData views (a state and its toRef() promotion
// share a handle). It is closed exactly once, when the last view releases
// it — this is the shared-opaque-handle pattern spec.md §9 calls for in
// place of a cyclic read/write-view object graph.
type handle struct {
	mu       sync.Mutex
	file     *os.File
	hashes   mmap.MMap // read-only mapping of the hash region, nodeCount*32 bytes
	refs     int
	unlinked bool
}

func (h *handle) retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

func (h *handle) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	if h.refs > 0 {
		return nil
	}
	var err error
	if h.hashes != nil {
		if uerr := h.hashes.Unmap(); uerr != nil {
			err = uerr
		}
		h.hashes = nil
	}
	if h.file != nil {
		if cerr := h.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		h.file = nil
	}
	return err
}

// MerkleData is one view (reference or state) over a persisted Merkle
// tree. A state view additionally owns a per-leaf validity bitset and a
// per-chunk lock used to serialize SaveIfValid's check-hash-then-publish
// sequence.
type MerkleData struct {
	h      *handle
	flavor Flavor
	shape  shape.Shape
	foot   footer

	// state-only fields; zero-valued and unused for a reference view.
	bitsetMu sync.Mutex
	bitset   []byte // heap copy, len = ceil(leafCount/8); written through to disk on every change
	locks    []sync.Mutex

	closed bool
	mu     sync.RWMutex // guards closed, independent of bitsetMu (per §4.3 concurrency note)
}

// Shape returns the tree's geometry.
func (m *MerkleData) Shape() shape.Shape { return m.shape }

// IsReference reports whether this view is a reference (authoritative,
// immutable) view.
func (m *MerkleData) IsReference() bool { return m.flavor == FlavorReference }

func (m *MerkleData) checkOpen(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("merkletree: %s: %w", op, errs.ErrClosed)
	}
	return nil
}

// hashRegion returns the full backing hash-region mapping.
func (m *MerkleData) hashRegion() []byte { return m.h.hashes }

func (m *MerkleData) nodeHashSlice(n int64) []byte {
	return m.hashRegion()[n*32 : n*32+32]
}

// GetHashForIndex returns a copy of the 32-byte hash stored at flat node
// index n.
func (m *MerkleData) GetHashForIndex(n int64) ([]byte, error) {
	if err := m.checkOpen("GetHashForIndex"); err != nil {
		return nil, err
	}
	if n < 0 || n >= m.shape.NodeCount() {
		return nil, fmt.Errorf("merkletree: GetHashForIndex: %w: node %d out of range", errs.ErrInvalidArgument, n)
	}
	out := make([]byte, 32)
	copy(out, m.nodeHashSlice(n))
	return out, nil
}

// GetHashForLeaf returns a copy of the 32-byte reference hash for chunk k.
func (m *MerkleData) GetHashForLeaf(k int64) ([]byte, error) {
	n, err := m.shape.ChunkIndexToLeafNode(k)
	if err != nil {
		return nil, fmt.Errorf("merkletree: GetHashForLeaf: %w", errs.ErrInvalidArgument)
	}
	return m.GetHashForIndex(n)
}

// GetPathToRoot returns the sibling hash at every level from leafIndex's
// leaf node up to (but not including) the root, ordered leaf-to-root.
// Hashes are cloned so the caller cannot mutate the backing mapping.
func (m *MerkleData) GetPathToRoot(leafIndex int64) ([][]byte, error) {
	n, err := m.shape.ChunkIndexToLeafNode(leafIndex)
	if err != nil {
		return nil, fmt.Errorf("merkletree: GetPathToRoot: %w", errs.ErrInvalidArgument)
	}
	if err := m.checkOpen("GetPathToRoot"); err != nil {
		return nil, err
	}
	var path [][]byte
	for n != 0 {
		sib := m.shape.SiblingOf(n)
		h, err := m.GetHashForIndex(sib)
		if err != nil {
			return nil, err
		}
		path = append(path, h)
		n = shape.ParentOf(n)
	}
	return path, nil
}

// bitIndex returns (byteIndex, bitMask) for leaf i, little-endian bit
// order within each byte per spec.md §6.
func bitIndex(i int64) (byteIdx int, mask byte) {
	return int(i / 8), byte(1 << uint(i%8))
}

func (m *MerkleData) bitSet(i int64) bool {
	if len(m.bitset) == 0 {
		// A zero-length bitset means "all valid." A state view loaded by
		// openHandle always has ceil(leafCount/8) bytes, so this branch is
		// only reachable for a view without a bitset (a reference).
		return true
	}
	b, mask := bitIndex(i)
	m.bitsetMu.Lock()
	defer m.bitsetMu.Unlock()
	return m.bitset[b]&mask != 0
}

// IsValid reports whether chunk i has been verified. A reference view is
// always fully valid.
func (m *MerkleData) IsValid(i int64) (bool, error) {
	if err := m.checkOpen("IsValid"); err != nil {
		return false, err
	}
	if _, err := m.shape.ActualChunkSize(i); err != nil {
		return false, fmt.Errorf("merkletree: IsValid: %w", errs.ErrInvalidArgument)
	}
	if m.flavor == FlavorReference {
		return true, nil
	}
	return m.bitSet(i), nil
}

// Cardinality returns the number of valid leaves in a state view.
func (m *MerkleData) Cardinality() int64 {
	if m.flavor == FlavorReference {
		return m.shape.LeafCount()
	}
	m.bitsetMu.Lock()
	defer m.bitsetMu.Unlock()
	var n int64
	for i := int64(0); i < m.shape.LeafCount(); i++ {
		b, mask := bitIndex(i)
		if m.bitset[b]&mask != 0 {
			n++
		}
	}
	return n
}

func (m *MerkleData) setBitDurable(i int64) error {
	b, mask := bitIndex(i)
	m.bitsetMu.Lock()
	defer m.bitsetMu.Unlock()
	if m.bitset[b]&mask != 0 {
		return nil // already set by a racing writer that lost the per-chunk lock race window
	}
	m.bitset[b] |= mask
	// Durable publish: write-through the single changed byte, then fsync.
	// This happens while still holding the per-chunk lock (outer caller),
	// so "release on set" below is visible to any reader of IsValid that
	// subsequently re-acquires bitsetMu — the acquire/release pair on
	// bitsetMu is what gives bit publication its happens-before edge.
	bitsetOffset := m.shape.NodeCount()*32 + int64(b)
	if _, err := m.h.file.WriteAt(m.bitset[b:b+1], bitsetOffset); err != nil {
		return fmt.Errorf("merkletree: %w: write bitset: %v", errs.ErrIoError, err)
	}
	if err := m.h.file.Sync(); err != nil {
		return fmt.Errorf("merkletree: %w: sync bitset: %v", errs.ErrIoError, err)
	}
	return nil
}

// SaveIfValid implements the I1/I6 verification gate: it computes
// SHA-256 over exactly data (which must equal the chunk's actual size),
// compares it in constant time against the reference hash, and — only on
// a match — invokes saveCallback to durably persist the bytes before
// setting the bitset bit. Concurrent calls for the same chunkIndex are
// serialized by a per-chunk lock, so exactly one invocation of
// saveCallback ever happens per chunk: any call that finds the bit
// already set (including one that arrives after losing the lock race)
// returns false without invoking saveCallback again.
func (m *MerkleData) SaveIfValid(chunkIndex int64, data []byte, saveCallback func([]byte) error) (bool, error) {
	if m.flavor != FlavorState {
		return false, fmt.Errorf("merkletree: SaveIfValid: %w: not a state view", errs.ErrInvalidArgument)
	}
	if err := m.checkOpen("SaveIfValid"); err != nil {
		return false, err
	}
	actual, err := m.shape.ActualChunkSize(chunkIndex)
	if err != nil {
		return false, fmt.Errorf("merkletree: SaveIfValid: %w", errs.ErrInvalidArgument)
	}

	lock := &m.locks[chunkIndex]
	lock.Lock()
	defer lock.Unlock()

	if m.bitSet(chunkIndex) {
		return false, nil
	}
	if int64(len(data)) != actual {
		return false, nil // length mismatch: reported as a false return, never an error
	}

	sum := sha256.Sum256(data)
	leafNode, _ := m.shape.ChunkIndexToLeafNode(chunkIndex)
	want := m.nodeHashSlice(leafNode)
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return false, nil
	}

	if err := saveCallback(data); err != nil {
		return false, fmt.Errorf("merkletree: SaveIfValid: %w: %v", errs.ErrIoError, err)
	}
	if err := m.setBitDurable(chunkIndex); err != nil {
		return false, err
	}
	return true, nil
}

// ToRef promotes a fully-valid state to a reference view sharing the same
// underlying hash mapping. Returns ErrIncompleteState if any bit is unset.
func (m *MerkleData) ToRef() (*MerkleData, error) {
	if m.flavor != FlavorState {
		return nil, fmt.Errorf("merkletree: ToRef: %w: already a reference", errs.ErrInvalidArgument)
	}
	if err := m.checkOpen("ToRef"); err != nil {
		return nil, err
	}
	if m.Cardinality() != m.shape.LeafCount() {
		return nil, fmt.Errorf("merkletree: ToRef: %w", errs.ErrIncompleteState)
	}
	m.h.retain()
	return &MerkleData{
		h:      m.h,
		flavor: FlavorReference,
		shape:  m.shape,
		foot:   m.foot,
	}, nil
}

// Close releases this view's reference to the underlying handle. For a
// state view it first durably flushes the bitset region. The last view to
// close a shared handle unmaps and closes the file.
func (m *MerkleData) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.flavor == FlavorState {
		m.bitsetMu.Lock()
		_, err := m.h.file.WriteAt(m.bitset, m.shape.NodeCount()*32)
		if err == nil {
			err = m.h.file.Sync()
		}
		m.bitsetMu.Unlock()
		if err != nil {
			_ = m.h.release()
			return fmt.Errorf("merkletree: Close: %w: %v", errs.ErrIoError, err)
		}
	}
	return m.h.release()
}
