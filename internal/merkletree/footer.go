package merkletree

import (
	"encoding/binary"
	"fmt"

	"github.com/nosqlbench/lazyfile/internal/errs"
	"github.com/nosqlbench/lazyfile/shape"
)

// FixedFooterSize is the byte length of the trailing footer record in
// every .mref/.mrkl file. It is larger than the sum of its encoded
// scalars; the remainder is reserved zero padding, per spec.md §6.
const FixedFooterSize = 64

// footer mirrors the fixed-layout record described in spec.md §6, Region
// C: big-endian scalars in a fixed order, followed by zero padding out to
// FixedFooterSize.
type footer struct {
	chunkSize         int64
	totalContentSize  int64
	totalChunks       int32
	leafCount         int32
	capLeaf           int32
	nodeCount         int32
	offset            int32
	internalNodeCount int32
	bitSetSize        int32
	footerLength      int32
}

func footerFromShape(s shape.Shape, bitSetSize int32) footer {
	return footer{
		chunkSize:         s.ChunkSize(),
		totalContentSize:  s.TotalContentSize(),
		totalChunks:       int32(s.LeafCount()),
		leafCount:         int32(s.LeafCount()),
		capLeaf:           int32(s.CapLeaf()),
		nodeCount:         int32(s.NodeCount()),
		offset:            int32(s.Offset()),
		internalNodeCount: int32(s.InternalNodeCount()),
		bitSetSize:        bitSetSize,
		footerLength:      FixedFooterSize,
	}
}

// encode writes the footer's canonical big-endian byte representation,
// always exactly FixedFooterSize bytes.
func (f footer) encode() [FixedFooterSize]byte {
	var buf [FixedFooterSize]byte
	o := 0
	putI64 := func(v int64) {
		binary.BigEndian.PutUint64(buf[o:], uint64(v))
		o += 8
	}
	putI32 := func(v int32) {
		binary.BigEndian.PutUint32(buf[o:], uint32(v))
		o += 4
	}
	putI64(f.chunkSize)
	putI64(f.totalContentSize)
	putI32(f.totalChunks)
	putI32(f.leafCount)
	putI32(f.capLeaf)
	putI32(f.nodeCount)
	putI32(f.offset)
	putI32(f.internalNodeCount)
	putI32(f.bitSetSize)
	putI32(f.footerLength)
	// remaining bytes are already zero (reserved padding)
	return buf
}

// decodeFooter parses a FixedFooterSize-byte record. It validates
// footerLength against FixedFooterSize but does not validate overall file
// size — that's the caller's job, since only the caller knows the actual
// file length.
func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != FixedFooterSize {
		return footer{}, fmt.Errorf("merkletree: %w: footer record must be %d bytes, got %d", errs.ErrCorruptFormat, FixedFooterSize, len(buf))
	}
	o := 0
	getI64 := func() int64 {
		v := binary.BigEndian.Uint64(buf[o:])
		o += 8
		return int64(v)
	}
	getI32 := func() int32 {
		v := binary.BigEndian.Uint32(buf[o:])
		o += 4
		return int32(v)
	}
	f := footer{}
	f.chunkSize = getI64()
	f.totalContentSize = getI64()
	f.totalChunks = getI32()
	f.leafCount = getI32()
	f.capLeaf = getI32()
	f.nodeCount = getI32()
	f.offset = getI32()
	f.internalNodeCount = getI32()
	f.bitSetSize = getI32()
	f.footerLength = getI32()

	if f.footerLength != FixedFooterSize {
		return footer{}, fmt.Errorf("merkletree: %w: footerLength %d != %d", errs.ErrCorruptFormat, f.footerLength, FixedFooterSize)
	}
	if f.chunkSize <= 0 || f.totalContentSize < 0 || f.leafCount <= 0 || f.capLeaf <= 0 || f.nodeCount <= 0 {
		return footer{}, fmt.Errorf("merkletree: %w: negative or zero shape scalar", errs.ErrCorruptFormat)
	}
	return f, nil
}

// expectedFileSize returns nodeCount*32 + bitSetSize + footerLength, the
// invariant every on-disk file must satisfy.
func (f footer) expectedFileSize() int64 {
	return int64(f.nodeCount)*32 + int64(f.bitSetSize) + int64(f.footerLength)
}

func (f footer) toShape() (shape.Shape, error) {
	return shape.NewWithChunkSize(f.totalContentSize, f.chunkSize)
}
