package merkletree

import (
	"fmt"
	"os"

	"lukechampine.com/blake3"
)

// QuickDigest returns a BLAKE3 digest of an entire cache file, for
// advisory use only (e.g. detecting an externally-truncated or
// externally-modified cache file before trusting its bitset). It is
// never part of the SHA-256 verification gate SaveIfValid enforces — a
// chunk's validity bit is set only by a matching per-leaf SHA-256
// comparison, never by this digest.
func QuickDigest(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("merkletree: QuickDigest: read %s: %v", path, err)
	}
	sum := blake3.Sum256(data)
	return sum[:], nil
}
