// Package transport defines the byte-range fetch port the core consumes,
// and ships one concrete implementation over HTTP. Alternative
// transports (other protocols, test doubles) are external collaborators:
// anything satisfying Transport plugs into a Channel.
package transport

import "context"

// Transport is the abstract byte-range fetch interface the painter and
// virtual channel consume. Implementations must be safe for concurrent
// use by multiple goroutines — multiple chunk downloads fetch disjoint
// ranges in parallel.
type Transport interface {
	// Size returns the total byte length of the origin content.
	Size(ctx context.Context) (int64, error)

	// FetchRange returns exactly `length` bytes of origin content starting
	// at `offset`. A short read (origin returns fewer bytes than
	// requested) is an error, not a partial result.
	FetchRange(ctx context.Context, offset, length int64) ([]byte, error)
}
