// Package lazyfile provides a virtualized random-access file: logical
// content lives at a remote HTTP origin but is lazily materialized into a
// local cache, with every chunk verified against a precomputed Merkle
// tree of SHA-256 hashes before it is ever handed back to a reader.
//
// Open gates construction on exactly one of two legal pre-states (no
// local files, or both the cache and state file already present); reads
// and prebuffers drive a Scheduler/Painter pair to fetch and verify only
// the bytes a caller actually needs, deduplicating concurrent demand for
// the same node.
package lazyfile
