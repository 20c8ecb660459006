// Package statsstore persists an Adaptive scheduler's efficiency/success
// window between channel opens, so a warmed-up aggressiveness level
// survives a process restart instead of re-learning from level 3 every
// time. It zstd-compresses a JSON encoding of the snapshot, the same
// pooled-zstd-writer pattern this module's pack compressor uses for
// object bodies.
package statsstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/nosqlbench/lazyfile/scheduler"
)

var encoderPool = sync.Pool{
	New: func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	},
}

// Save writes stats to path as zstd-compressed JSON.
func Save(path string, stats scheduler.Stats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("statsstore: encode: %w", err)
	}

	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("statsstore: create %s: %w", path, err)
	}
	defer f.Close()

	enc.Reset(f)
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return fmt.Errorf("statsstore: write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("statsstore: flush %s: %w", path, err)
	}
	return f.Sync()
}

// Load reads a snapshot previously written by Save. A missing file is
// reported via os.IsNotExist on the returned error, letting callers treat
// "no prior snapshot" as a cold start rather than a hard failure.
func Load(path string) (scheduler.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return scheduler.Stats{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return scheduler.Stats{}, fmt.Errorf("statsstore: init decoder for %s: %w", path, err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return scheduler.Stats{}, fmt.Errorf("statsstore: read %s: %w", path, err)
	}

	var stats scheduler.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return scheduler.Stats{}, fmt.Errorf("statsstore: decode %s: %w", path, err)
	}
	return stats, nil
}
