package lazyfile

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nosqlbench/lazyfile/internal/chunkqueue"
	"github.com/nosqlbench/lazyfile/internal/config"
	"github.com/nosqlbench/lazyfile/internal/errs"
	"github.com/nosqlbench/lazyfile/internal/merkletree"
	"github.com/nosqlbench/lazyfile/internal/painter"
	"github.com/nosqlbench/lazyfile/internal/registry"
	"github.com/nosqlbench/lazyfile/internal/statsstore"
	"github.com/nosqlbench/lazyfile/scheduler"
	"github.com/nosqlbench/lazyfile/shape"
	"github.com/nosqlbench/lazyfile/transport"
)

// Options customizes Open. Every field has a usable default.
type Options struct {
	// Transport fetches origin bytes; defaults to an HTTP transport
	// against originURL.
	Transport transport.Transport
	// Scheduler decides which nodes to download per read; defaults to the
	// strategy named by the config layer (scheduler.Balanced{} under the
	// built-in config).
	Scheduler scheduler.Scheduler
	// Retry bounds the painter's transport-fetch retries; defaults to the
	// config layer's retry settings (the same values as
	// painter.DefaultRetryPolicy() under the built-in config).
	Retry painter.RetryPolicy
}

// Channel is a virtualized, read-only, random-access view over remote
// content. It owns its Painter, which owns its ChunkQueue and Transport —
// a tree of owners with no back-pointers, per this module's design notes.
type Channel struct {
	mu        sync.RWMutex
	size      int64
	shape     shape.Shape
	state     *merkletree.MerkleData
	cache     *os.File
	painter   *painter.Painter
	originURL string
	reg       *registry.SharedDB
	adaptive  *scheduler.Adaptive
	statsPath string
	closed    bool
}

// Open constructs a Channel. localCachePath and stateFilePath name the
// (content).cache and (content).mrkl sibling files; the reference
// (content).mref lives alongside stateFilePath. originURL names the
// remote content; its reference is discovered at originURL+".mref".
//
// Construction is strictly gated: either neither localCachePath nor
// stateFilePath exists (a fresh channel is bootstrapped from the origin's
// reference), or both already exist (they are opened as-is). Any other
// combination is ErrInvalidInitialState.
func Open(localCachePath, stateFilePath, originURL string, opts Options) (*Channel, error) {
	parsed, err := url.Parse(originURL)
	if err != nil {
		return nil, fmt.Errorf("lazyfile: Open: %w: invalid origin URL: %v", errs.ErrInvalidArgument, err)
	}
	if parsed.Scheme == "file" {
		return nil, fmt.Errorf("lazyfile: Open: %w: file:// origin is not permitted", errs.ErrPolicyError)
	}

	cfg, err := config.Load(filepath.Dir(stateFilePath))
	if err != nil {
		return nil, fmt.Errorf("lazyfile: Open: %w: load config: %v", errs.ErrIoError, err)
	}

	tr := opts.Transport
	if tr == nil {
		tr = transport.NewHTTPTransportWithTimeout(originURL, cfg.Transport.UserAgent, time.Duration(cfg.Transport.TimeoutSeconds)*time.Second)
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = schedulerForStrategy(cfg.Scheduler)
	}
	retry := opts.Retry
	if retry == (painter.RetryPolicy{}) {
		base, max := cfg.Retry.RetryDuration()
		retry = painter.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: base, MaxDelay: max}
	}

	cacheExists := fileExists(localCachePath)
	stateExists := fileExists(stateFilePath)

	var state *merkletree.MerkleData
	var cache *os.File

	switch {
	case !cacheExists && !stateExists:
		state, cache, err = bootstrap(localCachePath, stateFilePath, originURL, tr)
		if err != nil {
			return nil, err
		}
	case cacheExists && stateExists:
		state, err = merkletree.LoadState(stateFilePath)
		if err != nil {
			return nil, err
		}
		cache, err = os.OpenFile(localCachePath, os.O_RDWR, 0o644)
		if err != nil {
			_ = state.Close()
			return nil, fmt.Errorf("lazyfile: Open: %w: open cache %s: %v", errs.ErrIoError, localCachePath, err)
		}
	default:
		return nil, fmt.Errorf("lazyfile: Open: %w: cache and state files must both exist or both be absent", errs.ErrInvalidInitialState)
	}

	statsPath := stateFilePath + ".adaptstats.zst"
	var adaptive *scheduler.Adaptive
	if a, ok := sched.(*scheduler.Adaptive); ok {
		adaptive = a
		if info, err := os.Stat(statsPath); err == nil && time.Since(info.ModTime()) < statsStaleAfter {
			if stats, err := statsstore.Load(statsPath); err == nil {
				adaptive.Restore(stats)
			} else {
				log.Printf("lazyfile: Open: discarding unreadable adaptive-scheduler snapshot %s: %v", statsPath, err)
			}
		}
	}

	s := state.Shape()
	p := painter.New(sched, tr, state, s, chunkqueue.New(), cache, retry)
	if adaptive != nil {
		p.OnTaskCompleted = adaptive.RecordOutcome
	}

	// The housekeeping registry is a diagnostic ledger only: it never gates
	// validity, so any failure to open or record into it is logged and
	// swallowed rather than failing Open.
	var reg *registry.SharedDB
	reg, err = registry.GetSharedDB(filepath.Dir(stateFilePath))
	if err != nil {
		log.Printf("lazyfile: Open: housekeeping registry unavailable: %v", err)
		reg = nil
	} else if err := reg.RecordOpen(registry.Entry{
		OriginURL: originURL,
		CachePath: localCachePath,
		StatePath: stateFilePath,
		OpenedAt:  time.Now(),
	}); err != nil {
		log.Printf("lazyfile: Open: could not record registry entry: %v", err)
	}

	return &Channel{
		size:      s.TotalContentSize(),
		shape:     s,
		state:     state,
		cache:     cache,
		painter:   p,
		originURL: originURL,
		reg:       reg,
		adaptive:  adaptive,
		statsPath: statsPath,
	}, nil
}

// statsStaleAfter bounds how old a persisted Adaptive snapshot may be
// before Open discards it and starts the scheduler cold, per this
// package's documented adaptive-scheduler snapshot policy.
const statsStaleAfter = time.Hour

func schedulerForStrategy(cfg config.SchedulerConfig) scheduler.Scheduler {
	switch cfg.Strategy {
	case "conservative":
		return scheduler.Conservative{}
	case "aggressive":
		return scheduler.Aggressive{}
	case "adaptive":
		return scheduler.NewAdaptiveAtLevel(cfg.InitialLevel)
	default:
		return scheduler.Balanced{}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func referencePath(stateFilePath string) string {
	base := strings.TrimSuffix(stateFilePath, filepath.Ext(stateFilePath))
	return base + ".mref"
}

func bootstrap(localCachePath, stateFilePath, originURL string, tr transport.Transport) (*merkletree.MerkleData, *os.File, error) {
	ctx := context.Background()

	refTransport := transport.NewHTTPTransport(originURL + ".mref")
	refSize, err := refTransport.Size(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("lazyfile: Open: %w: fetch reference size: %v", errs.ErrIoError, err)
	}
	refBytes, err := refTransport.FetchRange(ctx, 0, refSize)
	if err != nil {
		return nil, nil, fmt.Errorf("lazyfile: Open: %w: fetch reference: %v", errs.ErrIoError, err)
	}

	refPath := referencePath(stateFilePath)
	if err := os.WriteFile(refPath, refBytes, 0o644); err != nil {
		return nil, nil, fmt.Errorf("lazyfile: Open: %w: write reference %s: %v", errs.ErrIoError, refPath, err)
	}

	ref, err := merkletree.LoadReference(refPath)
	if err != nil {
		return nil, nil, err
	}

	state, err := merkletree.CreateStateFromRef(ref, stateFilePath)
	_ = ref.Close()
	if err != nil {
		return nil, nil, err
	}

	cache, err := os.Create(localCachePath)
	if err != nil {
		_ = state.Close()
		return nil, nil, fmt.Errorf("lazyfile: Open: %w: create cache %s: %v", errs.ErrIoError, localCachePath, err)
	}
	if err := cache.Truncate(state.Shape().TotalContentSize()); err != nil {
		_ = state.Close()
		_ = cache.Close()
		return nil, nil, fmt.Errorf("lazyfile: Open: %w: size cache %s: %v", errs.ErrIoError, localCachePath, err)
	}

	return state, cache, nil
}

// Size returns the origin's total content length.
func (c *Channel) Size() int64 { return c.size }

// Read clamps [pos, pos+len(buf)) to [0, Size()), ensures every chunk it
// touches is valid (fetching and verifying as needed), then serves the
// bytes directly from the cache file. It never returns bytes that have
// not passed SaveIfValid's verification gate.
func (c *Channel) Read(ctx context.Context, buf []byte, pos int64) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if pos < 0 || pos >= c.size {
		return 0, io.EOF
	}
	length := int64(len(buf))
	if pos+length > c.size {
		length = c.size - pos
	}
	if length <= 0 {
		return 0, io.EOF
	}

	if err := c.painter.EnsureRange(ctx, pos, pos+length); err != nil {
		return 0, err
	}
	n, err := c.cache.ReadAt(buf[:length], pos)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("lazyfile: Read: %w: %v", errs.ErrIoError, err)
	}
	return n, nil
}

// Prebuffer drives every chunk in [pos, pos+length) to valid without
// returning bytes. A range clamped past Size() is a no-op.
func (c *Channel) Prebuffer(ctx context.Context, pos, length int64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	end := pos + length
	if end > c.size {
		end = c.size
	}
	if pos < 0 || end <= pos {
		return nil
	}
	return c.painter.EnsureRange(ctx, pos, end)
}

// Write always fails: the channel is read-only.
func (c *Channel) Write([]byte, int64) (int, error) {
	return 0, fmt.Errorf("lazyfile: Write: %w: channel is read-only", errs.ErrPolicyError)
}

// Truncate always fails: the channel is read-only.
func (c *Channel) Truncate(int64) error {
	return fmt.Errorf("lazyfile: Truncate: %w: channel is read-only", errs.ErrPolicyError)
}

func (c *Channel) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("lazyfile: %w", errs.ErrClosed)
	}
	return nil
}

// Close flushes the state bitset, stops the painter's workers, and
// releases the cache file. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.painter.Close()

	if c.adaptive != nil {
		// Best effort: a failed save just means the next Open re-learns
		// its aggressiveness level from scratch.
		_ = statsstore.Save(c.statsPath, c.adaptive.Snapshot())
	}

	if c.reg != nil {
		if err := c.reg.RecordClose(c.originURL); err != nil {
			log.Printf("lazyfile: Close: could not clear registry entry: %v", err)
		}
		if err := c.reg.Close(); err != nil {
			log.Printf("lazyfile: Close: registry close: %v", err)
		}
	}

	var firstErr error
	if err := c.state.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.cache.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("lazyfile: Close: %w: %v", errs.ErrIoError, err)
	}
	return firstErr
}
