package painter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nosqlbench/lazyfile/internal/chunkqueue"
	"github.com/nosqlbench/lazyfile/internal/errs"
	"github.com/nosqlbench/lazyfile/internal/merkletree"
	"github.com/nosqlbench/lazyfile/scheduler"
)

// fakeTransport serves FetchRange out of an in-memory buffer, optionally
// corrupting or failing a configured number of leading calls.
type fakeTransport struct {
	content    []byte
	failTimes  int32 // number of leading FetchRange calls that return an error
	corruptOne int32 // if > 0, the Nth call (1-indexed) returns corrupted bytes
	calls      int32

	// blockFrom/gate, if gate is non-nil, make any FetchRange whose offset
	// is >= blockFrom wait until gate is closed (or ctx is done), to
	// simulate a slow background prefetch fetch.
	blockFrom int64
	gate      chan struct{}
}

func (f *fakeTransport) Size(ctx context.Context) (int64, error) {
	return int64(len(f.content)), nil
}

func (f *fakeTransport) FetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.gate != nil && offset >= f.blockFrom {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.failTimes {
		return nil, errors.New("simulated transport failure")
	}
	data := append([]byte(nil), f.content[offset:offset+length]...)
	if f.corruptOne > 0 && n == f.corruptOne {
		data[0] ^= 0xFF
	}
	return data, nil
}

func buildTestTree(t *testing.T, content []byte) (ref, state *merkletree.MerkleData, statePath, cachePath string) {
	t.Helper()
	dir := t.TempDir()
	refPath := filepath.Join(dir, "content.mref")
	statePath = filepath.Join(dir, "content.mrkl")
	cachePath = filepath.Join(dir, "content.cache")

	ref, err := merkletree.BuildReference(content, refPath)
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}
	state, err = merkletree.CreateStateFromRef(ref, statePath)
	if err != nil {
		t.Fatalf("CreateStateFromRef: %v", err)
	}
	cache, err := os.Create(cachePath)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	if err := cache.Truncate(int64(len(content))); err != nil {
		t.Fatalf("truncate cache: %v", err)
	}
	cache.Close()
	return ref, state, statePath, cachePath
}

func newTestPainter(t *testing.T, tr *fakeTransport, state *merkletree.MerkleData, cachePath string, retry RetryPolicy) *Painter {
	t.Helper()
	cache, err := os.OpenFile(cachePath, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	p := New(scheduler.Balanced{}, tr, state, state.Shape(), chunkqueue.New(), cache, retry)
	t.Cleanup(func() {
		p.Close()
		cache.Close()
	})
	return p
}

func TestEnsureRangeHappyPath(t *testing.T) {
	content := make([]byte, 3_000_000)
	for i := range content {
		content[i] = byte(i)
	}
	ref, state, _, cachePath := buildTestTree(t, content)
	defer ref.Close()
	defer state.Close()

	tr := &fakeTransport{content: content}
	p := newTestPainter(t, tr, state, cachePath, DefaultRetryPolicy())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.EnsureRange(ctx, 0, int64(len(content))); err != nil {
		t.Fatalf("EnsureRange: %v", err)
	}

	s := state.Shape()
	for i := int64(0); i < s.LeafCount(); i++ {
		valid, err := state.IsValid(i)
		if err != nil {
			t.Fatalf("IsValid(%d): %v", i, err)
		}
		if !valid {
			t.Errorf("chunk %d should be valid after EnsureRange covers the whole file", i)
		}
	}

	cacheBytes, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	for i := range content {
		if cacheBytes[i] != content[i] {
			t.Fatalf("cache byte %d = %d, want %d", i, cacheBytes[i], content[i])
			break
		}
	}
}

func TestEnsureRangeRetriesTransportErrors(t *testing.T) {
	content := make([]byte, 2_000_000)
	ref, state, _, cachePath := buildTestTree(t, content)
	defer ref.Close()
	defer state.Close()

	tr := &fakeTransport{content: content, failTimes: 2}
	retry := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	p := newTestPainter(t, tr, state, cachePath, retry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.EnsureRange(ctx, 0, int64(len(content))); err != nil {
		t.Fatalf("EnsureRange should succeed after transient transport failures: %v", err)
	}
	valid, err := state.IsValid(0)
	if err != nil || !valid {
		t.Errorf("chunk 0 should end up valid: valid=%v err=%v", valid, err)
	}
}

func TestEnsureRangeVerificationFailureIsNotRetried(t *testing.T) {
	content := make([]byte, 2_000_000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	ref, state, _, cachePath := buildTestTree(t, content)
	defer ref.Close()
	defer state.Close()

	tr := &fakeTransport{content: content, corruptOne: 1}
	retry := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	p := newTestPainter(t, tr, state, cachePath, retry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.EnsureRange(ctx, 0, int64(len(content)))
	if err == nil {
		t.Fatal("EnsureRange should fail when a chunk's bytes fail verification")
	}
	if !errors.Is(err, errs.ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
	if atomic.LoadInt32(&tr.calls) != 1 {
		t.Errorf("a hash mismatch must not be retried, transport was called %d times", tr.calls)
	}
}

func TestOnTaskCompletedCallback(t *testing.T) {
	content := make([]byte, 1_500_000)
	ref, state, _, cachePath := buildTestTree(t, content)
	defer ref.Close()
	defer state.Close()

	tr := &fakeTransport{content: content}
	cache, err := os.OpenFile(cachePath, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer cache.Close()

	var mu sync.Mutex
	var calls []bool
	p := New(scheduler.Balanced{}, tr, state, state.Shape(), chunkqueue.New(), cache, DefaultRetryPolicy())
	p.OnTaskCompleted = func(d scheduler.SchedulingDecision, success bool) {
		mu.Lock()
		calls = append(calls, success)
		mu.Unlock()
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.EnsureRange(ctx, 0, int64(len(content))); err != nil {
		t.Fatalf("EnsureRange: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 {
		t.Fatal("expected at least one OnTaskCompleted callback")
	}
	for _, ok := range calls {
		if !ok {
			t.Error("all tasks in the happy path should report success")
		}
	}
}

func TestEnsureRangeDoesNotBlockOnBackgroundPrefetch(t *testing.T) {
	const chunkSize = 1_048_576
	content := make([]byte, 16*chunkSize)
	for i := range content {
		content[i] = byte(i)
	}
	ref, state, _, cachePath := buildTestTree(t, content)
	defer ref.Close()
	defer state.Close()

	// Chunk 0's consolidated decision (Aggressive merges up to 8 leaves)
	// completes normally; any fetch at or past chunk 8 (the speculative
	// look-ahead window) hangs on a gate this test never opens.
	tr := &fakeTransport{content: content, blockFrom: 8 * chunkSize, gate: make(chan struct{})}
	cache, err := os.OpenFile(cachePath, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer cache.Close()

	p := New(scheduler.Aggressive{}, tr, state, state.Shape(), chunkqueue.New(), cache, DefaultRetryPolicy())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.EnsureRange(ctx, 0, chunkSize); err != nil {
		t.Fatalf("EnsureRange should return once chunk 0 is valid, without waiting on the gated background prefetch: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 500*time.Millisecond {
		t.Errorf("EnsureRange took %v; it should return well before its timeout since prefetch must not block it", elapsed)
	}

	valid, err := state.IsValid(0)
	if err != nil || !valid {
		t.Errorf("chunk 0 should be valid: valid=%v err=%v", valid, err)
	}
}

func TestClosePainterIsIdempotent(t *testing.T) {
	content := make([]byte, 100_000)
	ref, state, _, cachePath := buildTestTree(t, content)
	defer ref.Close()
	defer state.Close()

	tr := &fakeTransport{content: content}
	cache, err := os.OpenFile(cachePath, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer cache.Close()

	p := New(scheduler.Balanced{}, tr, state, state.Shape(), chunkqueue.New(), cache, DefaultRetryPolicy())
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}
