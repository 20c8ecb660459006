// Package painter coordinates a Scheduler, a ChunkQueue, a Transport, and
// a state MerkleData to make demanded byte ranges valid. It is the single
// place that turns scheduling decisions into transport fetches and
// SaveIfValid calls, following the worker-pool shape this module's
// compression pool uses for leaf-level fan-out.
package painter

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nosqlbench/lazyfile/internal/chunkqueue"
	"github.com/nosqlbench/lazyfile/internal/errs"
	"github.com/nosqlbench/lazyfile/internal/merkletree"
	"github.com/nosqlbench/lazyfile/scheduler"
	"github.com/nosqlbench/lazyfile/shape"
	"github.com/nosqlbench/lazyfile/transport"
)

const defaultPainterWorkers = 8

func workerCount() int {
	n := runtime.NumCPU()
	if n > defaultPainterWorkers {
		n = defaultPainterWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// RetryPolicy bounds transport-fetch retries for one task. A verification
// failure (SaveIfValid returning false because of a hash mismatch) is
// never retried under this policy — only transport IoErrors are.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the bounded, deterministic retry constants
// this implementation picked for the spec's unspecified retry knobs.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Painter drives download workers against Queue until closed. It holds no
// pointer back to its owning channel — channel owns painter owns queue
// and transport, never the reverse.
type Painter struct {
	Scheduler scheduler.Scheduler
	Transport transport.Transport
	State     *merkletree.MerkleData
	Shape     shape.Shape
	Queue     *chunkqueue.ChunkQueue
	Cache     *os.File
	Retry     RetryPolicy

	// OnTaskCompleted, if set, is called each time an EnsureRange call sees
	// one of its futures complete, with the SchedulingDecision that produced
	// it and whether it succeeded. A future shared by several EnsureRange
	// calls is reported once per call; one whose caller's context ends first
	// is not reported. Wired to scheduler.Adaptive.RecordOutcome when the
	// channel uses Adaptive.
	OnTaskCompleted func(scheduler.SchedulingDecision, bool)

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts a bounded worker pool pulling tasks off queue.
func New(sched scheduler.Scheduler, tr transport.Transport, state *merkletree.MerkleData, s shape.Shape, queue *chunkqueue.ChunkQueue, cache *os.File, retry RetryPolicy) *Painter {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Painter{
		Scheduler: sched,
		Transport: tr,
		State:     state,
		Shape:     s,
		Queue:     queue,
		Cache:     cache,
		Retry:     retry,
		cancel:    cancel,
	}
	workers := workerCount()
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.workerLoop(ctx)
	}
	return p
}

func (p *Painter) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		task, ok := p.Queue.PollTask(ctx)
		if !ok {
			return
		}
		p.runTask(ctx, task)
	}
}

// EnsureRange returns once every chunk intersecting [start, end) is valid
// in State. A caller only ever waits on the futures its own scheduling
// call produced; unrelated in-flight downloads are never awaited.
func (p *Painter) EnsureRange(ctx context.Context, start, end int64) error {
	if end <= start {
		return nil
	}
	var decisions []scheduler.SchedulingDecision
	_, futures, err := p.Queue.ExecuteSchedulingWithTasks(func(target scheduler.Target) error {
		d, err := p.Scheduler.ScheduleDownloads(start, end-start, p.Shape, p.State, target)
		decisions = d
		return err
	})
	if err != nil {
		return err
	}
	if len(futures) == 0 {
		return nil
	}

	// Only decisions serving a RequiredChunks are part of the caller's
	// demanded range; a pure-prefetch decision (empty RequiredChunks) must
	// drain in the background so EnsureRange returns as soon as [start,
	// end) is valid, not when speculative look-ahead finishes too.
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range futures {
		i, f := i, f
		if i >= len(decisions) || len(decisions[i].RequiredChunks) == 0 {
			go func() {
				res := <-f
				if p.OnTaskCompleted != nil && i < len(decisions) {
					p.OnTaskCompleted(decisions[i], res.Err == nil)
				}
			}()
			continue
		}
		g.Go(func() error {
			select {
			case res := <-f:
				success := res.Err == nil
				if p.OnTaskCompleted != nil {
					p.OnTaskCompleted(decisions[i], success)
				}
				return res.Err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

func (p *Painter) runTask(ctx context.Context, task *chunkqueue.NodeDownloadTask) {
	data, err := p.fetchWithRetry(ctx, task)
	if err != nil {
		p.Queue.MarkCompleted(task, time.Now(), false, 0, err)
		return
	}

	verifyErr := p.verifyAndSave(task, data)
	p.Queue.MarkCompleted(task, time.Now(), verifyErr == nil, int64(len(data)), verifyErr)
}

// verifyAndSave attempts SaveIfValid for every leaf task covers. A hash
// mismatch is immediately fatal for the whole task — no re-fetch of the
// same origin bytes is attempted.
func (p *Painter) verifyAndSave(task *chunkqueue.NodeDownloadTask, data []byte) error {
	for leaf := task.LeafLo; leaf < task.LeafHi; leaf++ {
		start, end, err := p.Shape.ChunkBoundary(leaf)
		if err != nil {
			return err
		}
		relStart := start - task.Offset
		relEnd := end - task.Offset
		if relStart < 0 || relEnd > int64(len(data)) || relStart > relEnd {
			return fmt.Errorf("painter: task for node %d does not cover leaf %d: %w", task.NodeIndex, leaf, errs.ErrCorruptFormat)
		}
		slice := data[relStart:relEnd]
		absOffset := start

		ok, err := p.State.SaveIfValid(leaf, slice, func(b []byte) error {
			if _, err := p.Cache.WriteAt(b, absOffset); err != nil {
				return err
			}
			return p.Cache.Sync()
		})
		if err != nil {
			return err
		}
		if !ok {
			if valid, verr := p.State.IsValid(leaf); verr == nil && valid {
				// A racing task for an overlapping node already verified
				// this leaf first; not a failure of this task.
				continue
			}
			return fmt.Errorf("painter: leaf %d: %w", leaf, errs.ErrHashMismatch)
		}
	}
	return nil
}

func (p *Painter) fetchWithRetry(ctx context.Context, task *chunkqueue.NodeDownloadTask) ([]byte, error) {
	delay := p.Retry.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.Retry.MaxAttempts; attempt++ {
		data, err := p.Transport.FetchRange(ctx, task.Offset, task.Size)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == p.Retry.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > p.Retry.MaxDelay {
			delay = p.Retry.MaxDelay
		}
	}
	return nil, fmt.Errorf("painter: fetch node %d exhausted %d attempts: %w", task.NodeIndex, p.Retry.MaxAttempts, lastErr)
}

// Close stops accepting new work and waits for in-flight workers to
// observe cancellation and return. Workers currently blocked in
// PollTask unblock via ctx.Done(); one already running a transport fetch
// completes or aborts according to the transport's own ctx handling.
func (p *Painter) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
	})
	p.wg.Wait()
	return nil
}
