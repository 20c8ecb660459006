// Package chunkqueue is the scheduling target the painter drives: a
// pending-task FIFO, an at-most-one-in-flight-per-node dedup map built on
// golang.org/x/sync/singleflight, and a bounded completion history ring
// for diagnostics. The in-flight map is the concurrency-safe
// get-or-create this module's store.Manager does for a shared database
// handle, adapted to a per-node completion handle instead of a
// process-wide singleton.
package chunkqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nosqlbench/lazyfile/scheduler"
)

const (
	defaultCapacity  = 4096
	defaultHistoryCap = 256
)

// TaskResult is what a worker reports back through a task's completion
// channel once it has attempted the transport fetch and verification.
type TaskResult struct {
	Success          bool
	BytesTransferred int64
	Err              error
}

// NodeDownloadTask is one unit of scheduling work: download the byte
// range backing a node and, for every leaf it covers, attempt
// verification against the reference hash.
type NodeDownloadTask struct {
	NodeIndex int64
	Offset    int64
	Size      int64
	IsLeaf    bool
	LeafLo    int64 // first leaf (chunk index) this task covers
	LeafHi    int64 // one past the last leaf this task covers

	done chan TaskResult
}

// CompletedTask is one entry in the bounded completion history.
type CompletedTask struct {
	NodeIndex        int64
	Offset           int64
	Size             int64
	IsLeaf           bool
	CompletedAt      time.Time
	Success          bool
	BytesTransferred int64
}

// ChunkQueue is the scheduling target: it implements scheduler.Target via
// schedulingTarget below, but also exposes the primitives directly
// (offerTask/PollTask) for a worker pool to drain.
type ChunkQueue struct {
	capacity int
	mu       sync.Mutex
	pending  []*NodeDownloadTask
	notify   chan struct{}

	group singleflight.Group

	historyMu  sync.Mutex
	history    []CompletedTask
	historyCap int
}

// New returns an empty ChunkQueue with default capacity and history size.
func New() *ChunkQueue {
	return &ChunkQueue{
		capacity:   defaultCapacity,
		historyCap: defaultHistoryCap,
		notify:     make(chan struct{}, 1),
	}
}

func (q *ChunkQueue) offerTask(task *NodeDownloadTask) bool {
	q.mu.Lock()
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// PollTask blocks until a task is available or ctx is done.
func (q *ChunkQueue) PollTask(ctx context.Context) (*NodeDownloadTask, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// GetOrCreateFuture enqueues task (unless an identical in-flight download
// for the same node already exists, in which case task is discarded and
// the caller joins the existing one) and returns a channel that delivers
// exactly one singleflight.Result once a worker calls MarkCompleted for
// that node. Every concurrent call for the same NodeIndex shares this one
// channel's eventual result; at most one task for that node is ever
// pending or in flight at a time.
func (q *ChunkQueue) GetOrCreateFuture(task *NodeDownloadTask) <-chan singleflight.Result {
	key := strconv.FormatInt(task.NodeIndex, 10)
	return q.group.DoChan(key, func() (interface{}, error) {
		task.done = make(chan TaskResult, 1)
		if !q.offerTask(task) {
			res := TaskResult{Success: false, Err: errQueueFull}
			return res, res.Err
		}
		res := <-task.done
		return res, res.Err
	})
}

// MarkCompleted delivers a worker's outcome to whatever callers are
// waiting on task's future and appends a diagnostic record to the
// completion history, evicting the oldest entry once the ring is full.
func (q *ChunkQueue) MarkCompleted(task *NodeDownloadTask, completedAt time.Time, success bool, bytesTransferred int64, err error) {
	if task.done != nil {
		task.done <- TaskResult{Success: success, BytesTransferred: bytesTransferred, Err: err}
	}
	q.historyMu.Lock()
	q.history = append(q.history, CompletedTask{
		NodeIndex:        task.NodeIndex,
		Offset:           task.Offset,
		Size:             task.Size,
		IsLeaf:           task.IsLeaf,
		CompletedAt:      completedAt,
		Success:          success,
		BytesTransferred: bytesTransferred,
	})
	if over := len(q.history) - q.historyCap; over > 0 {
		q.history = q.history[over:]
	}
	q.historyMu.Unlock()
}

// History returns a snapshot copy of the completion ring, oldest first.
func (q *ChunkQueue) History() []CompletedTask {
	q.historyMu.Lock()
	defer q.historyMu.Unlock()
	out := make([]CompletedTask, len(q.history))
	copy(out, q.history)
	return out
}

// schedulingTarget is a single scheduling call's private scheduler.Target:
// every OfferNode call it receives is translated into a task plus a
// get-or-create future, both recorded in call-local buffers so the caller
// knows exactly which futures belong to its request.
type schedulingTarget struct {
	q *ChunkQueue

	mu      sync.Mutex
	tasks   []*NodeDownloadTask
	futures []<-chan singleflight.Result
}

func (t *schedulingTarget) OfferNode(nodeIndex, offset, size int64, isLeaf bool, leafLo, leafHi int64) error {
	task := &NodeDownloadTask{
		NodeIndex: nodeIndex,
		Offset:    offset,
		Size:      size,
		IsLeaf:    isLeaf,
		LeafLo:    leafLo,
		LeafHi:    leafHi,
	}
	future := t.q.GetOrCreateFuture(task)
	t.mu.Lock()
	t.tasks = append(t.tasks, task)
	t.futures = append(t.futures, future)
	t.mu.Unlock()
	return nil
}

// ExecuteSchedulingWithTasks runs fn (typically a Scheduler.ScheduleDownloads
// call) against a private scheduler.Target and returns exactly the tasks
// and futures created during that call — nothing from a concurrent,
// unrelated scheduling operation leaks in, since each call gets its own
// schedulingTarget instance.
func (q *ChunkQueue) ExecuteSchedulingWithTasks(fn func(target scheduler.Target) error) ([]*NodeDownloadTask, []<-chan singleflight.Result, error) {
	st := &schedulingTarget{q: q}
	if err := fn(st); err != nil {
		return nil, nil, err
	}
	return st.tasks, st.futures, nil
}
