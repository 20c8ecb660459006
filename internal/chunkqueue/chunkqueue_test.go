package chunkqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nosqlbench/lazyfile/scheduler"
)

func TestPollTaskBlocksUntilOffered(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan *NodeDownloadTask, 1)
	go func() {
		task, ok := q.PollTask(ctx)
		if ok {
			done <- task
		} else {
			done <- nil
		}
	}()

	task := &NodeDownloadTask{NodeIndex: 5}
	if !q.offerTask(task) {
		t.Fatal("offerTask should succeed under default capacity")
	}

	select {
	case got := <-done:
		if got == nil || got.NodeIndex != 5 {
			t.Errorf("PollTask returned %+v, want node 5", got)
		}
	case <-time.After(time.Second):
		t.Fatal("PollTask did not return after a task was offered")
	}
}

func TestPollTaskReturnsOnContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.PollTask(ctx)
	if ok {
		t.Error("PollTask should report false once its context is cancelled")
	}
}

func TestOfferTaskRejectsPastCapacity(t *testing.T) {
	q := &ChunkQueue{capacity: 2, notify: make(chan struct{}, 1)}
	if !q.offerTask(&NodeDownloadTask{NodeIndex: 1}) {
		t.Fatal("first offer should succeed")
	}
	if !q.offerTask(&NodeDownloadTask{NodeIndex: 2}) {
		t.Fatal("second offer should succeed")
	}
	if q.offerTask(&NodeDownloadTask{NodeIndex: 3}) {
		t.Error("third offer should fail: capacity reached")
	}
}

func TestGetOrCreateFutureDedupsSameNode(t *testing.T) {
	q := New()
	const n = 10

	var wg sync.WaitGroup
	out := make([]interface{}, n)
	var mu sync.Mutex

	// Issue the same node from n goroutines concurrently; singleflight
	// should collapse them into a single pending task.
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			f := q.GetOrCreateFuture(&NodeDownloadTask{NodeIndex: 2})
			res := <-f
			mu.Lock()
			out[i] = res.Val
			mu.Unlock()
		}(i)
	}

	// Drain exactly one pending task for node 2 and complete it; every
	// caller above should observe the same TaskResult. A second poll with
	// a short deadline confirms no duplicate task was ever enqueued.
	task, ok := q.PollTask(context.Background())
	if !ok || task.NodeIndex != 2 {
		t.Fatalf("expected to drain the single task for node 2, got %+v ok=%v", task, ok)
	}
	q.MarkCompleted(task, time.Now(), true, 42, nil)

	checkCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.PollTask(checkCtx); ok {
		t.Error("a second task for the same node should never have been enqueued")
	}

	wg.Wait()
	for i, v := range out {
		tr, ok := v.(TaskResult)
		if !ok {
			t.Fatalf("result %d is not a TaskResult: %#v", i, v)
		}
		if !tr.Success || tr.BytesTransferred != 42 {
			t.Errorf("result %d = %+v, want Success=true BytesTransferred=42", i, tr)
		}
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	q := &ChunkQueue{historyCap: 3, notify: make(chan struct{}, 1)}
	for i := int64(0); i < 5; i++ {
		q.MarkCompleted(&NodeDownloadTask{NodeIndex: i}, time.Now(), true, 0, nil)
	}
	hist := q.History()
	if len(hist) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(hist))
	}
	if hist[0].NodeIndex != 2 || hist[2].NodeIndex != 4 {
		t.Errorf("expected the oldest two entries evicted, got node indices %v", []int64{hist[0].NodeIndex, hist[1].NodeIndex, hist[2].NodeIndex})
	}
}

func TestExecuteSchedulingWithTasksScopesToOneCall(t *testing.T) {
	q := New()
	tasks, futures, err := q.ExecuteSchedulingWithTasks(func(target scheduler.Target) error {
		if err := target.OfferNode(1, 0, 100, true, 0, 1); err != nil {
			return err
		}
		return target.OfferNode(2, 100, 100, true, 1, 2)
	})
	if err != nil {
		t.Fatalf("ExecuteSchedulingWithTasks: %v", err)
	}
	if len(tasks) != 2 || len(futures) != 2 {
		t.Fatalf("expected 2 tasks/futures, got %d/%d", len(tasks), len(futures))
	}

	for range tasks {
		task, ok := q.PollTask(context.Background())
		if !ok {
			t.Fatal("expected a pollable task")
		}
		q.MarkCompleted(task, time.Now(), true, task.Size, nil)
	}
	for i, f := range futures {
		res := <-f
		tr := res.Val.(TaskResult)
		if !tr.Success {
			t.Errorf("future %d did not report success", i)
		}
	}
}
