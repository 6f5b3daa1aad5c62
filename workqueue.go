package proactor

import (
	"container/heap"
	"sync"
	"time"
)

// Work is a deferred unit of execution run on the dispatch goroutine.
type Work func()

type workItem struct {
	work Work
	due  time.Time
	seq  uint64
}

// workHeap orders immediate and delayed work alike: by due time, then by
// enqueue sequence.
type workHeap []*workItem

func (h workHeap) Len() int { return len(h) }
func (h workHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h workHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *workHeap) Push(x any) {
	*h = append(*h, x.(*workItem))
}

func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type workQueue struct {
	lock  sync.Mutex
	items workHeap
	seq   uint64
	now   func() time.Time
}

func newWorkQueue(now func() time.Time) *workQueue {
	if now == nil {
		now = time.Now
	}
	return &workQueue{now: now}
}

// add enqueues w to become due after delay. A non-positive delay makes it due
// at once.
func (q *workQueue) add(w Work, delay time.Duration) {
	q.lock.Lock()
	defer q.lock.Unlock()
	due := q.now()
	if delay > 0 {
		due = due.Add(delay)
	}
	heap.Push(&q.items, &workItem{work: w, due: due, seq: q.seq})
	q.seq++
}

// mark returns a cut-off sequence: items enqueued after the call are not
// drained by popDue(now, mark).
func (q *workQueue) mark() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.seq
}

// popDue removes the earliest item if it is due at now and was enqueued
// before limit.
func (q *workQueue) popDue(now time.Time, limit uint64) *workItem {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	if head.due.After(now) || head.seq >= limit {
		return nil
	}
	return heap.Pop(&q.items).(*workItem)
}

// next reports the earliest due time.
func (q *workQueue) next() (time.Time, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].due, true
}

func (q *workQueue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}
